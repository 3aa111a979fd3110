package amm

import (
	"fmt"

	fpmath "PredictCore/internal/math"
)

// Resolution is the outcome of collapsing a market onto its winner.
type Resolution struct {
	MarketID string
	Winner   int
	// PayoutPerShare is One for the winning outcome and zero elsewhere.
	PayoutPerShare []fpmath.Fixed
	// Liability is what the pool owes winning shareholders.
	Liability fpmath.Fixed
	Pool      fpmath.Fixed
	// MakerPnL is Pool - Liability. It is never below -Liquidity.
	MakerPnL fpmath.Fixed
	Sequence int64
}

// Collapse resolves m onto winner and archives it. A collapsed market
// rejects every further quote and commit.
func (e *Engine) Collapse(m *Market, winner int) (*Resolution, error) {
	if m.Status == MarketCollapsed {
		return nil, fmt.Errorf("%w: market %s already collapsed", ErrMarketNotActive, m.ID)
	}
	if winner < 0 || winner >= m.Outcomes() {
		return nil, fmt.Errorf("%w: winner %d out of range [0, %d)", ErrInvalidOrder, winner, m.Outcomes())
	}
	pnl, err := m.Pool.Sub(m.Q[winner])
	if err != nil {
		return nil, err
	}
	if m.Curve == CurvePMAMM && pnl < -m.Liquidity {
		return nil, fmt.Errorf("%w: maker loss %s exceeds funding %s", ErrInvariantViolation, pnl, m.Liquidity)
	}

	payout := make([]fpmath.Fixed, m.Outcomes())
	payout[winner] = fpmath.One

	m.Status = MarketCollapsed
	m.Winner = winner
	m.Sequence++

	return &Resolution{
		MarketID:       m.ID,
		Winner:         winner,
		PayoutPerShare: payout,
		Liability:      m.Q[winner],
		Pool:           m.Pool,
		MakerPnL:       pnl,
		Sequence:       m.Sequence,
	}, nil
}
