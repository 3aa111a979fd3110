package amm

import (
	"errors"
	"fmt"
	"time"

	fpmath "PredictCore/internal/math"
)

// MaxOutcomes bounds N so that exact reserve products stay small enough to
// evaluate every trade in a few microseconds.
const MaxOutcomes = 16

var (
	ErrPricingDidNotConverge = errors.New("pricing did not converge")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrInvariantViolation    = errors.New("market invariant violation")
	ErrInvalidOrder          = errors.New("invalid order")
	ErrMarketNotActive       = errors.New("market not active")
	ErrStaleQuote            = errors.New("quote does not match market sequence")
	ErrInvalidMarket         = errors.New("invalid market configuration")
)

// CurveID selects the pricing curve at market creation. The set is closed.
type CurveID uint8

const (
	CurveLMSR CurveID = iota + 1
	CurvePMAMM
)

func (c CurveID) String() string {
	switch c {
	case CurveLMSR:
		return "lmsr"
	case CurvePMAMM:
		return "pm_amm"
	default:
		return "unknown"
	}
}

// ParseCurveID maps the config/API name to a CurveID.
func ParseCurveID(s string) (CurveID, error) {
	switch s {
	case "lmsr":
		return CurveLMSR, nil
	case "pm_amm", "pmamm":
		return CurvePMAMM, nil
	default:
		return 0, fmt.Errorf("%w: unknown curve %q", ErrInvalidMarket, s)
	}
}

type MarketStatus uint8

const (
	MarketActive MarketStatus = iota
	MarketHalted
	MarketCollapsed
)

func (s MarketStatus) String() string {
	switch s {
	case MarketActive:
		return "active"
	case MarketHalted:
		return "halted"
	case MarketCollapsed:
		return "collapsed"
	default:
		return "unknown"
	}
}

// Market is a multi-outcome probability market.
//
// Q holds the outstanding trader shares per outcome. Pool is the net
// collateral traders have paid in. For the PM-AMM curve the per-outcome
// reserves are Liquidity + Pool - Q[i].
type Market struct {
	ID            string
	Curve         CurveID
	Liquidity     fpmath.Fixed // b
	Q             []fpmath.Fixed
	Pool          fpmath.Fixed
	FeeBps        int64
	FeesCollected fpmath.Fixed
	Status        MarketStatus
	Sequence      int64
	Winner        int
	CreatedAt     time.Time
}

// NewMarket creates an Active market with all quantities at zero.
func NewMarket(id string, curve CurveID, outcomes int, liquidity fpmath.Fixed, feeBps int64, createdAt time.Time) (*Market, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty market id", ErrInvalidMarket)
	}
	if _, err := curveFor(curve); err != nil {
		return nil, err
	}
	if outcomes < 2 || outcomes > MaxOutcomes {
		return nil, fmt.Errorf("%w: outcomes must be in [2, %d], got %d", ErrInvalidMarket, MaxOutcomes, outcomes)
	}
	if liquidity <= 0 {
		return nil, fmt.Errorf("%w: liquidity must be positive", ErrInvalidMarket)
	}
	if feeBps < 0 || feeBps >= fpmath.BasisPoints {
		return nil, fmt.Errorf("%w: fee_bps must be in [0, 10000), got %d", ErrInvalidMarket, feeBps)
	}
	return &Market{
		ID:        id,
		Curve:     curve,
		Liquidity: liquidity,
		Q:         make([]fpmath.Fixed, outcomes),
		FeeBps:    feeBps,
		Status:    MarketActive,
		Winner:    -1,
		CreatedAt: createdAt,
	}, nil
}

func (m *Market) Outcomes() int { return len(m.Q) }

// Clone returns a deep copy.
func (m *Market) Clone() *Market {
	c := *m
	c.Q = append([]fpmath.Fixed(nil), m.Q...)
	return &c
}

// withState returns a copy carrying the given post-trade quantities.
func (m *Market) withState(q []fpmath.Fixed, pool fpmath.Fixed) *Market {
	c := *m
	c.Q = q
	c.Pool = pool
	return &c
}

func isPricingError(err error) bool {
	for _, target := range []error{
		ErrPricingDidNotConverge, ErrSlippageExceeded, ErrInvariantViolation,
		ErrInvalidOrder, ErrMarketNotActive, ErrInvalidMarket,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isNonConvergence(err error) bool {
	return errors.Is(err, ErrPricingDidNotConverge)
}

func isArithmetic(err error) bool {
	return errors.Is(err, fpmath.ErrArithmeticOverflow) ||
		errors.Is(err, fpmath.ErrDivisionByZero) ||
		errors.Is(err, fpmath.ErrDomain)
}
