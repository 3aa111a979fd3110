package risk

import (
	"errors"
	"fmt"
	"time"

	fpmath "PredictCore/internal/math"
)

// RecentTradeCapacity is how many trade timestamps an exposure keeps.
const RecentTradeCapacity = 16

// AccountExposure is one account's isolated position in one market.
// Positions are signed share counts per outcome; CostBasis is the signed
// cash paid for the open position on each outcome.
type AccountExposure struct {
	Account  string
	MarketID string

	Position  []fpmath.Fixed
	CostBasis []fpmath.Fixed

	RealizedPnL   fpmath.Fixed
	UnrealizedPnL fpmath.Fixed

	Equity            fpmath.Fixed
	Notional          fpmath.Fixed
	InitialMargin     fpmath.Fixed
	MaintenanceMargin fpmath.Fixed
	MarginUtilization fpmath.Fixed
	HealthRatio       fpmath.Fixed

	RecentTrades []time.Time
	Version      uint64
}

func NewExposure(account, marketID string, outcomes int) AccountExposure {
	return AccountExposure{
		Account:     account,
		MarketID:    marketID,
		Position:    make([]fpmath.Fixed, outcomes),
		CostBasis:   make([]fpmath.Fixed, outcomes),
		HealthRatio: fpmath.MaxFixed,
	}
}

func (e AccountExposure) Clone() AccountExposure {
	c := e
	c.Position = append([]fpmath.Fixed(nil), e.Position...)
	c.CostBasis = append([]fpmath.Fixed(nil), e.CostBasis...)
	c.RecentTrades = append([]time.Time(nil), e.RecentTrades...)
	return c
}

func (e AccountExposure) IsFlat() bool {
	for _, p := range e.Position {
		if p != 0 {
			return false
		}
	}
	return true
}

// Liquidatable reports health below 1.0.
func (e AccountExposure) Liquidatable() bool {
	return !e.IsFlat() && e.HealthRatio < fpmath.One
}

// ReducesExposure reports whether trading qty on outcome shrinks the
// absolute position without flipping it.
func (e AccountExposure) ReducesExposure(outcome int, qty fpmath.Fixed) bool {
	if outcome < 0 || outcome >= len(e.Position) || qty == 0 {
		return false
	}
	pos := e.Position[outcome]
	if pos == 0 || pos.Sign() == qty.Sign() {
		return false
	}
	if pos > 0 {
		return -qty <= pos
	}
	return qty <= -pos
}

// Fill is an executed (or proposed) trade from the account's side.
// CashFlow is what the account paid including fees; negative when it
// received proceeds.
type Fill struct {
	Outcome  int
	Quantity fpmath.Fixed
	CashFlow fpmath.Fixed
	At       time.Time
}

// ApplyFill returns e with the fill booked into position, basis and
// realized PnL. Margin fields are stale until Evaluate runs.
func ApplyFill(e AccountExposure, f Fill) (AccountExposure, error) {
	if f.Outcome < 0 || f.Outcome >= len(e.Position) {
		return e, fmt.Errorf("outcome %d out of range for %d outcomes", f.Outcome, len(e.Position))
	}
	out := e.Clone()
	pos, basis := out.Position[f.Outcome], out.CostBasis[f.Outcome]
	q, cash := f.Quantity, f.CashFlow

	var err error
	switch {
	case pos == 0 || pos.Sign() == q.Sign():
		if pos, err = pos.Add(q); err != nil {
			return e, err
		}
		if basis, err = basis.Add(cash); err != nil {
			return e, err
		}

	case absOf(q) <= absOf(pos):
		// partial or full close
		released, err := fpmath.MulDiv(int64(basis), int64(absOf(q)), int64(absOf(pos)), fpmath.RoundHalfEven)
		if err != nil {
			return e, err
		}
		if out.RealizedPnL, err = realize(out.RealizedPnL, cash, released); err != nil {
			return e, err
		}
		basis -= released
		pos += q

	default:
		// close through zero and open the other side
		closeCash, err := fpmath.MulDiv(int64(cash), int64(absOf(pos)), int64(absOf(q)), fpmath.RoundHalfEven)
		if err != nil {
			return e, err
		}
		if out.RealizedPnL, err = realize(out.RealizedPnL, closeCash, basis); err != nil {
			return e, err
		}
		if pos, err = pos.Add(q); err != nil {
			return e, err
		}
		basis = cash - closeCash
	}
	out.Position[f.Outcome] = pos
	out.CostBasis[f.Outcome] = basis
	if pos == 0 {
		out.CostBasis[f.Outcome] = 0
	}

	if !f.At.IsZero() {
		out.RecentTrades = append(out.RecentTrades, f.At)
		if n := len(out.RecentTrades); n > RecentTradeCapacity {
			out.RecentTrades = append([]time.Time(nil), out.RecentTrades[n-RecentTradeCapacity:]...)
		}
	}
	out.Version++
	return out, nil
}

// realize books -cash - released into pnl.
func realize(pnl, cash, released fpmath.Fixed) (fpmath.Fixed, error) {
	gain, err := cash.Neg()
	if err != nil {
		return 0, err
	}
	if gain, err = gain.Sub(released); err != nil {
		return 0, err
	}
	return pnl.Add(gain)
}

func absOf(v fpmath.Fixed) fpmath.Fixed {
	if v < 0 {
		return -v
	}
	return v
}

// Evaluate recomputes equity, margin and health for e at the given
// probabilities. collateral is the ledger balance after all settled cash.
//
//	equity      = collateral + Σ pos_i·p_i
//	notional    = Σ long pos_i·p_i + Σ short |pos_i|·(1−p_i)
//	utilization = IM / equity
//	health      = equity / MM
func Evaluate(e AccountExposure, collateral fpmath.Fixed, probs []fpmath.Fixed, tier Tier) (AccountExposure, error) {
	if len(probs) != len(e.Position) {
		return e, fmt.Errorf("probabilities for %d outcomes, position has %d", len(probs), len(e.Position))
	}
	out := e.Clone()

	var mark, notional, basis fpmath.Fixed
	for i, pos := range out.Position {
		if pos == 0 {
			continue
		}
		// valuation rounds down, requirements round up
		v, err := pos.Mul(probs[i], fpmath.RoundDown)
		if err != nil {
			return e, err
		}
		if mark, err = mark.Add(v); err != nil {
			return e, err
		}
		var n fpmath.Fixed
		if pos > 0 {
			n, err = pos.Mul(probs[i], fpmath.RoundUp)
		} else {
			n, err = absOf(pos).Mul(fpmath.One-probs[i], fpmath.RoundUp)
		}
		if err != nil {
			return e, err
		}
		if notional, err = notional.Add(n); err != nil {
			return e, err
		}
		if basis, err = basis.Add(out.CostBasis[i]); err != nil {
			return e, err
		}
	}

	var err error
	if out.Equity, err = collateral.Add(mark); err != nil {
		return e, err
	}
	if out.UnrealizedPnL, err = mark.Sub(basis); err != nil {
		return e, err
	}
	out.Notional = notional
	if out.InitialMargin, err = notional.Mul(tier.IMFraction, fpmath.RoundUp); err != nil {
		return e, err
	}
	if out.MaintenanceMargin, err = notional.Mul(tier.MMFraction, fpmath.RoundUp); err != nil {
		return e, err
	}

	switch {
	case out.InitialMargin == 0:
		out.MarginUtilization = 0
	case out.Equity <= 0:
		out.MarginUtilization = fpmath.MaxFixed
	default:
		out.MarginUtilization, err = out.InitialMargin.Div(out.Equity, fpmath.RoundUp)
		if errors.Is(err, fpmath.ErrArithmeticOverflow) {
			out.MarginUtilization, err = fpmath.MaxFixed, nil
		}
		if err != nil {
			return e, err
		}
	}

	if out.MaintenanceMargin == 0 {
		out.HealthRatio = fpmath.MaxFixed
	} else {
		out.HealthRatio, err = out.Equity.Div(out.MaintenanceMargin, fpmath.RoundDown)
		if errors.Is(err, fpmath.ErrArithmeticOverflow) {
			out.HealthRatio, err = fpmath.MaxFixed, nil
		}
		if err != nil {
			return e, err
		}
	}
	return out, nil
}

// TradeCheck is the input to CheckTrade.
type TradeCheck struct {
	Collateral  fpmath.Fixed // ledger balance before the trade
	Tier        Tier
	Fill        Fill
	ProbsBefore []fpmath.Fixed
	ProbsAfter  []fpmath.Fixed
}

// CheckTrade simulates the fill and returns the proposed exposure. It
// fails with ErrMarginCapExceeded only when post-trade utilization is above
// the tier cap and higher than before the trade: a trade that does not
// raise utilization is always allowed, even on an account already over the
// cap. current is never modified.
func CheckTrade(current AccountExposure, in TradeCheck) (AccountExposure, error) {
	before, err := Evaluate(current, in.Collateral, in.ProbsBefore, in.Tier)
	if err != nil {
		return current, err
	}
	proposed, err := ApplyFill(before, in.Fill)
	if err != nil {
		return current, err
	}
	after, err := in.Collateral.Sub(in.Fill.CashFlow)
	if err != nil {
		return current, err
	}
	if proposed, err = Evaluate(proposed, after, in.ProbsAfter, in.Tier); err != nil {
		return current, err
	}
	if proposed.MarginUtilization > in.Tier.MarginCap && proposed.MarginUtilization > before.MarginUtilization {
		return current, fmt.Errorf("%w: utilization %s above cap %s (tier %s)",
			ErrMarginCapExceeded, proposed.MarginUtilization, in.Tier.MarginCap, in.Tier.Name)
	}
	return proposed, nil
}
