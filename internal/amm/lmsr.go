package amm

import (
	"fmt"
	"math/big"

	fpmath "PredictCore/internal/math"
)

// lmsr is the logarithmic market scoring rule, C(q) = b * ln(sum(exp(q_i/b))).
// Every operation has a closed form, so the solver is never used.
type lmsr struct{}

// weights returns exp((q_i - max q)/b) and their sum. Shifting by the max
// keeps every exponent <= 0 so nothing overflows; the sum is at least 1.
func (lmsr) weights(m *Market) ([]fpmath.Fixed, fpmath.Fixed, error) {
	maxQ := m.Q[0]
	for _, q := range m.Q[1:] {
		if q > maxQ {
			maxQ = q
		}
	}
	e := make([]fpmath.Fixed, len(m.Q))
	var sum fpmath.Fixed
	for i, q := range m.Q {
		x, err := (q - maxQ).Div(m.Liquidity, fpmath.RoundHalfEven)
		if err != nil {
			return nil, 0, err
		}
		if e[i], err = fpmath.Exp(x); err != nil {
			return nil, 0, err
		}
		if sum, err = sum.Add(e[i]); err != nil {
			return nil, 0, err
		}
	}
	return e, sum, nil
}

func (l lmsr) prices(m *Market) ([]fpmath.Fixed, error) {
	e, sum, err := l.weights(m)
	if err != nil {
		return nil, err
	}
	p := make([]fpmath.Fixed, len(e))
	for i := range e {
		if p[i], err = e[i].Div(sum, fpmath.RoundHalfEven); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// costDelta uses C(q + delta*e_i) - C(q) = b * ln((S - e_i + e_i*exp(delta/b)) / S).
// The exponent, the logarithm and the final product all round up, so buys
// pay and sells receive the rounded-against-the-trader figure. The weights
// themselves carry half-even ULP noise.
func (l lmsr) costDelta(m *Market, outcome int, delta fpmath.Fixed, _ solver) (fpmath.Fixed, int, error) {
	e, sum, err := l.weights(m)
	if err != nil {
		return 0, 0, err
	}
	x, err := delta.Div(m.Liquidity, fpmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}
	ex, err := fpmath.ExpRound(x, fpmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}

	// num = (S - e_i) * Scale + e_i * ex, den = S * Scale; both at ULP^2
	num := new(big.Int).Mul((sum - e[outcome]).Big(), big.NewInt(fpmath.Scale))
	num.Add(num, new(big.Int).Mul(e[outcome].Big(), ex.Big()))
	den := new(big.Int).Mul(sum.Big(), big.NewInt(fpmath.Scale))

	ln, err := fpmath.LnRatio(num, den, fpmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}
	cost, err := m.Liquidity.Mul(ln, fpmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}
	return cost, 0, nil
}

// quantityForBudget inverts the cost formula:
// delta = b * ln(1 + (exp(B/b) - 1) / p_i), rounded down.
func (lmsr) quantityForBudget(m *Market, outcome int, budget fpmath.Fixed, p []fpmath.Fixed) (fpmath.Fixed, error) {
	if p[outcome] <= 0 {
		return 0, fmt.Errorf("%w: outcome %d has zero probability", fpmath.ErrDomain, outcome)
	}
	x, err := budget.Div(m.Liquidity, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	ex, err := fpmath.ExpRound(x, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	ratio, err := (ex - fpmath.One).Div(p[outcome], fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	inner, err := fpmath.One.Add(ratio)
	if err != nil {
		return 0, err
	}
	ln, err := fpmath.LnRound(inner, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return m.Liquidity.Mul(ln, fpmath.RoundDown)
}

// quantityForTarget uses the logit form:
// delta = b * (logit(target) - logit(p_i)), with logit(p_i) = ln(e_i / (S - e_i)).
// Rounding always shrinks |delta| so the target is approached, not crossed.
func (l lmsr) quantityForTarget(m *Market, outcome int, target fpmath.Fixed, p []fpmath.Fixed, _ solver) (fpmath.Fixed, int, error) {
	e, sum, err := l.weights(m)
	if err != nil {
		return 0, 0, err
	}
	other := sum - e[outcome]
	if e[outcome] <= 0 || other <= 0 {
		return 0, 0, fmt.Errorf("%w: outcome %d probability is saturated", fpmath.ErrDomain, outcome)
	}

	targetMode, currentMode, deltaMode := fpmath.RoundDown, fpmath.RoundUp, fpmath.RoundDown
	if target < p[outcome] {
		targetMode, currentMode, deltaMode = fpmath.RoundUp, fpmath.RoundDown, fpmath.RoundUp
	}
	tl, err := fpmath.LnRatio(target.Big(), (fpmath.One - target).Big(), targetMode)
	if err != nil {
		return 0, 0, err
	}
	cl, err := fpmath.LnRatio(e[outcome].Big(), other.Big(), currentMode)
	if err != nil {
		return 0, 0, err
	}
	d, err := tl.Sub(cl)
	if err != nil {
		return 0, 0, err
	}
	delta, err := m.Liquidity.Mul(d, deltaMode)
	if err != nil {
		return 0, 0, err
	}
	return delta, 0, nil
}

func (lmsr) checkState(_, _ *Market) error { return nil }
