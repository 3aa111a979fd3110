package amm

import (
	"fmt"
	"math/big"

	fpmath "PredictCore/internal/math"
)

// pmamm is the bounded-loss, probability-normalised fixed-product curve.
//
// Each outcome has a reserve r_i = b + Pool - Q[i]. Trades keep the product
// of reserves at or above its previous value (b^N at genesis), so the market
// maker can never owe more than the b it funded. Marginal probabilities are
// p_i = (1/r_i) / sum(1/r_j).
//
// All reserve arithmetic is done on exact ULP integers. Only the final
// quotient of each evaluation is rounded, which keeps Newton steps free of
// rounding noise.
type pmamm struct{}

const maxBracketDoublings = 48

// reserves returns r_i in ULPs. A non-positive reserve means the market
// state is already corrupt.
func (pmamm) reserves(m *Market) ([]*big.Int, error) {
	base, err := m.Liquidity.Add(m.Pool)
	if err != nil {
		return nil, err
	}
	r := make([]*big.Int, len(m.Q))
	for i, q := range m.Q {
		ri, err := base.Sub(q)
		if err != nil {
			return nil, err
		}
		if ri <= 0 {
			return nil, fmt.Errorf("%w: reserve of outcome %d is %s", ErrInvariantViolation, i, ri)
		}
		r[i] = ri.Big()
	}
	return r, nil
}

func product(xs []*big.Int) *big.Int {
	p := big.NewInt(1)
	for _, x := range xs {
		p.Mul(p, x)
	}
	return p
}

// productsExcept returns prod_{j != k} xs[j] for every k.
func productsExcept(xs []*big.Int) []*big.Int {
	n := len(xs)
	out := make([]*big.Int, n)
	prefix := big.NewInt(1)
	for k := 0; k < n; k++ {
		out[k] = new(big.Int).Set(prefix)
		prefix.Mul(prefix, xs[k])
	}
	suffix := big.NewInt(1)
	for k := n - 1; k >= 0; k-- {
		out[k].Mul(out[k], suffix)
		suffix.Mul(suffix, xs[k])
	}
	return out
}

// shiftedProduct returns A(s) = prod(xs[j] + s) with its first and second
// derivatives in s, all as ULP integers.
func shiftedProduct(xs []*big.Int, s *big.Int) (a, a1, a2 *big.Int) {
	a, a1, a2 = big.NewInt(1), new(big.Int), new(big.Int)
	x := new(big.Int)
	for _, xj := range xs {
		x.Add(xj, s)
		a2.Mul(a2, x)
		a2.Add(a2, new(big.Int).Lsh(a1, 1))
		a1.Mul(a1, x)
		a1.Add(a1, a)
		a.Mul(a, x)
	}
	return a, a1, a2
}

func others(r []*big.Int, outcome int) []*big.Int {
	out := make([]*big.Int, 0, len(r)-1)
	for j, rj := range r {
		if j != outcome {
			out = append(out, rj)
		}
	}
	return out
}

func minReserve(xs []*big.Int) *big.Int {
	least := xs[0]
	for _, x := range xs[1:] {
		if x.Cmp(least) < 0 {
			least = x
		}
	}
	return least
}

func (c pmamm) prices(m *Market) ([]fpmath.Fixed, error) {
	r, err := c.reserves(m)
	if err != nil {
		return nil, err
	}
	weights := productsExcept(r)
	total := new(big.Int)
	for _, w := range weights {
		total.Add(total, w)
	}
	p := make([]fpmath.Fixed, len(r))
	scale := big.NewInt(fpmath.Scale)
	for i, w := range weights {
		num := new(big.Int).Mul(w, scale)
		if p[i], err = fpmath.DivideWide(num, total, fpmath.RoundHalfEven); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// costDelta solves prod_j (r_j + c - delta*[j==i]) = prod_j r_j for c.
//
// g(c) is convex and increasing on the domain where every factor is
// positive, and the iteration starts above the root, so Newton descends
// monotonically. Steps are floored, which keeps every iterate at or above
// the root: the trader never pays less, or receives more, than the exact
// curve price.
func (c pmamm) costDelta(m *Market, outcome int, delta fpmath.Fixed, s solver) (fpmath.Fixed, int, error) {
	r, err := c.reserves(m)
	if err != nil {
		return 0, 0, err
	}
	invariant := product(r)
	ri := fpmath.Fixed(r[outcome].Int64())

	var lo, hi fpmath.Fixed
	if delta > 0 {
		lo = fpmath.Max(0, delta-ri)
		hi = delta
	} else {
		floor := -fpmath.Fixed(minReserve(others(r, outcome)).Int64()) + fpmath.ULP
		lo = fpmath.Max(delta, floor)
		hi = 0
	}

	factors := make([]*big.Int, len(r))
	eval := func(x fpmath.Fixed) (int, fpmath.Fixed, bool, error) {
		shift := x.Big()
		for j, rj := range r {
			factors[j] = new(big.Int).Add(rj, shift)
			if j == outcome {
				factors[j].Sub(factors[j], delta.Big())
			}
			if factors[j].Sign() <= 0 {
				return 0, 0, false, fmt.Errorf("%w: reserve %d leaves domain at c=%s", fpmath.ErrDomain, j, x)
			}
		}
		g := product(factors)
		g.Sub(g, invariant)
		if g.Sign() == 0 {
			return 0, 0, false, nil
		}
		slope := new(big.Int)
		for _, w := range productsExcept(factors) {
			slope.Add(slope, w)
		}
		step, err := fpmath.DivideWide(g, slope, fpmath.RoundDown)
		if err != nil {
			return 0, 0, false, err
		}
		return g.Sign(), step, false, nil
	}
	return s.solve(lo, hi, hi, eval)
}

// quantityForBudget is closed form: spending B mints B of every outcome
// into the pool, then the pool pays out outcome i down to the reserve that
// restores the invariant, rounded up so the trader receives the floor.
func (c pmamm) quantityForBudget(m *Market, outcome int, budget fpmath.Fixed, _ []fpmath.Fixed) (fpmath.Fixed, error) {
	r, err := c.reserves(m)
	if err != nil {
		return 0, err
	}
	a, _, _ := shiftedProduct(others(r, outcome), budget.Big())
	newRi, err := fpmath.DivideWide(product(r), a, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	ri := fpmath.Fixed(r[outcome].Int64())
	out, err := ri.Add(budget)
	if err != nil {
		return 0, err
	}
	return out.Sub(newRi)
}

// quantityForTarget finds the signed budget B with p_i(B) = target, then
// converts it to shares with the budget formula. With A(B) the product of
// the other reserves shifted by B and P the invariant,
//
//	p_i(B) >= t  <=>  H(B) = (1-t) A(B)^2 - t P A'(B) >= 0
//
// so the sign of H tracks p_i - t and Newton runs on H.
func (c pmamm) quantityForTarget(m *Market, outcome int, target fpmath.Fixed, _ []fpmath.Fixed, s solver) (fpmath.Fixed, int, error) {
	r, err := c.reserves(m)
	if err != nil {
		return 0, 0, err
	}
	rest := others(r, outcome)
	invariant := product(r)
	t := target.Big()
	oneMinusT := (fpmath.One - target).Big()

	eval := func(b fpmath.Fixed) (int, fpmath.Fixed, bool, error) {
		a, a1, a2 := shiftedProduct(rest, b.Big())
		if a.Sign() <= 0 {
			return 0, 0, false, fmt.Errorf("%w: budget %s empties a reserve", fpmath.ErrDomain, b)
		}
		tp := new(big.Int).Mul(t, invariant)

		h := new(big.Int).Mul(a, a)
		h.Mul(h, oneMinusT)
		h.Sub(h, new(big.Int).Mul(tp, a1))
		if h.Sign() == 0 {
			return 0, 0, false, nil
		}

		slope := new(big.Int).Mul(a, a1)
		slope.Lsh(slope, 1)
		slope.Mul(slope, oneMinusT)
		slope.Sub(slope, new(big.Int).Mul(tp, a2))
		if slope.Sign() <= 0 {
			return h.Sign(), 0, true, nil
		}
		step, err := fpmath.DivideWide(h, slope, fpmath.RoundHalfEven)
		if err != nil {
			return 0, 0, false, err
		}
		return h.Sign(), step, false, nil
	}

	sign0, _, _, err := eval(0)
	if err != nil {
		return 0, 0, err
	}
	if sign0 == 0 {
		return 0, 0, nil
	}

	var lo, hi, start fpmath.Fixed
	if sign0 < 0 {
		// buy: grow hi until p_i(hi) >= target
		hi = fpmath.Max(m.Liquidity, fpmath.One)
		for i := 0; ; i++ {
			sign, _, _, err := eval(hi)
			if err != nil {
				return 0, 0, err
			}
			if sign >= 0 {
				break
			}
			if i == maxBracketDoublings {
				return 0, 0, fmt.Errorf("%w: target %s out of reach", ErrPricingDidNotConverge, target)
			}
			lo = hi
			if hi, err = hi.Add(hi); err != nil {
				return 0, 0, fmt.Errorf("%w: target %s out of reach", ErrPricingDidNotConverge, target)
			}
		}
		start = lo
	} else {
		// sell: the budget is negative, bounded by the smallest other reserve
		lo = -fpmath.Fixed(minReserve(rest).Int64()) + fpmath.ULP
		hi = 0
		start = hi
	}

	budget, iters, err := s.solve(lo, hi, start, eval)
	if err != nil {
		return 0, iters, err
	}
	delta, err := c.quantityForBudget(m, outcome, budget, nil)
	return delta, iters, err
}

// checkState requires every reserve positive and the reserve product not
// to shrink.
func (c pmamm) checkState(before, after *Market) error {
	rb, err := c.reserves(before)
	if err != nil {
		return err
	}
	ra, err := c.reserves(after)
	if err != nil {
		return err
	}
	if product(ra).Cmp(product(rb)) < 0 {
		return fmt.Errorf("%w: reserve product decreased", ErrInvariantViolation)
	}
	return nil
}
