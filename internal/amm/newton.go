package amm

import (
	"fmt"

	fpmath "PredictCore/internal/math"
)

// HardIterationCap is the ceiling for any configured solver budget.
const HardIterationCap = 32

// newtonFunc evaluates the problem at x. sign is the sign of the residual
// (0 means x is an exact root) and step is the Newton correction in ULPs,
// so the next iterate is x - step. flat reports a non-positive slope, in
// which case the step is ignored and the bracket is bisected.
type newtonFunc func(x fpmath.Fixed) (sign int, step fpmath.Fixed, flat bool, err error)

type solver struct {
	maxIterations int
	tolerance     fpmath.Fixed
}

// solve runs a bracketed Newton-Raphson iteration on [lo, hi] starting from
// x0. Iterates that leave the bracket fall back to bisection. It returns the
// root and the number of iterations used, or ErrPricingDidNotConverge once
// the budget is spent.
func (s solver) solve(lo, hi, x0 fpmath.Fixed, f newtonFunc) (fpmath.Fixed, int, error) {
	if lo > hi {
		return 0, 0, fmt.Errorf("%w: empty bracket [%s, %s]", ErrPricingDidNotConverge, lo, hi)
	}
	x := x0
	for iter := 1; iter <= s.maxIterations; iter++ {
		sign, step, flat, err := f(x)
		if err != nil {
			return 0, iter, fmt.Errorf("%w: iteration %d: %w", ErrPricingDidNotConverge, iter, err)
		}
		if sign == 0 {
			return x, iter, nil
		}
		if sign > 0 {
			hi = x
		} else {
			lo = x
		}

		next := x
		if !flat {
			if next, err = x.Sub(step); err != nil {
				return 0, iter, fmt.Errorf("%w: iteration %d: %w", ErrPricingDidNotConverge, iter, err)
			}
			if absFixed(step) <= s.tolerance {
				return clampFixed(next, lo, hi), iter, nil
			}
		}
		if flat || next <= lo || next >= hi {
			// bisect
			next = lo + (hi-lo)/2
			if next == x || hi-lo <= s.tolerance {
				return next, iter, nil
			}
		}
		x = next
	}
	return 0, s.maxIterations, fmt.Errorf("%w: no convergence within %d iterations", ErrPricingDidNotConverge, s.maxIterations)
}

func absFixed(v fpmath.Fixed) fpmath.Fixed {
	if v < 0 {
		if v == fpmath.MinFixed {
			return fpmath.MaxFixed
		}
		return -v
	}
	return v
}

func clampFixed(v, lo, hi fpmath.Fixed) fpmath.Fixed {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
