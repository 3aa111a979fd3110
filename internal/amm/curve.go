package amm

import (
	"fmt"

	fpmath "PredictCore/internal/math"
)

// curve is the pricing contract shared by every curve family. Implementations
// are stateless; all state lives in the Market passed in.
type curve interface {
	// prices returns the marginal probability of every outcome.
	prices(m *Market) ([]fpmath.Fixed, error)
	// costDelta returns the collateral a trader pays (negative: receives)
	// to move Q[outcome] by delta, rounded in the protocol's favour.
	costDelta(m *Market, outcome int, delta fpmath.Fixed, s solver) (fpmath.Fixed, int, error)
	// quantityForBudget returns the shares of outcome bought with budget.
	quantityForBudget(m *Market, outcome int, budget fpmath.Fixed, p []fpmath.Fixed) (fpmath.Fixed, error)
	// quantityForTarget returns the share delta that moves outcome's
	// probability to target without overshooting it.
	quantityForTarget(m *Market, outcome int, target fpmath.Fixed, p []fpmath.Fixed, s solver) (fpmath.Fixed, int, error)
	// checkState validates curve-specific invariants of a post-trade state
	// against the pre-trade state.
	checkState(before, after *Market) error
}

var (
	lmsrCurve  curve = lmsr{}
	pmammCurve curve = pmamm{}
)

func curveFor(id CurveID) (curve, error) {
	switch id {
	case CurveLMSR:
		return lmsrCurve, nil
	case CurvePMAMM:
		return pmammCurve, nil
	default:
		return nil, fmt.Errorf("%w: unknown curve id %d", ErrInvalidMarket, id)
	}
}
