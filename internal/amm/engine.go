package amm

import (
	"fmt"

	fpmath "PredictCore/internal/math"
	"PredictCore/internal/observability"
)

// TradeKind selects how an order expresses its size.
type TradeKind uint8

const (
	KindQuantity          TradeKind = iota // signed share delta
	KindBudget                             // spend exactly Budget of collateral
	KindTargetProbability                  // move the outcome's probability to Target
)

func (k TradeKind) String() string {
	switch k {
	case KindQuantity:
		return "quantity"
	case KindBudget:
		return "budget"
	case KindTargetProbability:
		return "target"
	default:
		return "unknown"
	}
}

// ParseTradeKind maps the wire name to a TradeKind.
func ParseTradeKind(s string) (TradeKind, error) {
	switch s {
	case "quantity", "":
		return KindQuantity, nil
	case "budget":
		return KindBudget, nil
	case "target":
		return KindTargetProbability, nil
	default:
		return 0, fmt.Errorf("%w: unknown trade kind %q", ErrInvalidOrder, s)
	}
}

// Order is a revealed intent reduced to what pricing needs.
type Order struct {
	Outcome  int
	Kind     TradeKind
	Quantity fpmath.Fixed // KindQuantity: > 0 buys, < 0 sells
	Budget   fpmath.Fixed // KindBudget: collateral to spend, > 0
	Target   fpmath.Fixed // KindTargetProbability: in (0, 1)
	// MaxSlippageBps bounds how far the average fill price may sit from the
	// pre-trade marginal price. 0 disables the check.
	MaxSlippageBps int64
}

// Quote is a tentative pricing result. It carries the full post-trade
// market state and is applied only by Commit.
type Quote struct {
	MarketID    string
	Outcome     int
	Quantity    fpmath.Fixed // resolved signed share delta
	Cost        fpmath.Fixed // collateral paid to the pool (negative: paid out)
	Fee         fpmath.Fixed
	AvgPrice    fpmath.Fixed
	ProbBefore  []fpmath.Fixed
	ProbAfter   []fpmath.Fixed
	SlippageBps int64
	Iterations  int

	q       []fpmath.Fixed
	pool    fpmath.Fixed
	baseSeq int64
}

// Config bounds the numerical work done per trade.
type Config struct {
	MaxIterations int
	ToleranceULPs int64
	// NormTolerance is the allowed |sum(p) - 1| after a trade.
	NormTolerance fpmath.Fixed
}

func DefaultConfig() Config {
	return Config{
		MaxIterations: HardIterationCap,
		ToleranceULPs: 64,
		NormTolerance: 1_000,
	}
}

func (c Config) Validate() error {
	if c.MaxIterations < 1 || c.MaxIterations > HardIterationCap {
		return fmt.Errorf("max_iterations must be in [1, %d], got %d", HardIterationCap, c.MaxIterations)
	}
	if c.ToleranceULPs < 0 {
		return fmt.Errorf("tolerance_ulps must be >= 0, got %d", c.ToleranceULPs)
	}
	if c.NormTolerance <= 0 {
		return fmt.Errorf("norm_tolerance must be positive")
	}
	return nil
}

// Engine prices orders against markets. It holds no market state and is
// safe for concurrent use across markets; callers serialise access to any
// single Market.
type Engine struct {
	cfg     Config
	metrics *observability.Metrics
}

func NewEngine(cfg Config, metrics *observability.Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, metrics: metrics}, nil
}

func (e *Engine) solver() solver {
	return solver{maxIterations: e.cfg.MaxIterations, tolerance: fpmath.Fixed(e.cfg.ToleranceULPs)}
}

// Probabilities returns the current marginal probability of each outcome.
func (e *Engine) Probabilities(m *Market) ([]fpmath.Fixed, error) {
	c, err := curveFor(m.Curve)
	if err != nil {
		return nil, err
	}
	return c.prices(m)
}

// Quote prices order against m without mutating it.
func (e *Engine) Quote(m *Market, o Order) (*Quote, error) {
	if m.Status != MarketActive {
		return nil, fmt.Errorf("%w: market %s is %s", ErrMarketNotActive, m.ID, m.Status)
	}
	c, err := curveFor(m.Curve)
	if err != nil {
		return nil, err
	}
	if err := validateOrder(m, o); err != nil {
		return nil, err
	}

	before, err := c.prices(m)
	if err != nil {
		return nil, e.numeric(m, err)
	}

	// Step 1: resolve the order to a share delta
	delta, iters, err := e.resolveDelta(c, m, o, before)
	if err != nil {
		return nil, e.numeric(m, err)
	}
	if delta == 0 {
		return nil, fmt.Errorf("%w: order resolves to zero shares", ErrInvalidOrder)
	}
	if delta < 0 && m.Q[o.Outcome]+delta < 0 {
		return nil, fmt.Errorf("%w: sell of %s exceeds %s outstanding", ErrInvalidOrder, -delta, m.Q[o.Outcome])
	}

	// Step 2: cost of the delta
	cost, costIters, err := c.costDelta(m, o.Outcome, delta, e.solver())
	iters += costIters
	if err != nil {
		return nil, e.numeric(m, err)
	}
	if o.Kind == KindBudget {
		delta, cost, iters, err = e.fitBudget(c, m, o, delta, cost, iters)
		if err != nil {
			return nil, e.numeric(m, err)
		}
	}
	if e.metrics != nil && iters > 0 {
		e.metrics.SolverIterations.WithLabelValues(m.Curve.String(), o.Kind.String()).Observe(float64(iters))
	}

	// Step 3: fee and slippage, both rounded against the trader
	absCost, err := cost.Abs()
	if err != nil {
		return nil, e.numeric(m, err)
	}
	fee, err := absCost.MulBps(m.FeeBps, fpmath.RoundUp)
	if err != nil {
		return nil, e.numeric(m, err)
	}
	avg, slip, err := slippage(delta, cost, before[o.Outcome])
	if err != nil {
		return nil, e.numeric(m, err)
	}
	if o.MaxSlippageBps > 0 && slip > o.MaxSlippageBps {
		return nil, fmt.Errorf("%w: %d bps > max %d bps", ErrSlippageExceeded, slip, o.MaxSlippageBps)
	}

	// Step 4: post-trade state and invariants
	q := append([]fpmath.Fixed(nil), m.Q...)
	if q[o.Outcome], err = q[o.Outcome].Add(delta); err != nil {
		return nil, e.numeric(m, err)
	}
	pool, err := m.Pool.Add(cost)
	if err != nil {
		return nil, e.numeric(m, err)
	}
	post := m.withState(q, pool)
	after, err := e.checkInvariants(c, m, post)
	if err != nil {
		return nil, err
	}

	return &Quote{
		MarketID:    m.ID,
		Outcome:     o.Outcome,
		Quantity:    delta,
		Cost:        cost,
		Fee:         fee,
		AvgPrice:    avg,
		ProbBefore:  before,
		ProbAfter:   after,
		SlippageBps: slip,
		Iterations:  iters,
		q:           q,
		pool:        pool,
		baseSeq:     m.Sequence,
	}, nil
}

// Commit applies a quote produced against the market's current sequence.
// All fields are assigned together after every check has passed.
func (e *Engine) Commit(m *Market, qt *Quote) error {
	if qt.MarketID != m.ID || qt.baseSeq != m.Sequence {
		return fmt.Errorf("%w: quote for %s@%d, market %s@%d", ErrStaleQuote, qt.MarketID, qt.baseSeq, m.ID, m.Sequence)
	}
	if m.Status == MarketCollapsed {
		return fmt.Errorf("%w: market %s is collapsed", ErrMarketNotActive, m.ID)
	}
	m.Q = qt.q
	m.Pool = qt.pool
	m.FeesCollected = m.FeesCollected.SatAdd(qt.Fee)
	m.Sequence++
	return nil
}

// ApplyLogged re-applies a fill taken from the result log. Nothing is
// priced: the logged quantity and cost are trusted and only the share
// counts are checked.
func (e *Engine) ApplyLogged(m *Market, outcome int, quantity, cost, fee fpmath.Fixed) error {
	if m.Status == MarketCollapsed {
		return fmt.Errorf("%w: market %s is collapsed", ErrMarketNotActive, m.ID)
	}
	if outcome < 0 || outcome >= m.Outcomes() {
		return fmt.Errorf("%w: outcome %d out of range [0, %d)", ErrInvalidOrder, outcome, m.Outcomes())
	}
	q, err := m.Q[outcome].Add(quantity)
	if err != nil {
		return err
	}
	if q < 0 {
		return fmt.Errorf("%w: negative share quantity on outcome %d", ErrInvariantViolation, outcome)
	}
	pool, err := m.Pool.Add(cost)
	if err != nil {
		return err
	}
	m.Q[outcome] = q
	m.Pool = pool
	m.FeesCollected = m.FeesCollected.SatAdd(fee)
	m.Sequence++
	return nil
}

func validateOrder(m *Market, o Order) error {
	if o.Outcome < 0 || o.Outcome >= m.Outcomes() {
		return fmt.Errorf("%w: outcome %d out of range [0, %d)", ErrInvalidOrder, o.Outcome, m.Outcomes())
	}
	if o.MaxSlippageBps < 0 {
		return fmt.Errorf("%w: negative slippage bound", ErrInvalidOrder)
	}
	switch o.Kind {
	case KindQuantity:
		if o.Quantity == 0 {
			return fmt.Errorf("%w: zero quantity", ErrInvalidOrder)
		}
	case KindBudget:
		if o.Budget <= 0 {
			return fmt.Errorf("%w: budget must be positive", ErrInvalidOrder)
		}
	case KindTargetProbability:
		if o.Target <= 0 || o.Target >= fpmath.One {
			return fmt.Errorf("%w: target probability must be in (0, 1)", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown trade kind %d", ErrInvalidOrder, o.Kind)
	}
	return nil
}

func (e *Engine) resolveDelta(c curve, m *Market, o Order, p []fpmath.Fixed) (fpmath.Fixed, int, error) {
	switch o.Kind {
	case KindBudget:
		d, err := c.quantityForBudget(m, o.Outcome, o.Budget, p)
		return d, 0, err
	case KindTargetProbability:
		return c.quantityForTarget(m, o.Outcome, o.Target, p, e.solver())
	default:
		return o.Quantity, 0, nil
	}
}

// maxBudgetCorrections bounds the trims applied when rounding pushes a
// budget order's cost above its budget.
const maxBudgetCorrections = 4

// fitBudget trims delta until the cost fits the budget. Each trim removes
// excess/p_after shares, rounded up, plus one ULP.
func (e *Engine) fitBudget(c curve, m *Market, o Order, delta, cost fpmath.Fixed, iters int) (fpmath.Fixed, fpmath.Fixed, int, error) {
	for i := 0; cost > o.Budget; i++ {
		if i == maxBudgetCorrections || iters >= e.cfg.MaxIterations {
			return 0, 0, iters, fmt.Errorf("%w: cost %s still above budget %s", ErrPricingDidNotConverge, cost, o.Budget)
		}
		price, err := cost.Div(delta, fpmath.RoundDown)
		if err != nil || price <= 0 {
			return 0, 0, iters, fmt.Errorf("%w: degenerate average price", ErrPricingDidNotConverge)
		}
		trim, err := (cost - o.Budget).Div(price, fpmath.RoundUp)
		if err != nil {
			return 0, 0, iters, err
		}
		if delta -= trim + fpmath.ULP; delta <= 0 {
			return 0, 0, iters, fmt.Errorf("%w: budget too small", ErrInvalidOrder)
		}
		var n int
		if cost, n, err = c.costDelta(m, o.Outcome, delta, e.solver()); err != nil {
			return 0, 0, iters, err
		}
		iters += n + 1
	}
	return delta, cost, iters, nil
}

// slippage returns the average fill price and how far it sits from the
// marginal price in bps. Buys round the average up, sells round it down,
// and the bps figure rounds up.
func slippage(delta, cost, marginal fpmath.Fixed) (fpmath.Fixed, int64, error) {
	if marginal <= 0 {
		return 0, 0, fmt.Errorf("%w: zero marginal price", fpmath.ErrDomain)
	}
	var avg, gap fpmath.Fixed
	var err error
	if delta > 0 {
		if avg, err = cost.Div(delta, fpmath.RoundUp); err != nil {
			return 0, 0, err
		}
		gap = avg - marginal
	} else {
		if avg, err = cost.Div(delta, fpmath.RoundDown); err != nil {
			return 0, 0, err
		}
		gap = marginal - avg
	}
	if gap <= 0 {
		return avg, 0, nil
	}
	bps, err := fpmath.MulDiv(int64(gap), fpmath.BasisPoints, int64(marginal), fpmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}
	return avg, int64(bps), nil
}

// checkInvariants recomputes probabilities on the post-trade state. Any
// failure here means the pricing model is broken, so everything is reported
// as ErrInvariantViolation.
func (e *Engine) checkInvariants(c curve, before, after *Market) ([]fpmath.Fixed, error) {
	for i, q := range after.Q {
		if q < 0 {
			return nil, fmt.Errorf("%w: negative share quantity on outcome %d", ErrInvariantViolation, i)
		}
	}
	if err := c.checkState(before, after); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	p, err := c.prices(after)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	sum, err := fpmath.Sum(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if absFixed(sum-fpmath.One) > e.cfg.NormTolerance {
		return nil, fmt.Errorf("%w: probabilities sum to %s", ErrInvariantViolation, sum)
	}
	return p, nil
}

// numeric tags pricing failures for the caller. Typed pricing errors and
// fixed-point errors (overflow, division by zero, domain) keep their
// identity; anything else is reported as ErrPricingDidNotConverge.
func (e *Engine) numeric(m *Market, err error) error {
	if isPricingError(err) {
		if e.metrics != nil && isNonConvergence(err) && !isArithmetic(err) {
			e.metrics.SolverNonConvergence.WithLabelValues(m.ID, m.Curve.String()).Inc()
		}
		return err
	}
	if isArithmetic(err) {
		return fmt.Errorf("pricing %s: %w", m.ID, err)
	}
	if e.metrics != nil {
		e.metrics.SolverNonConvergence.WithLabelValues(m.ID, m.Curve.String()).Inc()
	}
	return fmt.Errorf("%w: %w", ErrPricingDidNotConverge, err)
}
