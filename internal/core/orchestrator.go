package core

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PredictCore/internal/amm"
	"PredictCore/internal/event"
	"PredictCore/internal/intake"
	"PredictCore/internal/ledger"
	fpmath "PredictCore/internal/math"
	"PredictCore/internal/observability"
	"PredictCore/internal/risk"
)

// Output is one sealed event leaving the orchestrator.
type Output struct {
	Envelope *event.EventEnvelope
	Event    event.Event
}

// marketRuntime is the mutable state of one market. mu is the market's
// single-writer lock: batches, lifecycle operations and snapshots of the
// same market never interleave.
type marketRuntime struct {
	mu           sync.Mutex
	market       *amm.Market
	breaker      risk.BreakerState
	window       *risk.Window
	exposures    map[string]risk.AccountExposure
	liquidations *risk.LiquidationQueue
	hasher       *StateHasher
	events       uint64 // hash chain position
	lastBatchID  uint64

	// phase mirrors breaker.Phase and closed mirrors a collapsed market,
	// both for lock-free intake admission
	phase  atomic.Uint32
	closed atomic.Bool

	// pending holds events raised during the current operation, sealed
	// and emitted before the lock is released
	pending []event.Event
}

func newMarketRuntime(m *amm.Market) *marketRuntime {
	return &marketRuntime{
		market:       m,
		breaker:      risk.NewBreaker(m.ID),
		window:       risk.NewWindow(),
		exposures:    make(map[string]risk.AccountExposure),
		liquidations: risk.NewLiquidationQueue(m.ID),
		hasher:       NewStateHasher(m.ID),
	}
}

func (rt *marketRuntime) exposureFor(account string) risk.AccountExposure {
	if e, ok := rt.exposures[account]; ok {
		return e
	}
	return risk.NewExposure(account, rt.market.ID, rt.market.Outcomes())
}

// Orchestrator runs released batches through pricing, risk and settlement.
// Markets are independent: each has its own lock, hash chain and breaker,
// so batches of different markets may execute in parallel.
type Orchestrator struct {
	mu      sync.RWMutex
	markets map[string]*marketRuntime

	engine    *amm.Engine
	ledger    ledger.Ledger
	tiers     risk.TierProvider
	params    *risk.ParamsManager
	sequences *BatchSequenceValidator

	sequence    atomic.Int64 // global envelope sequence
	parallelism int

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistCh chan<- Output
	publishCh chan<- Output

	intake IntakeCloser
}

// IntakeCloser drains the intake of a market that stops trading.
// *intake.Queue implements it.
type IntakeCloser interface {
	CloseMarket(marketID string, now time.Time) (*intake.Batch, []intake.Expired)
}

// NewOrchestrator wires the orchestrator. persistCh receives every sealed
// event with a blocking send; publishCh is best effort and drops on full.
// Either channel may be nil.
func NewOrchestrator(
	engine *amm.Engine,
	l ledger.Ledger,
	tiers risk.TierProvider,
	params *risk.ParamsManager,
	persistCh, publishCh chan<- Output,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		markets:     make(map[string]*marketRuntime),
		engine:      engine,
		ledger:      l,
		tiers:       tiers,
		params:      params,
		sequences:   NewBatchSequenceValidator(),
		parallelism: 4,
		metrics:     metrics,
		logger:      logger,
		persistCh:   persistCh,
		publishCh:   publishCh,
	}
}

// SetParallelism bounds how many markets RunReady executes at once.
func (o *Orchestrator) SetParallelism(n int) {
	if n > 0 {
		o.parallelism = n
	}
}

// AttachIntake registers the queue Collapse drains. Call it before the
// first Collapse.
func (o *Orchestrator) AttachIntake(c IntakeCloser) { o.intake = c }

// SetSequence sets the last assigned envelope sequence (used during recovery).
func (o *Orchestrator) SetSequence(seq int64) { o.sequence.Store(seq) }

// GetSequence returns the last assigned envelope sequence.
func (o *Orchestrator) GetSequence() int64 { return o.sequence.Load() }

func (o *Orchestrator) runtime(marketID string) (*marketRuntime, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rt, ok := o.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return rt, nil
}

// Markets returns the ids of all known markets in sorted order.
func (o *Orchestrator) Markets() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.markets))
	for id := range o.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarketSpec describes a market to create.
type MarketSpec struct {
	ID        string
	Curve     amm.CurveID
	Outcomes  int
	Liquidity fpmath.Fixed
	FeeBps    int64
}

// CreateMarket registers a new Active market with an Inactive breaker.
func (o *Orchestrator) CreateMarket(spec MarketSpec, now time.Time) error {
	m, err := amm.NewMarket(spec.ID, spec.Curve, spec.Outcomes, spec.Liquidity, spec.FeeBps, now)
	if err != nil {
		return err
	}
	rt := newMarketRuntime(m)

	o.mu.Lock()
	if _, exists := o.markets[spec.ID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMarketExists, spec.ID)
	}
	o.markets[spec.ID] = rt
	o.mu.Unlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pending = append(rt.pending, &event.MarketCreated{
		MarketID:  m.ID,
		Curve:     m.Curve.String(),
		Outcomes:  m.Outcomes(),
		Liquidity: m.Liquidity,
		FeeBps:    m.FeeBps,
		CreatedAt: now,
	})
	o.logger.Info().Str("market", m.ID).Str("curve", m.Curve.String()).
		Int("outcomes", m.Outcomes()).Str("liquidity", m.Liquidity.String()).Msg("market created")
	return o.flushLocked(rt, 0, now)
}

// ExecuteBatch runs one released batch in its fixed order. Each trade is
// priced tentatively, risk checked, then settled and committed together;
// a rejected trade leaves no trace in market or exposure state. An
// invariant violation rejects the rest of the batch and trips the market.
func (o *Orchestrator) ExecuteBatch(b *intake.Batch, now time.Time) (*event.BatchResult, error) {
	if b == nil {
		return nil, fmt.Errorf("nil batch")
	}
	rt, err := o.runtime(b.MarketID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.market.Status == amm.MarketCollapsed {
		// a batch released before the collapse still owes every intent a
		// result
		res := o.closedBatchLocked(rt, b, now)
		rt.pending = append(rt.pending, res)
		if err := o.flushLocked(rt, b.ID, now); err != nil {
			return nil, err
		}
		return res, nil
	}
	if err := o.sequences.ValidateBatch(b.MarketID, b.ID); err != nil {
		return nil, err
	}

	start := time.Now()
	params := o.params.Get(b.MarketID)
	det := risk.NewDetector(params.Detector)

	// timed breaker transitions take effect before the first trade
	o.advanceLocked(rt, now)

	res := &event.BatchResult{
		MarketID:   b.MarketID,
		BatchID:    b.ID,
		ClosedAt:   b.ClosedAt,
		ExecutedAt: now,
		Results:    make([]event.TradeResult, 0, len(b.Intents)),
	}

	var abortErr error
	for _, in := range b.Intents {
		if abortErr != nil {
			res.Results = append(res.Results, o.rejected(rt, in, abortErr))
			continue
		}
		tr, st, err := o.executeTrade(rt, in, b.ID, now, det, params)
		if err != nil {
			if IsFatal(err) {
				abortErr = fmt.Errorf("%w: %v", ErrBatchAborted, err)
				res.Aborted = true
				res.AbortReason = err.Error()
				o.tripLocked(rt, risk.ReasonInvariantViolation, err.Error(), now, params)
				o.logger.Error().Err(err).Str("market", b.MarketID).Uint64("batch_id", b.ID).
					Str("intent_id", in.ID.String()).Msg("invariant violation, batch aborted")
			}
			res.Results = append(res.Results, o.rejected(rt, in, err))
			continue
		}
		res.Results = append(res.Results, tr)
		res.Settlements = append(res.Settlements, st)
	}

	o.reevaluateLocked(rt, now, params)

	rt.lastBatchID = b.ID
	res.Sequence = uint64(rt.market.Sequence)
	res.Liquidations = rt.liquidations.Len()
	if probs, err := o.engine.Probabilities(rt.market); err == nil {
		res.Probabilities = probs
	}

	rt.pending = append(rt.pending, res)
	if err := o.flushLocked(rt, b.ID, now); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.BatchesExecuted.WithLabelValues(b.MarketID).Inc()
		if res.Aborted {
			o.metrics.BatchesAborted.WithLabelValues(b.MarketID).Inc()
		}
		o.metrics.BatchDuration.WithLabelValues(b.MarketID).Observe(time.Since(start).Seconds())
		o.metrics.LastBatchID.WithLabelValues(b.MarketID).Set(float64(b.ID))
	}
	o.logger.Debug().Str("market", b.MarketID).Uint64("batch_id", b.ID).
		Int("intents", len(b.Intents)).Int("executed", res.Executed()).
		Bool("aborted", res.Aborted).Msg("batch executed")
	return res, nil
}

// closedBatchLocked rejects every intent of b as market_not_active.
func (o *Orchestrator) closedBatchLocked(rt *marketRuntime, b *intake.Batch, now time.Time) *event.BatchResult {
	reason := fmt.Errorf("%w: market %s is collapsed", amm.ErrMarketNotActive, rt.market.ID)
	res := &event.BatchResult{
		MarketID:   b.MarketID,
		BatchID:    b.ID,
		ClosedAt:   b.ClosedAt,
		ExecutedAt: now,
		Sequence:   uint64(rt.market.Sequence),
		Results:    make([]event.TradeResult, 0, len(b.Intents)),
	}
	for _, in := range b.Intents {
		res.Results = append(res.Results, o.rejected(rt, in, reason))
	}
	if b.ID > rt.lastBatchID {
		rt.lastBatchID = b.ID
	}
	if o.metrics != nil {
		o.metrics.BatchesExecuted.WithLabelValues(b.MarketID).Inc()
	}
	o.logger.Info().Str("market", b.MarketID).Uint64("batch_id", b.ID).
		Int("intents", len(b.Intents)).Msg("batch on collapsed market rejected")
	return res
}

// executeTrade runs the four steps for one intent. Nothing is mutated
// unless every step passes.
func (o *Orchestrator) executeTrade(
	rt *marketRuntime,
	in intake.Intent,
	batchID uint64,
	now time.Time,
	det *risk.Detector,
	params risk.Params,
) (event.TradeResult, ledger.Settlement, error) {
	p := in.Payload
	account := p.Account

	// Step 1: a tripped market never reaches pricing
	if rt.breaker.Phase == risk.PhaseTripped {
		return event.TradeResult{}, ledger.Settlement{}, rt.breaker.Admit(false)
	}

	// Step 2: tentative pricing
	qt, err := o.engine.Quote(rt.market, p.Order())
	if err != nil {
		return event.TradeResult{}, ledger.Settlement{}, err
	}
	current := rt.exposureFor(account)
	if err := rt.breaker.Admit(current.ReducesExposure(qt.Outcome, qt.Quantity)); err != nil {
		return event.TradeResult{}, ledger.Settlement{}, err
	}

	// Step 3: manipulation screen, then margin
	obs := risk.Observation{
		Account:    account,
		Outcome:    qt.Outcome,
		Quantity:   qt.Quantity,
		ProbBefore: qt.ProbBefore[qt.Outcome],
		ProbAfter:  qt.ProbAfter[qt.Outcome],
		BatchID:    batchID,
		At:         now,
	}
	assessment, err := det.Assess(rt.window, obs, rt.market.Liquidity)
	if err != nil {
		return event.TradeResult{}, ledger.Settlement{}, err
	}
	o.countFindings(rt.market.ID, assessment)
	if assessment.Trip {
		det.Record(rt.window, obs, assessment, false)
		detail := fmt.Sprintf("score %d above %d on %s", assessment.Score, params.Detector.TripThreshold, account)
		o.tripLocked(rt, risk.ReasonManipulation, detail, now, params)
		return event.TradeResult{}, ledger.Settlement{}, fmt.Errorf("%w: %s", risk.ErrManipulationDetected, detail)
	}

	proposed, err := o.checkMargin(current, qt, in.FeeBid, now)
	if err != nil {
		det.Record(rt.window, obs, assessment, false)
		return event.TradeResult{}, ledger.Settlement{}, err
	}

	// Step 4: settle, then commit market and exposure together. The fee
	// bid is charged with the curve fee and lands in the same fee account.
	charged, err := qt.Fee.Add(in.FeeBid)
	if err != nil {
		det.Record(rt.window, obs, assessment, false)
		return event.TradeResult{}, ledger.Settlement{}, err
	}
	deltas := make([]fpmath.Fixed, rt.market.Outcomes())
	deltas[qt.Outcome] = qt.Quantity
	settlement := ledger.Settlement{
		Ref:           in.ID.String(),
		Kind:          ledger.SettlementTrade,
		Account:       account,
		MarketID:      rt.market.ID,
		OutcomeDeltas: deltas,
		CashDelta:     -qt.Cost,
		FeeDelta:      charged,
	}
	if err := o.ledger.ApplySettlement(settlement); err != nil {
		det.Record(rt.window, obs, assessment, false)
		return event.TradeResult{}, ledger.Settlement{}, fmt.Errorf("settle %s: %w", in.ID, err)
	}
	if err := o.engine.Commit(rt.market, qt); err != nil {
		// the ledger has already moved; the market can no longer be trusted
		return event.TradeResult{}, ledger.Settlement{}, fmt.Errorf("%w: commit after settlement: %v", amm.ErrInvariantViolation, err)
	}
	rt.market.FeesCollected = rt.market.FeesCollected.SatAdd(in.FeeBid)
	rt.exposures[account] = proposed
	det.Record(rt.window, obs, assessment, true)

	if o.metrics != nil {
		o.metrics.TradesExecuted.WithLabelValues(rt.market.ID, rt.market.Curve.String()).Inc()
	}
	return event.TradeResult{
		IntentID:    in.ID,
		Commitment:  in.Hash.Hex(),
		Account:     account,
		Outcome:     uint32(qt.Outcome),
		Status:      event.StatusExecuted,
		Quantity:    qt.Quantity,
		Price:       qt.AvgPrice,
		Cost:        qt.Cost,
		Fee:         qt.Fee,
		PriorityFee: in.FeeBid,
		ProbAfter:   qt.ProbAfter[qt.Outcome],
	}, settlement, nil
}

// checkMargin runs the margin check with the full cash flow of the trade,
// fee bid included. A positive bid the collateral cannot cover after cost
// and fee is refused outright.
func (o *Orchestrator) checkMargin(current risk.AccountExposure, qt *amm.Quote, bid fpmath.Fixed, now time.Time) (risk.AccountExposure, error) {
	tier, err := o.tiers.Tier(current.Account)
	if err != nil {
		return current, err
	}
	collateral, err := o.ledger.Collateral(current.Account)
	if err != nil {
		return current, err
	}
	cash, err := qt.Cost.Add(qt.Fee)
	if err != nil {
		return current, err
	}
	if cash, err = cash.Add(bid); err != nil {
		return current, err
	}
	if bid > 0 && collateral < cash {
		return current, fmt.Errorf("%w: %s needs %s for cost, fee and bid, has %s",
			ledger.ErrInsufficientCollateral, current.Account, cash, collateral)
	}
	return risk.CheckTrade(current, risk.TradeCheck{
		Collateral:  collateral,
		Tier:        tier,
		Fill:        risk.Fill{Outcome: qt.Outcome, Quantity: qt.Quantity, CashFlow: cash, At: now},
		ProbsBefore: qt.ProbBefore,
		ProbsAfter:  qt.ProbAfter,
	})
}

func (o *Orchestrator) rejected(rt *marketRuntime, in intake.Intent, err error) event.TradeResult {
	class, code := Classify(err)
	if o.metrics != nil {
		o.metrics.TradesRejected.WithLabelValues(rt.market.ID, code).Inc()
	}
	ev := o.logger.Debug()
	if class == ClassNumeric || class == ClassInternal {
		ev = o.logger.Warn()
	}
	ev.Err(err).Str("market", rt.market.ID).Str("intent_id", in.ID.String()).
		Str("class", string(class)).Msg("trade rejected")
	return event.TradeResult{
		IntentID:   in.ID,
		Commitment: in.Hash.Hex(),
		Account:    in.Payload.Account,
		Outcome:    in.Payload.Outcome,
		Status:     event.StatusRejected,
		Reason:     code,
		Class:      string(class),
	}
}

func (o *Orchestrator) countFindings(marketID string, a risk.Assessment) {
	if o.metrics == nil {
		return
	}
	for _, f := range a.Findings {
		o.metrics.DetectorFindings.WithLabelValues(marketID, f.Pattern.String()).Inc()
	}
}

// reevaluateLocked marks every account in the market to the current
// probabilities and syncs the liquidation queue. More than
// CascadeThreshold new entries in one pass trips the breaker.
func (o *Orchestrator) reevaluateLocked(rt *marketRuntime, now time.Time, params risk.Params) {
	probs, err := o.engine.Probabilities(rt.market)
	if err != nil {
		o.logger.Error().Err(err).Str("market", rt.market.ID).Msg("health pass skipped")
		return
	}
	entered := 0
	for _, account := range rt.sortedAccounts() {
		tier, err := o.tiers.Tier(account)
		if err != nil {
			o.logger.Warn().Err(err).Str("account", account).Msg("tier lookup failed")
			continue
		}
		collateral, err := o.ledger.Collateral(account)
		if err != nil {
			o.logger.Warn().Err(err).Str("account", account).Msg("collateral lookup failed")
			continue
		}
		next, err := risk.Evaluate(rt.exposures[account], collateral, probs, tier)
		if err != nil {
			o.logger.Warn().Err(err).Str("account", account).Msg("health evaluation failed")
			continue
		}
		rt.exposures[account] = next
		if rt.liquidations.Track(next, now) {
			entered++
		}
	}
	if params.CascadeThreshold > 0 && entered > params.CascadeThreshold {
		o.tripLocked(rt, risk.ReasonLiquidationCascade,
			fmt.Sprintf("%d accounts entered liquidation", entered), now, params)
	}
	if o.metrics != nil {
		o.metrics.LiquidationQueueSize.WithLabelValues(rt.market.ID).Set(float64(rt.liquidations.Len()))
	}
}

// --- Breaker ---

func (o *Orchestrator) tripLocked(rt *marketRuntime, reason risk.Reason, detail string, now time.Time, params risk.Params) {
	next, changed := risk.Trip(rt.breaker, reason, detail, now, params.Breaker)
	if !changed {
		return
	}
	if o.metrics != nil {
		o.metrics.BreakerTrips.WithLabelValues(rt.market.ID, reason.String()).Inc()
	}
	o.logger.Warn().Str("market", rt.market.ID).Str("reason", reason.String()).
		Str("detail", detail).Time("halt_until", next.HaltUntil).Msg("circuit breaker tripped")
	o.setBreakerLocked(rt, next, now)
}

func (o *Orchestrator) advanceLocked(rt *marketRuntime, now time.Time) {
	o.setBreakerLocked(rt, risk.Advance(rt.breaker, now, rt.liquidations.Len() == 0), now)
}

// setBreakerLocked stores next and queues a BreakerChanged event when the
// phase moved.
func (o *Orchestrator) setBreakerLocked(rt *marketRuntime, next risk.BreakerState, now time.Time) {
	prev := rt.breaker
	rt.breaker = next
	if prev.Phase == next.Phase {
		return
	}
	rt.phase.Store(uint32(next.Phase))
	if o.metrics != nil {
		o.metrics.BreakerPhase.WithLabelValues(rt.market.ID).Set(float64(next.Phase))
	}
	reason := next.Reason
	if next.Phase == risk.PhaseInactive {
		reason = prev.Reason
	}
	rt.pending = append(rt.pending, &event.BreakerChanged{
		MarketID:      rt.market.ID,
		From:          prev.Phase.String(),
		To:            next.Phase.String(),
		Reason:        reason.String(),
		Detail:        next.Detail,
		At:            now,
		CooldownUntil: next.CooldownUntil,
	})
}

// AdmitCommit gates new commitments. It reads the mirrored market and
// breaker state and never waits on a running batch.
func (o *Orchestrator) AdmitCommit(marketID string, now time.Time) error {
	rt, err := o.runtime(marketID)
	if err != nil {
		return err
	}
	if rt.closed.Load() {
		return fmt.Errorf("%w: market %s is collapsed", amm.ErrMarketNotActive, marketID)
	}
	if risk.Phase(rt.phase.Load()) == risk.PhaseTripped {
		return fmt.Errorf("%w: market %s", risk.ErrMarketHalted, marketID)
	}
	return nil
}

// AdmitReveal refuses reveals for collapsed markets. Halted markets keep
// collecting reveals; their trades are rejected at execution.
func (o *Orchestrator) AdmitReveal(marketID string, now time.Time) error {
	rt, err := o.runtime(marketID)
	if err != nil {
		return err
	}
	if rt.closed.Load() {
		return fmt.Errorf("%w: market %s is collapsed", amm.ErrMarketNotActive, marketID)
	}
	return nil
}

// Halt trips the market on an external signal. Halting a tripped market
// is a no-op.
func (o *Orchestrator) Halt(marketID, detail string, now time.Time) error {
	rt, err := o.runtime(marketID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	params := o.params.Get(marketID)
	next, changed := risk.ForceTrip(rt.breaker, detail, now, params.Breaker)
	if !changed {
		return nil
	}
	if o.metrics != nil {
		o.metrics.BreakerTrips.WithLabelValues(marketID, risk.ReasonExternal.String()).Inc()
	}
	o.logger.Warn().Str("market", marketID).Str("detail", detail).Msg("market halted by signal")
	o.setBreakerLocked(rt, next, now)
	return o.flushLocked(rt, 0, now)
}

// Resume records an explicit resume signal. The market returns to
// Inactive once its cooldown has elapsed, even with a liquidation backlog.
func (o *Orchestrator) Resume(marketID string, now time.Time) error {
	rt, err := o.runtime(marketID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	next, err := risk.Resume(rt.breaker, now)
	if err != nil {
		return err
	}
	o.setBreakerLocked(rt, next, now)
	return o.flushLocked(rt, 0, now)
}

// Tick applies timed breaker transitions on every market. It returns the
// phase changes it made.
func (o *Orchestrator) Tick(now time.Time) ([]*event.BreakerChanged, error) {
	var changes []*event.BreakerChanged
	for _, id := range o.Markets() {
		rt, err := o.runtime(id)
		if err != nil {
			continue
		}
		rt.mu.Lock()
		if rt.market.Status != amm.MarketCollapsed {
			o.advanceLocked(rt, now)
			for _, e := range rt.pending {
				if bc, ok := e.(*event.BreakerChanged); ok {
					changes = append(changes, bc)
				}
			}
		}
		err = o.flushLocked(rt, 0, now)
		rt.mu.Unlock()
		if err != nil {
			return changes, err
		}
	}
	return changes, nil
}

// RecordExpired appends one CommitmentsExpired event per market to the
// result stream. Commitments of unknown markets are ignored.
func (o *Orchestrator) RecordExpired(expired []intake.Expired, now time.Time) error {
	byMarket := make(map[string][]uuid.UUID)
	for _, e := range expired {
		byMarket[e.MarketID] = append(byMarket[e.MarketID], e.ID)
	}
	ids := make([]string, 0, len(byMarket))
	for id := range byMarket {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rt, err := o.runtime(id)
		if err != nil {
			continue
		}
		rt.mu.Lock()
		rt.pending = append(rt.pending, &event.CommitmentsExpired{MarketID: id, IDs: byMarket[id], At: now})
		err = o.flushLocked(rt, 0, now)
		rt.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Collapse resolves the market onto winner and pays every holder out of
// the pool. Positions are flattened and the liquidation queue cleared.
// The attached intake is drained: revealed intents come back as one
// rejected batch and unrevealed commitments are expired.
func (o *Orchestrator) Collapse(marketID string, winner int, now time.Time) (*event.MarketResolved, error) {
	rt, err := o.runtime(marketID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	res, err := o.engine.Collapse(rt.market, winner)
	if err != nil {
		return nil, err
	}
	rt.closed.Store(true)
	var (
		final   *intake.Batch
		expired []intake.Expired
	)
	if o.intake != nil {
		final, expired = o.intake.CloseMarket(marketID, now)
	}

	resolved := &event.MarketResolved{
		MarketID:       marketID,
		Winner:         winner,
		PayoutPerShare: res.PayoutPerShare[winner],
		Liability:      res.Liability,
		MakerPnL:       res.MakerPnL,
		At:             now,
	}
	for _, account := range rt.sortedAccounts() {
		exp := rt.exposures[account]
		if exp.IsFlat() {
			continue
		}
		deltas := make([]fpmath.Fixed, len(exp.Position))
		for i, pos := range exp.Position {
			deltas[i] = -pos
		}
		payout := ledger.Settlement{
			Ref:           fmt.Sprintf("payout:%s:%s", marketID, account),
			Kind:          ledger.SettlementPayout,
			Account:       account,
			MarketID:      marketID,
			OutcomeDeltas: deltas,
			CashDelta:     exp.Position[winner],
		}
		if err := o.ledger.ApplySettlement(payout); err != nil {
			o.logger.Error().Err(err).Str("market", marketID).Str("account", account).Msg("payout failed")
			return nil, fmt.Errorf("payout %s: %w", account, err)
		}
		resolved.Payouts = append(resolved.Payouts, payout)
		rt.exposures[account] = risk.NewExposure(account, marketID, len(exp.Position))
	}
	rt.liquidations = risk.NewLiquidationQueue(marketID)

	o.logger.Info().Str("market", marketID).Int("winner", winner).
		Str("maker_pnl", res.MakerPnL.String()).Int("payouts", len(resolved.Payouts)).Msg("market resolved")
	rt.pending = append(rt.pending, resolved)
	if err := o.flushLocked(rt, 0, now); err != nil {
		return nil, err
	}
	if final != nil {
		if err := o.sequences.ValidateBatch(marketID, final.ID); err != nil {
			o.logger.Warn().Err(err).Str("market", marketID).Msg("final batch out of sequence")
		}
		rt.pending = append(rt.pending, o.closedBatchLocked(rt, final, now))
		if err := o.flushLocked(rt, final.ID, now); err != nil {
			return nil, err
		}
	}
	if len(expired) > 0 {
		ids := make([]uuid.UUID, len(expired))
		for i, e := range expired {
			ids[i] = e.ID
		}
		rt.pending = append(rt.pending, &event.CommitmentsExpired{MarketID: marketID, IDs: ids, At: now})
		if err := o.flushLocked(rt, 0, now); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// --- Emission ---

// flushLocked seals pending events into the market's hash chain and
// emits them in order.
func (o *Orchestrator) flushLocked(rt *marketRuntime, batchID uint64, now time.Time) error {
	pending := rt.pending
	rt.pending = nil
	for _, e := range pending {
		out, err := o.sealLocked(rt, e, batchID, now)
		if err != nil {
			return err
		}
		o.emit(out)
	}
	return nil
}

func (o *Orchestrator) sealLocked(rt *marketRuntime, e event.Event, batchID uint64, now time.Time) (Output, error) {
	start := time.Now()
	rt.events++
	prev := rt.hasher.GetPrevHash()
	hash := rt.hasher.ComputeHash(rt.events, rt.stateDigest(e))
	if br, ok := e.(*event.BatchResult); ok {
		br.StateHash = hash
	} else {
		batchID = 0
	}
	if o.metrics != nil {
		o.metrics.StateHashDur.Observe(time.Since(start).Seconds())
	}
	env, err := event.Seal(o.sequence.Add(1), e, batchID, now, prev, hash)
	if err != nil {
		return Output{}, err
	}
	return Output{Envelope: env, Event: e}, nil
}

// emit sends out to persistence with a blocking send, so no event is lost,
// and to the publisher without blocking. Subscribers that fall behind
// recover from the result log.
func (o *Orchestrator) emit(out Output) {
	if o.persistCh != nil {
		o.persistCh <- out
	}
	if o.publishCh == nil {
		return
	}
	select {
	case o.publishCh <- out:
	default:
		if o.metrics != nil {
			o.metrics.PublishDrops.Inc()
		}
	}
}
