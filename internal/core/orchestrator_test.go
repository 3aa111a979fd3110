package core_test

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PredictCore/internal/amm"
	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/intake"
	"PredictCore/internal/ledger"
	fpmath "PredictCore/internal/math"
	"PredictCore/internal/risk"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fx(s string) fpmath.Fixed { return fpmath.MustParseFixed(s) }

type harness struct {
	o       *core.Orchestrator
	ledger  *ledger.Memory
	params  *risk.ParamsManager
	persist chan core.Output
}

func newHarness(t *testing.T, tiers risk.TierProvider) *harness {
	t.Helper()
	engine, err := amm.NewEngine(amm.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h := &harness{
		ledger:  ledger.NewMemory(),
		params:  risk.NewParamsManager(risk.DefaultParams("")),
		persist: make(chan core.Output, 1024),
	}
	h.o = core.NewOrchestrator(engine, h.ledger, tiers, h.params, h.persist, nil, nil, zerolog.Nop())
	return h
}

func standardTiers() risk.TierProvider {
	return risk.StaticTiers{Default: risk.StandardTier}
}

func (h *harness) market(t *testing.T, id string, outcomes int, liquidity string, feeBps int64) {
	t.Helper()
	err := h.o.CreateMarket(core.MarketSpec{
		ID:        id,
		Curve:     amm.CurveLMSR,
		Outcomes:  outcomes,
		Liquidity: fx(liquidity),
		FeeBps:    feeBps,
	}, t0)
	if err != nil {
		t.Fatalf("CreateMarket(%s): %v", id, err)
	}
}

func (h *harness) deposit(t *testing.T, account, amount string) {
	t.Helper()
	if err := h.ledger.Deposit(account, fx(amount)); err != nil {
		t.Fatalf("Deposit(%s): %v", account, err)
	}
}

func (h *harness) drain() []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func (h *harness) mustExecute(t *testing.T, b *intake.Batch, now time.Time) *event.BatchResult {
	t.Helper()
	res, err := h.o.ExecuteBatch(b, now)
	if err != nil {
		t.Fatalf("ExecuteBatch(%s #%d): %v", b.MarketID, b.ID, err)
	}
	return res
}

func (h *harness) mustSnapshot(t *testing.T, marketID string) *core.MarketSnapshot {
	t.Helper()
	snap, err := h.o.Snapshot(marketID)
	if err != nil {
		t.Fatalf("Snapshot(%s): %v", marketID, err)
	}
	return snap
}

var intentSeq int

func trade(marketID, account string, outcome uint32, qty string) intake.Intent {
	intentSeq++
	return intake.Intent{
		ID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(intentSeq >> 8), byte(intentSeq)}),
		Owner:   account,
		Arrival: uint64(intentSeq),
		Payload: intake.IntentPayload{
			MarketID: marketID,
			Account:  account,
			Outcome:  outcome,
			Kind:     amm.KindQuantity,
			Quantity: fx(qty),
			Nonce:    uint64(intentSeq),
		},
	}
}

func batch(marketID string, id uint64, intents ...intake.Intent) *intake.Batch {
	return &intake.Batch{MarketID: marketID, ID: id, ClosedAt: t0, Intents: intents}
}

func statuses(res *event.BatchResult) []string {
	out := make([]string, len(res.Results))
	for i, r := range res.Results {
		if r.Status == event.StatusExecuted {
			out[i] = "executed"
		} else {
			out[i] = r.Reason
		}
	}
	return out
}

// ============================================================================
// Scenarios
// ============================================================================

func TestExecuteBatch_TwoOutcomeBuy(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.deposit(t, "alice", "1000")

	res := h.mustExecute(t, batch("m1", 1, trade("m1", "alice", 0, "10")), t0)

	r := res.Results[0]
	if r.Status != event.StatusExecuted {
		t.Fatalf("status = %s (%s)", r.Status, r.Reason)
	}
	if r.Cost <= 0 {
		t.Fatalf("cost = %s, want > 0", r.Cost)
	}
	half := fx("0.5")
	if !(res.Probabilities[0] > half && half > res.Probabilities[1]) {
		t.Fatalf("probabilities %v, want p0 > 0.5 > p1", res.Probabilities)
	}
	if res.Sequence != 1 {
		t.Fatalf("market sequence = %d, want 1", res.Sequence)
	}

	collateral, _ := h.ledger.Collateral("alice")
	if want := fx("1000") - r.Cost; collateral != want {
		t.Fatalf("collateral = %s, want %s", collateral, want)
	}
	if held := h.ledger.Holdings("alice", "m1"); held[0] != fx("10") {
		t.Fatalf("holdings = %v", held)
	}
	if err := h.ledger.Validate(); err != nil {
		t.Fatalf("ledger: %v", err)
	}
}

func TestExecuteBatch_ChargesFeeBid(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 100)
	h.deposit(t, "alice", "100")
	h.deposit(t, "bob", "1")

	bidder := trade("m1", "alice", 0, "5")
	bidder.FeeBid = fx("0.5")
	short := trade("m1", "bob", 1, "1")
	short.FeeBid = fx("5")
	res := h.mustExecute(t, batch("m1", 1, bidder, short), t0)

	r := res.Results[0]
	if r.Status != event.StatusExecuted {
		t.Fatalf("status = %s (%s)", r.Status, r.Reason)
	}
	if r.Fee <= 0 || r.PriorityFee != fx("0.5") {
		t.Fatalf("fee = %s, priority fee = %s", r.Fee, r.PriorityFee)
	}
	collateral, _ := h.ledger.Collateral("alice")
	if want := fx("100") - r.Cost - r.Fee - fx("0.5"); collateral != want {
		t.Fatalf("collateral = %s, want %s", collateral, want)
	}
	if got, want := h.ledger.Balance(ledger.MarketFees("m1")), r.Fee+fx("0.5"); got != want {
		t.Fatalf("fee account = %s, want %s", got, want)
	}
	if got := h.mustSnapshot(t, "m1").Market.FeesCollected; got != r.Fee+fx("0.5") {
		t.Fatalf("fees collected = %s, want %s", got, r.Fee+fx("0.5"))
	}

	if got := res.Results[1].Reason; got != "insufficient_collateral" {
		t.Fatalf("unaffordable bid = %q, want insufficient_collateral", got)
	}
	if c, _ := h.ledger.Collateral("bob"); c != fx("1") {
		t.Fatalf("bob collateral moved to %s", c)
	}
	if err := h.ledger.Validate(); err != nil {
		t.Fatalf("ledger: %v", err)
	}
}

func TestExecuteBatch_FlashLoanRoundTripsHaltMarket(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "1000", 0)
	h.deposit(t, "mallory", "10000")
	h.deposit(t, "bob", "1000")

	var intents []intake.Intent
	for i := 0; i < 5; i++ {
		intents = append(intents,
			trade("m1", "mallory", 0, "150"),
			trade("m1", "mallory", 0, "-150"))
	}
	intents = append(intents, trade("m1", "bob", 1, "1"))

	res := h.mustExecute(t, batch("m1", 1, intents...), t0)
	got := statuses(res)

	for i := 0; i < 9; i++ {
		if got[i] != "executed" {
			t.Fatalf("trade %d: %s, want executed (all: %v)", i, got[i], got)
		}
	}
	if got[9] != "manipulation_detected" {
		t.Fatalf("closing leg of 5th round trip: %s, want manipulation_detected", got[9])
	}
	if got[10] != "market_halted" {
		t.Fatalf("6th trader: %s, want market_halted", got[10])
	}

	br, _ := h.o.Breaker("m1")
	if br.Phase != risk.PhaseTripped || br.Reason != risk.ReasonManipulation {
		t.Fatalf("breaker = %s/%s, want tripped/manipulation", br.Phase, br.Reason)
	}
	if err := h.o.AdmitCommit("m1", t0); !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("AdmitCommit = %v, want ErrMarketHalted", err)
	}
}

func TestExecuteBatch_MarginRejectLeavesStateUnchanged(t *testing.T) {
	tight := risk.Tier{Name: "tight", MarginCap: fpmath.One, IMFraction: fpmath.One, MMFraction: fx("0.5")}
	h := newHarness(t, risk.StaticTiers{Default: tight})
	h.market(t, "m1", 2, "100", 30)
	h.deposit(t, "alice", "2")

	beforeExp, _ := h.o.Exposure("m1", "alice")
	beforeSnap := h.mustSnapshot(t, "m1")

	res := h.mustExecute(t, batch("m1", 1, trade("m1", "alice", 0, "10")), t0)
	if got := statuses(res); got[0] != "margin_cap_exceeded" {
		t.Fatalf("status = %v, want margin_cap_exceeded", got)
	}
	if res.Results[0].Class != string(core.ClassBusinessRule) {
		t.Fatalf("class = %s", res.Results[0].Class)
	}

	afterExp, _ := h.o.Exposure("m1", "alice")
	if !reflect.DeepEqual(beforeExp, afterExp) {
		t.Fatalf("exposure changed:\nbefore %+v\nafter  %+v", beforeExp, afterExp)
	}
	afterSnap := h.mustSnapshot(t, "m1")
	if afterSnap.Market.Sequence != beforeSnap.Market.Sequence {
		t.Fatalf("market sequence moved %d -> %d", beforeSnap.Market.Sequence, afterSnap.Market.Sequence)
	}
	if !reflect.DeepEqual(afterSnap.Market.Q, beforeSnap.Market.Q) {
		t.Fatalf("q moved %v -> %v", beforeSnap.Market.Q, afterSnap.Market.Q)
	}
	if c, _ := h.ledger.Collateral("alice"); c != fx("2") {
		t.Fatalf("collateral = %s, want 2", c)
	}
}

func TestExecuteBatch_InvariantViolationAbortsBatch(t *testing.T) {
	h := newHarness(t, standardTiers())
	err := h.o.CreateMarket(core.MarketSpec{ID: "m1", Curve: amm.CurvePMAMM, Outcomes: 2, Liquidity: fx("100")}, t0)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	h.deposit(t, "alice", "100")
	h.deposit(t, "bob", "100")

	// drive outcome 0's reserve below zero
	snap := h.mustSnapshot(t, "m1")
	snap.Market.Q[0] = snap.Market.Liquidity + snap.Market.Pool + 1
	if err := h.o.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	res := h.mustExecute(t, batch("m1", 1,
		trade("m1", "alice", 1, "1"),
		trade("m1", "bob", 0, "1")), t0)

	if got := statuses(res); !reflect.DeepEqual(got, []string{"invariant_violation", "batch_aborted"}) {
		t.Fatalf("statuses = %v", got)
	}
	if !res.Aborted || res.AbortReason == "" {
		t.Fatalf("aborted = %v (%q)", res.Aborted, res.AbortReason)
	}
	if len(res.Settlements) != 0 {
		t.Fatalf("aborted batch settled %d trades", len(res.Settlements))
	}
	br, err := h.o.Breaker("m1")
	if err != nil {
		t.Fatalf("Breaker: %v", err)
	}
	if br.Phase != risk.PhaseTripped || br.Reason != risk.ReasonInvariantViolation {
		t.Fatalf("breaker = %s/%s, want tripped on invariant violation", br.Phase, br.Reason)
	}
	for _, a := range []string{"alice", "bob"} {
		if c, _ := h.ledger.Collateral(a); c != fx("100") {
			t.Fatalf("%s collateral = %s, want 100", a, c)
		}
		for _, held := range h.ledger.Holdings(a, "m1") {
			if held != 0 {
				t.Fatalf("%s holds %s after an aborted batch", a, held)
			}
		}
	}
	if err := h.ledger.Validate(); err != nil {
		t.Fatalf("ledger: %v", err)
	}
}

func TestExecuteBatch_LaterTradesSeeEarlierFills(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 3, "100", 0)
	h.deposit(t, "alice", "1000")
	h.deposit(t, "bob", "1000")

	res := h.mustExecute(t, batch("m1", 1,
		trade("m1", "alice", 2, "20"),
		trade("m1", "bob", 2, "20")), t0)

	a, b := res.Results[0], res.Results[1]
	if a.Status != event.StatusExecuted || b.Status != event.StatusExecuted {
		t.Fatalf("statuses %v", statuses(res))
	}
	if b.Cost <= a.Cost {
		t.Fatalf("second buy cost %s, want more than first %s", b.Cost, a.Cost)
	}
	sum, _ := fpmath.Sum(res.Probabilities)
	if d := sum - fpmath.One; d > 1_000 || d < -1_000 {
		t.Fatalf("probabilities sum to %s", sum)
	}
}

func TestExecuteBatch_LiquidationCascadeTrips(t *testing.T) {
	thin := risk.Tier{Name: "thin", MarginCap: fx("1000"), IMFraction: fpmath.One, MMFraction: fx("0.5")}
	h := newHarness(t, risk.StaticTiers{Default: thin})
	p := risk.DefaultParams("m1")
	p.CascadeThreshold = 1
	if err := h.params.Update(p); err != nil {
		t.Fatalf("Update: %v", err)
	}
	h.market(t, "m1", 2, "100", 0)

	res := h.mustExecute(t, batch("m1", 1,
		trade("m1", "alice", 0, "10"),
		trade("m1", "bob", 0, "10")), t0)
	if got := statuses(res); got[0] != "executed" || got[1] != "executed" {
		t.Fatalf("statuses %v", got)
	}
	if res.Liquidations != 2 {
		t.Fatalf("liquidations = %d, want 2", res.Liquidations)
	}

	snap := h.mustSnapshot(t, "m1")
	if snap.Breaker.Phase != risk.PhaseTripped || snap.Breaker.Reason != risk.ReasonLiquidationCascade {
		t.Fatalf("breaker = %s/%s", snap.Breaker.Phase, snap.Breaker.Reason)
	}
	for i := 1; i < len(snap.Liquidations); i++ {
		if snap.Liquidations[i-1].HealthRatio > snap.Liquidations[i].HealthRatio {
			t.Fatalf("liquidations not worst-first: %+v", snap.Liquidations)
		}
	}
}

// ============================================================================
// Breaker lifecycle
// ============================================================================

func TestBreaker_HaltCoolResume(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.deposit(t, "alice", "1000")
	policy := risk.DefaultParams("m1").Breaker

	h.mustExecute(t, batch("m1", 1, trade("m1", "alice", 0, "10")), t0)

	if err := h.o.Halt("m1", "shard migration", t0); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	seqBefore := h.mustSnapshot(t, "m1").Market.Sequence
	res := h.mustExecute(t, batch("m1", 2, trade("m1", "alice", 0, "1")), t0.Add(time.Minute))
	if got := statuses(res); got[0] != "market_halted" {
		t.Fatalf("tripped: %v", got)
	}
	if seq := h.mustSnapshot(t, "m1").Market.Sequence; seq != seqBefore {
		t.Fatalf("sequence moved while halted")
	}

	cooling := t0.Add(policy.HaltDuration)
	res = h.mustExecute(t, batch("m1", 3,
		trade("m1", "alice", 0, "1"),
		trade("m1", "alice", 0, "-4")), cooling)
	if got := statuses(res); got[0] != "market_cooling" || got[1] != "executed" {
		t.Fatalf("cooling: %v, want [market_cooling executed]", got)
	}

	changes, err := h.o.Tick(cooling.Add(policy.CooldownDuration))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(changes) != 1 || changes[0].To != risk.PhaseInactive.String() {
		t.Fatalf("Tick changes = %+v, want one move to inactive", changes)
	}
	if err := h.o.Resume("m1", cooling); !errors.Is(err, risk.ErrNotHalted) {
		t.Fatalf("Resume on inactive = %v, want ErrNotHalted", err)
	}
}

func TestBreaker_ResumeSkipsBacklog(t *testing.T) {
	thin := risk.Tier{Name: "thin", MarginCap: fx("1000"), IMFraction: fpmath.One, MMFraction: fx("0.5")}
	h := newHarness(t, risk.StaticTiers{Default: thin})
	h.market(t, "m1", 2, "100", 0)
	policy := risk.DefaultParams("m1").Breaker

	h.mustExecute(t, batch("m1", 1, trade("m1", "alice", 0, "10")), t0)
	if h.mustSnapshot(t, "m1").Liquidations == nil {
		t.Fatalf("expected a liquidation backlog")
	}
	if err := h.o.Halt("m1", "ops", t0); err != nil {
		t.Fatalf("Halt: %v", err)
	}

	after := t0.Add(policy.HaltDuration + policy.CooldownDuration)
	if _, err := h.o.Tick(after); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if br, _ := h.o.Breaker("m1"); br.Phase != risk.PhaseCooling {
		t.Fatalf("phase = %s, want cooling while backlog remains", br.Phase)
	}
	if err := h.o.Resume("m1", after); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if br, _ := h.o.Breaker("m1"); br.Phase != risk.PhaseInactive {
		t.Fatalf("phase = %s, want inactive after resume", br.Phase)
	}
}

// ============================================================================
// Sequencing, hashing, recovery
// ============================================================================

func TestExecuteBatch_RejectsReplayAndUnknownMarket(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)

	h.mustExecute(t, batch("m1", 1), t0)
	if _, err := h.o.ExecuteBatch(batch("m1", 1), t0); !errors.Is(err, core.ErrBatchOutOfOrder) {
		t.Fatalf("replay = %v, want ErrBatchOutOfOrder", err)
	}
	if _, err := h.o.ExecuteBatch(batch("nope", 1), t0); !errors.Is(err, core.ErrUnknownMarket) {
		t.Fatalf("unknown market = %v, want ErrUnknownMarket", err)
	}
	if err := h.o.CreateMarket(core.MarketSpec{ID: "m1", Curve: amm.CurveLMSR, Outcomes: 2, Liquidity: fx("1")}, t0); !errors.Is(err, core.ErrMarketExists) {
		t.Fatalf("duplicate market = %v, want ErrMarketExists", err)
	}
}

func TestStateHash_ChainedAndDeterministic(t *testing.T) {
	run := func() ([]core.Output, [32]byte) {
		h := newHarness(t, standardTiers())
		h.market(t, "m1", 2, "100", 25)
		h.deposit(t, "alice", "500")
		h.deposit(t, "bob", "500")
		// fresh intent ids per run would change the digest
		intentSeq = 0
		h.mustExecute(t, batch("m1", 1, trade("m1", "alice", 0, "5"), trade("m1", "bob", 1, "3")), t0)
		res := h.mustExecute(t, batch("m1", 2, trade("m1", "alice", 0, "-2")), t0.Add(time.Second))
		return h.drain(), res.StateHash
	}

	outs, hashA := run()
	_, hashB := run()
	if hashA != hashB {
		t.Fatalf("same inputs gave different hashes")
	}

	if len(outs) != 3 {
		t.Fatalf("emitted %d events, want 3", len(outs))
	}
	for i := 1; i < len(outs); i++ {
		prev, cur := outs[i-1].Envelope, outs[i].Envelope
		if cur.PrevHash != prev.StateHash {
			t.Fatalf("envelope %d does not chain to %d", i, i-1)
		}
		if cur.Sequence != prev.Sequence+1 {
			t.Fatalf("sequence %d after %d", cur.Sequence, prev.Sequence)
		}
	}
	if outs[2].Envelope.EventType != event.EventTypeBatchExecuted || outs[2].Envelope.BatchID != 2 {
		t.Fatalf("last envelope = %s batch %d", outs[2].Envelope.EventType, outs[2].Envelope.BatchID)
	}
	decoded, err := outs[2].Envelope.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.(*event.BatchResult).StateHash != hashA {
		t.Fatalf("payload state hash differs from envelope")
	}
}

func TestRecordExpired_OneEventPerMarket(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.market(t, "m2", 2, "100", 0)
	h.drain()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	err := h.o.RecordExpired([]intake.Expired{
		{ID: a, MarketID: "m2", Owner: "alice"},
		{ID: b, MarketID: "m1", Owner: "bob"},
		{ID: c, MarketID: "m2", Owner: "carol"},
		{ID: uuid.New(), MarketID: "ghost", Owner: "dave"},
	}, t0)
	if err != nil {
		t.Fatalf("RecordExpired: %v", err)
	}

	outs := h.drain()
	if len(outs) != 2 {
		t.Fatalf("emitted %d events, want 2", len(outs))
	}
	first := outs[0].Event.(*event.CommitmentsExpired)
	second := outs[1].Event.(*event.CommitmentsExpired)
	if first.MarketID != "m1" || second.MarketID != "m2" {
		t.Fatalf("market order = %s, %s", first.MarketID, second.MarketID)
	}
	if !reflect.DeepEqual(second.IDs, []uuid.UUID{a, c}) {
		t.Fatalf("m2 ids = %v", second.IDs)
	}
	if outs[1].Envelope.Sequence != outs[0].Envelope.Sequence+1 {
		t.Fatalf("sequence not contiguous")
	}
}

func TestSnapshotRestore_ContinuesChain(t *testing.T) {
	intentSeq = 100
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.deposit(t, "alice", "500")
	h.mustExecute(t, batch("m1", 1, trade("m1", "alice", 0, "5")), t0)
	snap := h.mustSnapshot(t, "m1")

	restored := newHarness(t, standardTiers())
	restored.ledger.Restore(h.ledger.Snapshot())
	if err := restored.o.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	next := trade("m1", "alice", 1, "2")
	a := h.mustExecute(t, batch("m1", 2, next), t0.Add(time.Second))
	b := restored.mustExecute(t, batch("m1", 2, next), t0.Add(time.Second))
	if a.StateHash != b.StateHash {
		t.Fatalf("restored market diverged")
	}
	if _, err := restored.o.ExecuteBatch(batch("m1", 1), t0); !errors.Is(err, core.ErrBatchOutOfOrder) {
		t.Fatalf("restored validator accepted an old batch: %v", err)
	}
}

// ============================================================================
// Resolution
// ============================================================================

func TestCollapse_PaysWinners(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.deposit(t, "alice", "100")
	h.deposit(t, "bob", "100")

	res := h.mustExecute(t, batch("m1", 1,
		trade("m1", "alice", 0, "10"),
		trade("m1", "bob", 1, "4")), t0)
	aliceCost := res.Results[0].Cost

	resolved, err := h.o.Collapse("m1", 0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	if len(resolved.Payouts) != 2 {
		t.Fatalf("payouts = %d, want 2", len(resolved.Payouts))
	}
	if c, _ := h.ledger.Collateral("alice"); c != fx("100")-aliceCost+fx("10") {
		t.Fatalf("alice collateral = %s", c)
	}
	if held := h.ledger.Holdings("bob", "m1"); held[0] != 0 || held[1] != 0 {
		t.Fatalf("bob holdings not flattened: %v", held)
	}
	if err := h.ledger.Validate(); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	late := h.mustExecute(t, batch("m1", 2, trade("m1", "alice", 0, "1")), t0.Add(2*time.Hour))
	if got := statuses(late); !reflect.DeepEqual(got, []string{"market_not_active"}) {
		t.Fatalf("batch after collapse = %v, want [market_not_active]", got)
	}
}

type sealedIntent struct {
	id      uuid.UUID
	payload intake.IntentPayload
	salt    intake.Salt
}

func mustCommit(t *testing.T, q *intake.Queue, market, account string, n byte, now time.Time) sealedIntent {
	t.Helper()
	p := intake.IntentPayload{MarketID: market, Account: account, Kind: amm.KindQuantity, Quantity: fx("1"), Nonce: uint64(n)}
	salt := intake.Salt{n}
	id, err := q.Commit(intake.CommitRequest{MarketID: market, Hash: intake.ComputeCommitment(p, salt), Owner: account}, now)
	if err != nil {
		t.Fatalf("Commit %s: %v", account, err)
	}
	return sealedIntent{id, p, salt}
}

func TestCollapse_DrainsIntake(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.deposit(t, "alice", "100")
	cfg := intake.DefaultConfig()
	q, err := intake.NewQueue(cfg, h.o, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	h.o.AttachIntake(q)

	revealed := mustCommit(t, q, "m1", "alice", 1, t0)
	unrevealed := mustCommit(t, q, "m1", "bob", 2, t0)
	revealAt := t0.Add(cfg.MinRevealDelay)
	if err := q.Reveal(revealed.id, revealed.payload, revealed.salt, revealAt); err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	h.drain()

	if _, err := h.o.Collapse("m1", 0, revealAt); err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	if q.Pending("m1") != 0 {
		t.Fatalf("pending after collapse = %d, want 0", q.Pending("m1"))
	}

	var (
		final   *event.BatchResult
		expired *event.CommitmentsExpired
	)
	for _, out := range h.drain() {
		switch e := out.Event.(type) {
		case *event.BatchResult:
			final = e
		case *event.CommitmentsExpired:
			expired = e
		}
	}
	if final == nil || len(final.Results) != 1 || final.Results[0].IntentID != revealed.id {
		t.Fatalf("final batch = %+v, want the revealed intent", final)
	}
	if final.Results[0].Reason != "market_not_active" {
		t.Fatalf("final result reason = %q", final.Results[0].Reason)
	}
	if expired == nil || len(expired.IDs) != 1 || expired.IDs[0] != unrevealed.id {
		t.Fatalf("expired = %+v, want the unrevealed commitment", expired)
	}

	if err := q.Reveal(unrevealed.id, unrevealed.payload, unrevealed.salt, revealAt); !errors.Is(err, intake.ErrCommitmentExpired) {
		t.Fatalf("late reveal = %v, want ErrCommitmentExpired", err)
	}
	p := intake.IntentPayload{MarketID: "m1", Account: "carol", Kind: amm.KindQuantity, Quantity: fx("1")}
	_, err = q.Commit(intake.CommitRequest{MarketID: "m1", Hash: intake.ComputeCommitment(p, intake.Salt{9}), Owner: "carol"}, revealAt)
	if !errors.Is(err, amm.ErrMarketNotActive) {
		t.Fatalf("Commit after collapse = %v, want ErrMarketNotActive", err)
	}
}

func TestCollapse_RefusesRevealWithoutAttachedIntake(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	cfg := intake.DefaultConfig()
	q, err := intake.NewQueue(cfg, h.o, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	s := mustCommit(t, q, "m1", "alice", 1, t0)
	if _, err := h.o.Collapse("m1", 1, t0); err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	if err := q.Reveal(s.id, s.payload, s.salt, t0.Add(cfg.MinRevealDelay)); !errors.Is(err, amm.ErrMarketNotActive) {
		t.Fatalf("Reveal after collapse = %v, want ErrMarketNotActive", err)
	}
	if q.Pending("m1") != 0 {
		t.Fatalf("refused reveal kept its slot")
	}
}

func TestCollapse_BatchReleasedBeforehandGetsResults(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.deposit(t, "alice", "100")
	cfg := intake.DefaultConfig()
	q, err := intake.NewQueue(cfg, h.o, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	h.o.AttachIntake(q)

	s := mustCommit(t, q, "m1", "alice", 1, t0)
	revealAt := t0.Add(cfg.MinRevealDelay)
	if err := q.Reveal(s.id, s.payload, s.salt, revealAt); err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	released := q.ReleaseReady(revealAt.Add(cfg.MaxBatchWindow))
	if len(released) != 1 {
		t.Fatalf("released %d batches, want 1", len(released))
	}

	if _, err := h.o.Collapse("m1", 0, revealAt.Add(cfg.MaxBatchWindow)); err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	res := h.mustExecute(t, released[0], revealAt.Add(cfg.MaxBatchWindow))
	if got := statuses(res); !reflect.DeepEqual(got, []string{"market_not_active"}) {
		t.Fatalf("statuses = %v, want [market_not_active]", got)
	}
	if res.Results[0].IntentID != s.id {
		t.Fatalf("result for %s, want %s", res.Results[0].IntentID, s.id)
	}
}

// ============================================================================
// Intake to execution
// ============================================================================

func TestRunReady_ExecutesInFeeOrder(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.market(t, "m2", 2, "100", 0)
	for _, a := range []string{"low", "mid", "high", "other"} {
		h.deposit(t, a, "100")
	}

	cfg := intake.DefaultConfig()
	q, err := intake.NewQueue(cfg, h.o, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	type sub struct {
		market, account, fee string
	}
	subs := []sub{{"m1", "low", "0.1"}, {"m1", "high", "0.9"}, {"m1", "mid", "0.5"}, {"m2", "other", "0"}}
	type pending struct {
		id      uuid.UUID
		payload intake.IntentPayload
		salt    intake.Salt
	}
	var ps []pending
	for i, s := range subs {
		p := intake.IntentPayload{MarketID: s.market, Account: s.account, Kind: amm.KindQuantity, Quantity: fx("1"), Nonce: uint64(i)}
		var salt intake.Salt
		salt[0] = byte(i + 1)
		id, err := q.Commit(intake.CommitRequest{
			MarketID: s.market,
			Hash:     intake.ComputeCommitment(p, salt),
			FeeBid:   fx(s.fee),
			Owner:    s.account,
		}, t0)
		if err != nil {
			t.Fatalf("Commit %s: %v", s.account, err)
		}
		ps = append(ps, pending{id, p, salt})
	}
	// reveal in reverse so reveal timing disagrees with fee order
	revealAt := t0.Add(cfg.MinRevealDelay)
	for i := len(ps) - 1; i >= 0; i-- {
		if err := q.Reveal(ps[i].id, ps[i].payload, ps[i].salt, revealAt); err != nil {
			t.Fatalf("Reveal: %v", err)
		}
	}

	results, err := h.o.RunReady(context.Background(), q, revealAt.Add(cfg.MaxBatchWindow))
	if err != nil {
		t.Fatalf("RunReady: %v", err)
	}
	if len(results) != 2 || results[0].MarketID != "m1" || results[1].MarketID != "m2" {
		t.Fatalf("results = %d, want m1 and m2", len(results))
	}
	var order []string
	for _, r := range results[0].Results {
		order = append(order, r.Account)
	}
	if !reflect.DeepEqual(order, []string{"high", "mid", "low"}) {
		t.Fatalf("execution order = %v, want [high mid low]", order)
	}
}

func TestRunReady_CancelledContextReleasesNothing(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	h.deposit(t, "alice", "100")
	cfg := intake.DefaultConfig()
	q, err := intake.NewQueue(cfg, h.o, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	s := mustCommit(t, q, "m1", "alice", 1, t0)
	revealAt := t0.Add(cfg.MinRevealDelay)
	if err := q.Reveal(s.id, s.payload, s.salt, revealAt); err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	due := revealAt.Add(cfg.MaxBatchWindow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := h.o.RunReady(ctx, q, due)
	if !errors.Is(err, context.Canceled) || len(results) != 0 {
		t.Fatalf("RunReady on cancelled ctx = %d results, %v", len(results), err)
	}
	if q.Pending("m1") != 1 {
		t.Fatalf("cancelled round released the batch: pending = %d", q.Pending("m1"))
	}

	results, err = h.o.RunReady(context.Background(), q, due)
	if err != nil {
		t.Fatalf("RunReady: %v", err)
	}
	if len(results) != 1 || results[0].Executed() != 1 {
		t.Fatalf("intent lost across cancelled round: %+v", results)
	}
}

func TestAdmitCommit_HaltedMarketRefusesCommitments(t *testing.T) {
	h := newHarness(t, standardTiers())
	h.market(t, "m1", 2, "100", 0)
	q, err := intake.NewQueue(intake.DefaultConfig(), h.o, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := h.o.Halt("m1", "ops", t0); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	p := intake.IntentPayload{MarketID: "m1", Account: "alice", Kind: amm.KindQuantity, Quantity: fx("1")}
	_, err = q.Commit(intake.CommitRequest{MarketID: "m1", Hash: intake.ComputeCommitment(p, intake.Salt{1}), Owner: "alice"}, t0)
	if !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("Commit on halted market = %v, want ErrMarketHalted", err)
	}
	if _, err := q.Commit(intake.CommitRequest{MarketID: "nope", Hash: intake.ComputeCommitment(p, intake.Salt{2}), Owner: "alice"}, t0); !errors.Is(err, core.ErrUnknownMarket) {
		t.Fatalf("Commit on unknown market = %v", err)
	}
}

// ============================================================================
// Error classes
// ============================================================================

func TestClassify(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), amm.ErrInvariantViolation)
	tests := []struct {
		err   error
		class core.ErrorClass
		code  string
	}{
		{intake.ErrRevealMismatch, core.ClassInput, "reveal_mismatch"},
		{intake.ErrCommitmentExpired, core.ClassInput, "commitment_expired"},
		{amm.ErrSlippageExceeded, core.ClassBusinessRule, "slippage_exceeded"},
		{risk.ErrMarginCapExceeded, core.ClassBusinessRule, "margin_cap_exceeded"},
		{risk.ErrMarketHalted, core.ClassBusinessRule, "market_halted"},
		{amm.ErrPricingDidNotConverge, core.ClassNumeric, "pricing_did_not_converge"},
		{errors.Join(amm.ErrPricingDidNotConverge, fpmath.ErrArithmeticOverflow), core.ClassNumeric, "arithmetic_overflow"},
		{wrapped, core.ClassInvariant, "invariant_violation"},
		{errors.New("boom"), core.ClassInternal, "internal"},
	}
	for _, tt := range tests {
		class, code := core.Classify(tt.err)
		if class != tt.class || code != tt.code {
			t.Errorf("Classify(%v) = %s/%s, want %s/%s", tt.err, class, code, tt.class, tt.code)
		}
	}
	if !core.IsFatal(wrapped) || core.IsFatal(risk.ErrMarketHalted) {
		t.Fatalf("IsFatal misclassifies")
	}
}

func TestStateHasher_GenesisPerMarket(t *testing.T) {
	a, b := core.NewStateHasher("m1"), core.NewStateHasher("m2")
	if a.GetPrevHash() == b.GetPrevHash() {
		t.Fatalf("markets share a genesis hash")
	}
	h1 := a.ComputeHash(1, []byte("x"))
	if h1 != a.GetPrevHash() {
		t.Fatalf("chain tip not advanced")
	}
	c := core.NewStateHasher("m1")
	if h := c.ComputeHash(1, []byte("x")); !bytes.Equal(h[:], h1[:]) {
		t.Fatalf("hash not deterministic")
	}
}
