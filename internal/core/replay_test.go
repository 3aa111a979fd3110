package core_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/ledger"
)

func envelopes(outs []core.Output) []*event.EventEnvelope {
	envs := make([]*event.EventEnvelope, len(outs))
	for i, o := range outs {
		envs[i] = o.Envelope
	}
	return envs
}

func sameMarketState(t *testing.T, id string, live, replayed *harness) {
	t.Helper()
	want, got := live.mustSnapshot(t, id), replayed.mustSnapshot(t, id)
	wm, gm := want.Market, got.Market
	if !reflect.DeepEqual(wm.Q, gm.Q) || wm.Pool != gm.Pool || wm.FeesCollected != gm.FeesCollected ||
		wm.Sequence != gm.Sequence || wm.Status != gm.Status {
		t.Fatalf("%s market: got %+v, want %+v", id, gm, wm)
	}
	if got.Breaker.Phase != want.Breaker.Phase {
		t.Fatalf("%s breaker = %s, want %s", id, got.Breaker.Phase, want.Breaker.Phase)
	}
	if got.StateHash != want.StateHash || got.Events != want.Events || got.LastBatchID != want.LastBatchID {
		t.Fatalf("%s chain: got events=%d batch=%d, want events=%d batch=%d",
			id, got.Events, got.LastBatchID, want.Events, want.LastBatchID)
	}
	if len(got.Exposures) != len(want.Exposures) {
		t.Fatalf("%s exposures = %d, want %d", id, len(got.Exposures), len(want.Exposures))
	}
	for i := range want.Exposures {
		if got.Exposures[i].Account != want.Exposures[i].Account ||
			!reflect.DeepEqual(got.Exposures[i].Position, want.Exposures[i].Position) {
			t.Fatalf("%s exposure %d: got %+v, want %+v", id, i, got.Exposures[i], want.Exposures[i])
		}
	}
}

func sameCollateral(t *testing.T, live, replayed *harness, accounts ...string) {
	t.Helper()
	for _, a := range accounts {
		want, _ := live.ledger.Collateral(a)
		got, _ := replayed.ledger.Collateral(a)
		if got != want {
			t.Fatalf("%s collateral = %s, want %s", a, got, want)
		}
	}
	if err := replayed.ledger.Validate(); err != nil {
		t.Fatalf("replayed ledger: %v", err)
	}
}

// ============================================================================
// Replay
// ============================================================================

func TestReplay_RebuildsFromEmptyState(t *testing.T) {
	live := newHarness(t, standardTiers())
	live.market(t, "m1", 2, "100", 100)
	live.market(t, "m2", 3, "50", 0)
	live.deposit(t, "alice", "1000")
	live.deposit(t, "bob", "1000")

	bid := trade("m1", "alice", 0, "10")
	bid.FeeBid = fx("0.2")
	live.mustExecute(t, batch("m1", 1, bid, trade("m1", "bob", 1, "4")), t0)
	live.mustExecute(t, batch("m1", 2, trade("m1", "alice", 0, "-3")), t0.Add(time.Second))
	if err := live.o.Halt("m1", "ops", t0.Add(2*time.Second)); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	live.mustExecute(t, batch("m2", 1, trade("m2", "alice", 2, "3"), trade("m2", "bob", 0, "2")), t0)
	if _, err := live.o.Collapse("m2", 2, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	log := envelopes(live.drain())

	replayed := newHarness(t, standardTiers())
	replayed.deposit(t, "alice", "1000")
	replayed.deposit(t, "bob", "1000")
	if err := replayed.o.Replay(log); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	sameMarketState(t, "m1", live, replayed)
	sameMarketState(t, "m2", live, replayed)
	sameCollateral(t, live, replayed, "alice", "bob")
	if got, want := replayed.ledger.Balance(ledger.MarketFees("m1")), live.ledger.Balance(ledger.MarketFees("m1")); got != want {
		t.Fatalf("fee account = %s, want %s", got, want)
	}
	if err := replayed.o.AdmitCommit("m2", t0.Add(2*time.Hour)); err == nil {
		t.Fatal("replayed collapse still admits commitments")
	}
	if len(replayed.drain()) != 0 {
		t.Fatal("replay emitted events")
	}
}

func TestReplay_TailOnTopOfSnapshot(t *testing.T) {
	live := newHarness(t, standardTiers())
	live.market(t, "m1", 2, "100", 50)
	live.deposit(t, "alice", "500")
	live.deposit(t, "bob", "500")
	live.mustExecute(t, batch("m1", 1, trade("m1", "alice", 0, "5")), t0)

	snap := live.mustSnapshot(t, "m1")
	balances := live.ledger.Snapshot()
	live.drain()

	live.mustExecute(t, batch("m1", 2, trade("m1", "bob", 1, "7"), trade("m1", "alice", 0, "2")), t0.Add(time.Second))
	tail := envelopes(live.drain())

	replayed := newHarness(t, standardTiers())
	if err := replayed.o.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	replayed.ledger.Restore(balances)
	if err := replayed.o.Replay(tail); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	sameMarketState(t, "m1", live, replayed)
	sameCollateral(t, live, replayed, "alice", "bob")

	// the next live batch id continues after the replayed one
	res := replayed.mustExecute(t, batch("m1", 3, trade("m1", "bob", 1, "1")), t0.Add(2*time.Second))
	if res.Executed() != 1 {
		t.Fatalf("batch after replay: %v", statuses(res))
	}
}

func TestReplay_MissingEventDiverges(t *testing.T) {
	live := newHarness(t, standardTiers())
	live.market(t, "m1", 2, "100", 0)
	live.deposit(t, "alice", "1000")
	live.mustExecute(t, batch("m1", 1, trade("m1", "alice", 0, "10")), t0)
	if err := live.o.Halt("m1", "ops", t0.Add(time.Second)); err != nil {
		t.Fatalf("Halt: %v", err)
	}

	var gapped []*event.EventEnvelope
	for _, env := range envelopes(live.drain()) {
		if env.EventType != event.EventTypeBatchExecuted {
			gapped = append(gapped, env)
		}
	}

	replayed := newHarness(t, standardTiers())
	replayed.deposit(t, "alice", "1000")
	if err := replayed.o.Replay(gapped); !errors.Is(err, core.ErrReplayDiverged) {
		t.Fatalf("Replay with a missing batch = %v, want ErrReplayDiverged", err)
	}
}
