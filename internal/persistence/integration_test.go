package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"PredictCore/internal/core"
	"PredictCore/internal/ledger"
	"PredictCore/internal/persistence"
	"PredictCore/internal/testutil"
)

func TestIntegration_ResultLogAndSnapshots(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := make(chan core.Output, 1)
	ch <- batchOutput(t, 1)
	close(ch)
	if err := persistence.NewPersistenceWorker(db, ch, 1, time.Millisecond, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("persistence worker: %v", err)
	}

	store := persistence.NewSnapshotStore(db)
	head, err := store.LatestSequence(ctx)
	if err != nil || head != 1 {
		t.Fatalf("LatestSequence = %d, %v; want 1", head, err)
	}
	rows, err := store.LoadResultsFrom(ctx, 1, 10)
	if err != nil {
		t.Fatalf("LoadResultsFrom: %v", err)
	}
	if len(rows) != 1 || rows[0].MarketID != "m1" || rows[0].BatchID == nil || *rows[0].BatchID != 4 {
		t.Fatalf("rows = %+v", rows)
	}

	known, err := persistence.NewPostgresCommitmentChecker(db).IsKnownCommitment("0xabc1")
	if err != nil || !known {
		t.Fatalf("IsKnownCommitment = %v, %v; want true", known, err)
	}

	snap := &persistence.SnapshotData{
		Sequence:  1,
		Balances:  []ledger.BalanceEntry{{Key: ledger.UserCollateral("alice"), Amount: fx("94.85")}},
		CreatedAt: t0,
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// unverified snapshots are never restored from
	if got, err := store.LoadLatest(ctx); err != nil || got != nil {
		t.Fatalf("LoadLatest before verify = %+v, %v", got, err)
	}
	if err := store.MarkVerified(ctx, 1); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	got, err := store.LoadLatest(ctx)
	if err != nil || got == nil || got.Sequence != 1 || got.Balances[0].Amount != fx("94.85") {
		t.Fatalf("LoadLatest = %+v, %v", got, err)
	}
}
