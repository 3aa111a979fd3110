package projection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/ledger"
	fpmath "PredictCore/internal/math"
	"PredictCore/internal/projection"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fx(s string) fpmath.Fixed { return fpmath.MustParseFixed(s) }

func seal(t *testing.T, seq int64, e event.Event, batchID uint64) core.Output {
	t.Helper()
	env, err := event.Seal(seq, e, batchID, t0, [32]byte{}, [32]byte{byte(seq)})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return core.Output{Envelope: env, Event: e}
}

func batchOutput(t *testing.T, seq int64) core.Output {
	intent := uuid.NewSHA1(uuid.NameSpaceOID, []byte("intent-1"))
	res := &event.BatchResult{
		MarketID:      "m1",
		BatchID:       4,
		Probabilities: []fpmath.Fixed{fx("0.6"), fx("0.4")},
		Settlements: []ledger.Settlement{{
			Ref:           intent.String(),
			Kind:          ledger.SettlementTrade,
			Account:       "alice",
			MarketID:      "m1",
			OutcomeDeltas: []fpmath.Fixed{fx("10"), 0},
			CashDelta:     fx("-5.1"),
			FeeDelta:      fx("0.05"),
		}},
	}
	return seal(t, seq, res, res.BatchID)
}

func newWorker(t *testing.T) (*projection.ProjectionWorker, sqlmock.Sqlmock, chan core.Output) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ch := make(chan core.Output, 8)
	return projection.NewProjectionWorker(db, ch, nil, zerolog.Nop()), mock, ch
}

// ============================================================================
// Apply
// ============================================================================

func TestApply_BatchUpdatesBalancesAndMarketView(t *testing.T) {
	pw, mock, _ := newWorker(t)
	cost := fx("5.1").Raw()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO predict.balances").
		WithArgs("system:m1:pool", cost, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO predict.balances").
		WithArgs("user:alice:collateral", -cost, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// fee leg
	mock.ExpectExec("INSERT INTO predict.balances").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO predict.balances").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE predict.market_view").
		WithArgs("m1", []byte(`["0.6","0.4"]`), int64(4), int64(9), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO predict.projection_watermark").
		WithArgs("main", int64(9), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := pw.Apply(context.Background(), batchOutput(t, 9)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// at or below the watermark: no statements
	if err := pw.Apply(context.Background(), batchOutput(t, 9)); err != nil {
		t.Fatalf("Apply replay: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApply_MarketCreatedInsertsView(t *testing.T) {
	pw, mock, _ := newWorker(t)
	ev := &event.MarketCreated{MarketID: "m1", Curve: "lmsr", Outcomes: 2, Liquidity: fx("100"), FeeBps: 30, CreatedAt: t0}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO predict.market_view").
		WithArgs("m1", "lmsr", int64(2), int64(30), "active", "inactive", int64(1), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO predict.projection_watermark").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := pw.Apply(context.Background(), seal(t, 1, ev, 0)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApply_ResolutionAndBreaker(t *testing.T) {
	pw, mock, _ := newWorker(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE predict.market_view").
		WithArgs("m1", "tripped", int64(2), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO predict.projection_watermark").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE predict.market_view").
		WithArgs("m1", "collapsed", int64(1), int64(3), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO predict.projection_watermark").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tripped := &event.BreakerChanged{MarketID: "m1", From: "inactive", To: "tripped", At: t0}
	if err := pw.Apply(context.Background(), seal(t, 2, tripped, 0)); err != nil {
		t.Fatalf("Apply breaker: %v", err)
	}
	resolved := &event.MarketResolved{MarketID: "m1", Winner: 1, At: t0}
	if err := pw.Apply(context.Background(), seal(t, 3, resolved, 0)); err != nil {
		t.Fatalf("Apply resolved: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApply_FailureRollsBackAndKeepsWatermark(t *testing.T) {
	pw, mock, _ := newWorker(t)
	ev := &event.CommitmentsExpired{MarketID: "m1", IDs: []uuid.UUID{uuid.New()}, At: t0}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO predict.projection_watermark").WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO predict.projection_watermark").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out := seal(t, 5, ev, 0)
	if err := pw.Apply(context.Background(), out); err == nil {
		t.Fatalf("Apply succeeded despite exec error")
	}
	if err := pw.Apply(context.Background(), out); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// ============================================================================
// Run / rebuild
// ============================================================================

func TestRun_StopsWhenChannelCloses(t *testing.T) {
	pw, mock, ch := newWorker(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO predict.projection_watermark").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ch <- seal(t, 1, &event.CommitmentsExpired{MarketID: "m1", At: t0}, 0)
	close(ch)
	if err := pw.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRebuildBalances_ResetsWatermark(t *testing.T) {
	pw, mock, _ := newWorker(t)

	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE predict.balances").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO predict.balances").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery("SELECT MAX\\(sequence\\) FROM predict.result_log").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(12)))
	mock.ExpectExec("INSERT INTO predict.projection_watermark").
		WithArgs("main", int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := pw.RebuildBalances(context.Background()); err != nil {
		t.Fatalf("RebuildBalances: %v", err)
	}
	// results already folded into the journal are skipped afterwards
	if err := pw.Apply(context.Background(), batchOutput(t, 12)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
