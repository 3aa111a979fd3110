package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PredictCore/internal/core"
	"PredictCore/internal/intake"
	"PredictCore/internal/ledger"
	"PredictCore/internal/observability"
	"PredictCore/internal/persistence"
)

// SnapshotSaver persists periodic snapshots.
type SnapshotSaver interface {
	Save(ctx context.Context, snap *persistence.SnapshotData) error
	MarkVerified(ctx context.Context, sequence int64) error
}

// BalanceSnapshotter exposes the ledger balances included in a snapshot.
type BalanceSnapshotter interface {
	Snapshot() []ledger.BalanceEntry
}

type Config struct {
	// Interval between rounds.
	Interval time.Duration
	// SnapshotEvery is the number of sealed events between snapshots.
	// Zero disables periodic snapshots.
	SnapshotEvery int64
}

func DefaultConfig() Config {
	return Config{
		Interval:      100 * time.Millisecond,
		SnapshotEvery: 100_000,
	}
}

// Report summarises one round.
type Report struct {
	Expired        int
	Batches        int
	BreakerChanges int
	Snapshot       bool
}

// Scheduler drives the time-based work of the service from a single
// goroutine: commitment expiry, batch release, breaker timers and
// snapshots. Because it is the only caller of RunReady, a snapshot taken
// between rounds never observes a half-applied batch.
type Scheduler struct {
	cfg      Config
	orch     *core.Orchestrator
	queue    *intake.Queue
	balances BalanceSnapshotter
	saver    SnapshotSaver
	clock    func() time.Time
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSnapshot int64
}

// New builds a scheduler. saver may be nil, which disables snapshots.
func New(cfg Config, orch *core.Orchestrator, queue *intake.Queue, balances BalanceSnapshotter, saver SnapshotSaver,
	clock func() time.Time, metrics *observability.Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		cfg:          cfg,
		orch:         orch,
		queue:        queue,
		balances:     balances,
		saver:        saver,
		clock:        clock,
		metrics:      metrics,
		logger:       logger.With().Str("component", "scheduler").Logger(),
		lastSnapshot: orch.GetSequence(),
	}
}

// Run executes rounds until ctx is cancelled. Round errors are logged;
// they never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Step(ctx, s.clock()); err != nil {
				class, code := core.Classify(err)
				s.logger.Error().Err(err).Str("class", string(class)).Str("code", code).Msg("scheduler round failed")
			}
		}
	}
}

// Step runs one round at now.
func (s *Scheduler) Step(ctx context.Context, now time.Time) (Report, error) {
	var rep Report

	if expired := s.queue.Expire(now); len(expired) > 0 {
		rep.Expired = len(expired)
		if err := s.orch.RecordExpired(expired, now); err != nil {
			return rep, fmt.Errorf("record expired: %w", err)
		}
	}

	results, runErr := s.orch.RunReady(ctx, s.queue, now)
	rep.Batches = len(results)
	for _, r := range results {
		s.logger.Debug().
			Str("market", r.MarketID).
			Uint64("batch", r.BatchID).
			Int("results", len(r.Results)).
			Msg("batch executed")
	}

	changes, err := s.orch.Tick(now)
	rep.BreakerChanges = len(changes)
	for _, c := range changes {
		s.logger.Info().
			Str("market", c.MarketID).
			Str("from", c.From).
			Str("to", c.To).Str("reason", c.Reason).
			Msg("breaker transition")
	}
	if err != nil {
		return rep, fmt.Errorf("tick: %w", err)
	}
	if runErr != nil {
		return rep, fmt.Errorf("run ready: %w", runErr)
	}

	if s.snapshotDue() {
		if err := s.TakeSnapshot(ctx, now); err != nil {
			s.logger.Warn().Err(err).Msg("periodic snapshot failed")
		} else {
			rep.Snapshot = true
		}
	}
	return rep, nil
}

func (s *Scheduler) snapshotDue() bool {
	if s.saver == nil || s.cfg.SnapshotEvery <= 0 {
		return false
	}
	return s.orch.GetSequence()-s.lastSnapshot >= s.cfg.SnapshotEvery
}

// Capture copies every market and the ledger balances. Call it only from
// the goroutine that drives execution.
func Capture(orch *core.Orchestrator, balances BalanceSnapshotter, now time.Time) (*persistence.SnapshotData, error) {
	snap := &persistence.SnapshotData{
		Sequence:  orch.GetSequence(),
		CreatedAt: now,
	}
	for _, id := range orch.Markets() {
		m, err := orch.Snapshot(id)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		snap.Markets = append(snap.Markets, m)
	}
	snap.Balances = balances.Snapshot()
	return snap, nil
}

// TakeSnapshot captures and persists the current state.
func (s *Scheduler) TakeSnapshot(ctx context.Context, now time.Time) error {
	if s.saver == nil {
		return fmt.Errorf("snapshots disabled")
	}
	start := time.Now()

	snap, err := Capture(s.orch, s.balances, now)
	if err != nil {
		return err
	}
	if err := s.saver.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	// Taken from live state, so it is verified as soon as it is stored.
	if err := s.saver.MarkVerified(ctx, snap.Sequence); err != nil {
		s.logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("mark snapshot verified failed")
	}
	s.lastSnapshot = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("markets", len(snap.Markets)).Msg("snapshot saved")
	return nil
}
