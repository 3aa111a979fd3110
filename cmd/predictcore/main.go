package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"PredictCore/internal/amm"
	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/ingestion"
	"PredictCore/internal/intake"
	"PredictCore/internal/ledger"
	"PredictCore/internal/observability"
	"PredictCore/internal/persistence"
	"PredictCore/internal/projection"
	"PredictCore/internal/query"
	"PredictCore/internal/risk"
	"PredictCore/internal/scheduler"
	"PredictCore/internal/server"
)

// recoveryPage is how many result log rows past the snapshot are loaded
// per query during recovery.
const recoveryPage = 1000

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	logger := observability.NewLogger("predictcore")
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Info().Msg("PredictCore starting")

	// --- Context with graceful shutdown ---
	// ctx stops intake and execution; workerCtx outlives it so results
	// sealed during shutdown still reach Postgres.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Core ---
	engine, err := amm.NewEngine(amm.DefaultConfig(), metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("amm engine")
	}
	balances := ledger.NewMemory()
	tiers, err := risk.NewTierCache(risk.StaticTiers{Default: risk.StandardTier}, cfg.TierCacheEntries, cfg.TierCacheTTL, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("tier cache")
	}
	defer tiers.Close()
	params := risk.NewParamsManager(risk.DefaultParams(""))

	// persistCh blocks (backpressure); outboundCh drops when full and is
	// fanned out to the publisher and the projections.
	persistCh := make(chan core.Output, cfg.PersistChanSize)
	outboundCh := make(chan core.Output, cfg.PublishChanSize)
	publishCh := make(chan core.Output, cfg.PublishChanSize)
	projectionCh := make(chan core.Output, cfg.ProjectionChanSize)

	orch := core.NewOrchestrator(engine, balances, tiers, params, persistCh, outboundCh, metrics,
		observability.NewLogger("core"))
	orch.SetParallelism(cfg.MarketParallelism)

	checker := persistence.NewPostgresCommitmentChecker(db)
	queue, err := intake.NewQueue(cfg.Intake, orch, checker, metrics, observability.NewLogger("intake"))
	if err != nil {
		logger.Fatal().Err(err).Msg("intake queue")
	}
	orch.AttachIntake(queue)

	// --- Recovery ---
	snapStore := persistence.NewSnapshotStore(db)
	startSequence, err := restoreState(ctx, cfg, snapStore, checker, orch, balances, queue, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}

	projWorker := projection.NewProjectionWorker(db, projectionCh, metrics, observability.NewLogger("projection"))
	if err := projWorker.RebuildBalances(ctx); err != nil {
		logger.Warn().Err(err).Msg("balance projection rebuild failed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure intake stream")
	}
	if err := ingestion.EnsureResultsStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure results stream")
	}

	rawChan := make(chan ingestion.RawMessage, cfg.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("nats"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	handler := ingestion.NewHandler(queue, time.Now, metrics, observability.NewLogger("ingest"))
	publisher := ingestion.NewResultPublisher(js, publishCh, metrics, observability.NewLogger("publisher"))

	// --- Servers ---
	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Intake:        queue,
		Admin:         orch,
		Query:         query.NewQueryService(orch, balances, db, metrics),
		HealthChecker: healthChecker,
		Clock:         time.Now,
		Logger:        observability.NewLogger("server"),
	})

	sched := scheduler.New(cfg.Scheduler(), orch, queue, balances, snapStore, time.Now, metrics,
		observability.NewLogger("scheduler"))

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	report := func(name string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("%s: %w", name, err)
		}
	}

	var workers conc.WaitGroup
	persistWorker := persistence.NewPersistenceWorker(db, persistCh, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, observability.NewLogger("persistence"))
	workers.Go(func() { report("persistence worker", persistWorker.Run(workerCtx)) })
	workers.Go(func() { report("result publisher", publisher.Run(workerCtx)) })
	workers.Go(func() { report("projection worker", projWorker.Run(workerCtx)) })
	workers.Go(func() { bridgeOutputs(outboundCh, publishCh, projectionCh, metrics) })

	var front conc.WaitGroup
	front.Go(func() { report("intake handler", handler.Run(ctx, rawChan)) })
	front.Go(func() { report("scheduler", sched.Run(ctx)) })
	front.Go(func() { report("grpc server", srv.StartGRPC(ctx)) })
	front.Go(func() { report("http gateway", srv.StartHTTPGateway(ctx)) })
	front.Go(func() { report("health sync", srv.RunHealthSync(ctx, cfg.HealthSyncInterval)) })
	front.Go(func() {
		runMonitors(ctx, db, nc, healthChecker, metrics, map[string]chan core.Output{
			"persist":    persistCh,
			"outbound":   outboundCh,
			"publish":    publishCh,
			"projection": projectionCh,
		})
	})
	front.Go(func() { report("metrics server", serveMetrics(ctx, cfg.MetricsAddr, logger)) })

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", startSequence).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PredictCore ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first so nothing new is sealed, snapshot the quiesced
	// state, then let the workers drain their channels.
	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()
	front.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sched.TakeSnapshot(shutdownCtx, time.Now()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	close(persistCh)
	close(outboundCh)
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("workers did not drain before timeout")
		workerCancel()
	}

	logger.Info().Msg("PredictCore shutdown complete")
}

// restoreState installs the latest verified snapshot, checks the result
// log continues its hash chains, restores the global sequence and warms
// the consumed-commitment cache. It returns the sequence execution
// resumes after.
func restoreState(
	ctx context.Context,
	cfg Config,
	store *persistence.SnapshotStore,
	checker *persistence.PostgresCommitmentChecker,
	orch *core.Orchestrator,
	balances *ledger.Memory,
	queue *intake.Queue,
	logger zerolog.Logger,
) (int64, error) {
	snap, err := store.LoadLatest(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	latest, err := store.LatestSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("result log head: %w", err)
	}

	var snapSeq int64
	heads := make(map[string][]byte)
	if snap != nil {
		for _, m := range snap.Markets {
			if err := orch.Restore(m); err != nil {
				return 0, fmt.Errorf("restore market: %w", err)
			}
			queue.SetLastBatchID(m.Market.ID, m.LastBatchID)
			head := m.StateHash
			heads[m.Market.ID] = head[:]
		}
		balances.Restore(snap.Balances)
		if err := balances.Validate(); err != nil {
			return 0, fmt.Errorf("restored ledger: %w", err)
		}
		snapSeq = snap.Sequence
		logger.Info().Int64("sequence", snapSeq).Int("markets", len(snap.Markets)).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	var tail []persistence.ResultRow
	for from := snapSeq + 1; ; {
		page, err := store.LoadResultsFrom(ctx, from, recoveryPage)
		if err != nil {
			return 0, fmt.Errorf("load result tail: %w", err)
		}
		tail = append(tail, page...)
		if len(page) < recoveryPage {
			break
		}
		from = page[len(page)-1].Sequence + 1
	}
	if breaks := persistence.VerifyChain(tail, heads); len(breaks) > 0 {
		for _, b := range breaks {
			logger.Error().Int64("sequence", b.Sequence).Str("market", b.MarketID).Msg("result log chain break")
		}
		return 0, fmt.Errorf("result log chain broken at sequence %d", breaks[0].Sequence)
	}
	if len(tail) > 0 {
		if !cfg.ReplayResultTail {
			return 0, fmt.Errorf("result log head %d is ahead of snapshot %d and replay is disabled", latest, snapSeq)
		}
		envs := make([]*event.EventEnvelope, len(tail))
		for i, row := range tail {
			if envs[i], err = row.Envelope(); err != nil {
				return 0, fmt.Errorf("result log: %w", err)
			}
		}
		if err := orch.Replay(envs); err != nil {
			return 0, fmt.Errorf("replay result log: %w", err)
		}
		for _, id := range orch.Markets() {
			if snap, err := orch.Snapshot(id); err == nil {
				queue.SetLastBatchID(id, snap.LastBatchID)
			}
		}
		if err := balances.Validate(); err != nil {
			return 0, fmt.Errorf("replayed ledger: %w", err)
		}
		logger.Info().Int64("snapshot", snapSeq).Int64("log_head", latest).Int("events", len(tail)).
			Msg("replayed result log past snapshot")
	}

	seq := snapSeq
	if latest > seq {
		seq = latest
	}
	orch.SetSequence(seq)

	recent, err := checker.RecentCommitments(ctx, cfg.WarmCommitments)
	if err != nil {
		return 0, fmt.Errorf("load consumed commitments: %w", err)
	}
	queue.WarmConsumed(recent)
	logger.Info().Int("commitments", len(recent)).Msg("consumed-commitment cache warmed")
	return seq, nil
}

// bridgeOutputs copies every outbound result to the publisher and the
// projection worker without blocking on either, then closes both once in
// is closed.
func bridgeOutputs(in <-chan core.Output, publishOut, projectionOut chan<- core.Output, metrics *observability.Metrics) {
	defer close(publishOut)
	defer close(projectionOut)
	for out := range in {
		select {
		case publishOut <- out:
		default:
			metrics.PublishDrops.Inc()
		}
		select {
		case projectionOut <- out:
		default:
			metrics.ProjectionDrops.Inc()
		}
	}
}

// runMonitors samples dependency health and channel depth once a second.
func runMonitors(
	ctx context.Context,
	db *sql.DB,
	nc *nats.Conn,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	channels map[string]chan core.Output,
) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		health.SetDependency("postgres", db.PingContext(pingCtx) == nil)
		cancel()
		health.SetDependency("nats", nc.IsConnected())
		for name, ch := range channels {
			metrics.SetChannelMetrics(name, len(ch), cap(ch))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
