package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PredictCore/internal/core"
	"PredictCore/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs outside the deterministic core. The orchestrator sends on the
// persist channel with a blocking send, so a slow worker stalls execution
// instead of losing results.
type PersistenceWorker struct {
	writer       *ResultLogWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize < 1 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewResultLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes; both paths flush what is buffered.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]Rows, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				if err := pw.flush(context.Background(), pending); err != nil {
					pw.logger.Error().Err(err).Int("results", len(pending)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if len(pending) > 0 {
					if err := pw.flush(context.Background(), pending); err != nil {
						pw.logger.Error().Err(err).Int("results", len(pending)).Msg("final flush failed")
					}
				}
				return nil
			}

			rows, err := RowsFromOutput(out)
			if err != nil {
				// A record that cannot be flattened never will be; skip it
				// rather than wedge the core.
				pw.countError("encode")
				pw.logger.Error().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("dropping unpersistable result")
				continue
			}
			pending = append(pending, rows)

			if len(pending) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, pending); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				pending = pending[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(pending) > 0 {
				if err := pw.flushWithRetry(ctx, pending); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				pending = pending[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made with a
// background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Rows) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("results", len(batch)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Debug().Err(err).Msg("flush attempt failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []Rows) error {
	start := time.Now()

	var (
		results     = make([]ResultRow, 0, len(batch))
		journals    []JournalRow
		commitments []CommitmentRow
	)
	for _, r := range batch {
		results = append(results, r.Result)
		journals = append(journals, r.Journals...)
		commitments = append(commitments, r.Commitments...)
	}

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteResultBatch(ctx, tx, results); err != nil {
		pw.countError("write_results")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := pw.writer.WriteCommitmentBatch(ctx, tx, commitments); err != nil {
		pw.countError("write_commitments")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistResultsWritten.Add(float64(len(results)))
	}
	return nil
}

func (pw *PersistenceWorker) countError(op string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}
