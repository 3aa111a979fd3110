package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"PredictCore/internal/amm"
	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/observability"
	"PredictCore/internal/persistence"
	"PredictCore/internal/risk"
)

const workerID = "main"

// ProjectionWorker maintains read-side tables (account balances, a market
// view) from sealed results. Its channel is fed non-blockingly, so it may
// miss results; balances can be rebuilt from the journal and the market
// view converges on the next event of each market.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.Output
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, out); err != nil {
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
				pw.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("projection update failed")
			}
		}
	}
}

// Apply folds one output into the projections in a single transaction.
// Outputs at or below the watermark are ignored.
func (pw *ProjectionWorker) Apply(ctx context.Context, out core.Output) error {
	env := out.Envelope
	if env == nil {
		return fmt.Errorf("output without envelope")
	}
	if env.Sequence <= pw.lastSeq {
		return nil
	}
	rows, err := persistence.RowsFromOutput(out)
	if err != nil {
		return err
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range rows.Journals {
		// Debits increase a balance and credits decrease it, as in the
		// in-memory ledger.
		if err := updateBalance(ctx, tx, j.DebitAccount, j.Amount, env.Sequence); err != nil {
			return fmt.Errorf("debit %s: %w", j.DebitAccount, err)
		}
		if err := updateBalance(ctx, tx, j.CreditAccount, -j.Amount, env.Sequence); err != nil {
			return fmt.Errorf("credit %s: %w", j.CreditAccount, err)
		}
	}
	if err := pw.updateMarket(ctx, tx, out); err != nil {
		return fmt.Errorf("market view: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO predict.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = $3`,
		workerID, env.Sequence, env.Timestamp); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pw.lastSeq = env.Sequence
	if pw.metrics != nil {
		pw.metrics.ProjectionSeq.Set(float64(env.Sequence))
	}
	return nil
}

func updateBalance(ctx context.Context, tx *sql.Tx, account string, delta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO predict.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = predict.balances.balance + $2, last_sequence = $3`,
		account, delta, seq)
	return err
}

func (pw *ProjectionWorker) updateMarket(ctx context.Context, tx *sql.Tx, out core.Output) error {
	seq, at := out.Envelope.Sequence, out.Envelope.Timestamp

	switch e := out.Event.(type) {
	case *event.MarketCreated:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO predict.market_view
				(market_id, curve, outcomes, fee_bps, status, breaker, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (market_id) DO NOTHING`,
			e.MarketID, e.Curve, e.Outcomes, e.FeeBps, amm.MarketActive.String(), risk.PhaseInactive.String(), seq, at)
		return err

	case *event.BatchResult:
		probs, err := persistence.MarshalPayload(e.Probabilities)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE predict.market_view
			SET probabilities = $2, last_batch_id = $3, last_sequence = $4, updated_at = $5
			WHERE market_id = $1`,
			e.MarketID, probs, int64(e.BatchID), seq, at)
		return err

	case *event.BreakerChanged:
		_, err := tx.ExecContext(ctx, `
			UPDATE predict.market_view
			SET breaker = $2, last_sequence = $3, updated_at = $4
			WHERE market_id = $1`,
			e.MarketID, e.To, seq, at)
		return err

	case *event.MarketResolved:
		_, err := tx.ExecContext(ctx, `
			UPDATE predict.market_view
			SET status = $2, winner = $3, last_sequence = $4, updated_at = $5
			WHERE market_id = $1`,
			e.MarketID, amm.MarketCollapsed.String(), e.Winner, seq, at)
		return err
	}
	return nil
}

// RebuildBalances recomputes the balance projection from the journal and
// resets the watermark to the journal head. The market view is left as is.
func (pw *ProjectionWorker) RebuildBalances(ctx context.Context) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE predict.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO predict.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM predict.journal
			UNION ALL
			SELECT credit_account, -amount, sequence FROM predict.journal
		) legs
		GROUP BY account_path`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM predict.result_log`).Scan(&head); err != nil {
		return fmt.Errorf("result log head: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO predict.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()`,
		workerID, head.Int64); err != nil {
		return fmt.Errorf("watermark reset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pw.lastSeq = head.Int64
	pw.logger.Info().Int64("sequence", head.Int64).Msg("balance projection rebuilt")
	return nil
}
