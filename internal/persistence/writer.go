package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/ledger"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ResultLogWriter writes the result log, its journals and the consumed
// commitment index with multi-row INSERTs. Every insert is idempotent on
// its key so a retried flush never duplicates rows.
type ResultLogWriter struct {
	db *sql.DB
}

// ResultRow is a row of predict.result_log.
type ResultRow struct {
	Sequence  int64
	EventType string
	MarketID  string
	BatchID   *int64
	Payload   []byte
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// JournalRow is a row of predict.journal.
type JournalRow struct {
	JournalID     uuid.UUID
	Sequence      int64
	Ref           string
	MarketID      string
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	Timestamp     time.Time
}

// CommitmentRow is a row of predict.consumed_commitments.
type CommitmentRow struct {
	Hash       string
	MarketID   string
	IntentID   uuid.UUID
	Status     string
	Sequence   int64
	ConsumedAt time.Time
}

// Rows is everything one result stream record persists.
type Rows struct {
	Result      ResultRow
	Journals    []JournalRow
	Commitments []CommitmentRow
}

func NewResultLogWriter(db *sql.DB) *ResultLogWriter {
	return &ResultLogWriter{db: db}
}

// journalNamespace derives stable journal ids from (sequence, ref, index).
var journalNamespace = uuid.MustParse("1b0c5b9e-6f43-4d47-9a0e-3f1f7d3c2a10")

// RowsFromOutput flattens one orchestrator output into table rows.
func RowsFromOutput(out core.Output) (Rows, error) {
	env := out.Envelope
	if env == nil {
		return Rows{}, fmt.Errorf("output without envelope")
	}
	rows := Rows{Result: ResultRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		MarketID:  env.MarketID,
		Payload:   env.Payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: env.Timestamp,
	}}
	if env.BatchID != 0 {
		id := int64(env.BatchID)
		rows.Result.BatchID = &id
	}

	var settlements []ledger.Settlement
	switch e := out.Event.(type) {
	case *event.BatchResult:
		settlements = e.Settlements
		for _, r := range e.Results {
			if r.Commitment == "" {
				continue
			}
			rows.Commitments = append(rows.Commitments, CommitmentRow{
				Hash:       r.Commitment,
				MarketID:   e.MarketID,
				IntentID:   r.IntentID,
				Status:     string(r.Status),
				Sequence:   env.Sequence,
				ConsumedAt: env.Timestamp,
			})
		}
	case *event.MarketResolved:
		settlements = e.Payouts
	}

	for _, s := range settlements {
		batch, err := ledger.GenerateSettlementBatch(s)
		if err != nil {
			return Rows{}, fmt.Errorf("journal %s: %w", s.Ref, err)
		}
		for i, j := range batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%d:%s:%d", env.Sequence, s.Ref, i))),
				Sequence:      env.Sequence,
				Ref:           j.Ref,
				MarketID:      s.MarketID,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount.Raw(),
				JournalType:   j.JournalType.String(),
				Timestamp:     env.Timestamp,
			})
		}
	}
	return rows, nil
}

// WriteResultBatch writes result log rows.
func (w *ResultLogWriter) WriteResultBatch(ctx context.Context, ex execer, results []ResultRow) error {
	if len(results) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(results)*8)
	for _, r := range results {
		args = append(args, r.Sequence, r.EventType, r.MarketID, r.BatchID,
			r.Payload, r.StateHash, r.PrevHash, r.Timestamp)
	}
	query := `INSERT INTO predict.result_log
		(sequence, event_type, market_id, batch_id, payload, state_hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(results), 8) + ` ON CONFLICT (sequence) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal rows.
func (w *ResultLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(journals)*9)
	for _, j := range journals {
		args = append(args, j.JournalID, j.Sequence, j.Ref, j.MarketID,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp)
	}
	query := `INSERT INTO predict.journal
		(journal_id, sequence, ref, market_id, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 9) + ` ON CONFLICT (journal_id) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteCommitmentBatch records consumed commitment hashes.
func (w *ResultLogWriter) WriteCommitmentBatch(ctx context.Context, ex execer, commitments []CommitmentRow) error {
	if len(commitments) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(commitments)*6)
	for _, c := range commitments {
		args = append(args, c.Hash, c.MarketID, c.IntentID, c.Status, c.Sequence, c.ConsumedAt)
	}
	query := `INSERT INTO predict.consumed_commitments
		(commitment_hash, market_id, intent_id, status, sequence, consumed_at)
		VALUES ` + placeholders(len(commitments), 6) + ` ON CONFLICT (commitment_hash) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($1, $2), ($3, $4)" for rows x cols.
func placeholders(rows, cols int) string {
	var b strings.Builder
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

// MarshalPayload JSON-encodes v for a JSONB column.
func MarshalPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
