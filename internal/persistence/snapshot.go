package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/ledger"
)

// snapshotFormat v1: goccy/go-json encoded SnapshotData.
const snapshotFormat = 1

// SnapshotStore saves and loads service snapshots for warm restarts.
type SnapshotStore struct {
	db *sql.DB
}

// SnapshotData is the full in-memory state at a point in the result log.
type SnapshotData struct {
	// Sequence is the global envelope sequence when the snapshot was taken.
	Sequence  int64                  `json:"sequence"`
	Markets   []*core.MarketSnapshot `json:"markets"`
	Balances  []ledger.BalanceEntry  `json:"balances"`
	CreatedAt time.Time              `json:"created_at"`
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists snap. Saving the same sequence twice replaces the data.
func (s *SnapshotStore) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := MarshalPayload(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predict.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5, verified = FALSE`,
		uuid.New(), snap.Sequence, data, snapshotFormat, len(data), snap.CreatedAt,
	)
	return err
}

// LoadLatest returns the newest verified snapshot, or nil on a cold start.
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	var (
		data    []byte
		version int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM predict.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1`,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d not supported", version)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags the snapshot at sequence as safe to restore from.
func (s *SnapshotStore) MarkVerified(ctx context.Context, sequence int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE predict.snapshots SET verified = TRUE WHERE sequence = $1`, sequence)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no snapshot at sequence %d", sequence)
	}
	return nil
}

// LoadResultsFrom loads up to limit result log rows with sequence >= from.
func (s *SnapshotStore) LoadResultsFrom(ctx context.Context, from int64, limit int) ([]ResultRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_type, market_id, batch_id, payload, state_hash, prev_hash, timestamp
		FROM predict.result_log
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2`, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var (
			r       ResultRow
			batchID sql.NullInt64
		)
		if err := rows.Scan(&r.Sequence, &r.EventType, &r.MarketID, &batchID,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp); err != nil {
			return nil, err
		}
		if batchID.Valid {
			id := batchID.Int64
			r.BatchID = &id
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest sequence in the result log, 0 when
// empty.
func (s *SnapshotStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM predict.result_log`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// ChainBreak is a result log row whose prev hash does not match the state
// hash the market chain had reached.
type ChainBreak struct {
	Sequence int64
	MarketID string
}

// Envelope rebuilds the sealed envelope of a logged row.
func (r ResultRow) Envelope() (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", r.Sequence, err)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: hashes must be 32 bytes", r.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:  r.Sequence,
		EventType: et,
		MarketID:  r.MarketID,
		Timestamp: r.Timestamp,
		Payload:   r.Payload,
	}
	if r.BatchID != nil {
		env.BatchID = uint64(*r.BatchID)
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// VerifyChain walks rows in sequence order and reports every row whose
// PrevHash differs from the previous StateHash of the same market. heads
// seeds each market's chain (e.g. from a snapshot); markets without a head
// start from their first row.
func VerifyChain(rows []ResultRow, heads map[string][]byte) []ChainBreak {
	last := make(map[string][]byte, len(heads))
	for m, h := range heads {
		last[m] = h
	}
	var breaks []ChainBreak
	for _, r := range rows {
		if prev, ok := last[r.MarketID]; ok && !bytes.Equal(prev, r.PrevHash) {
			breaks = append(breaks, ChainBreak{Sequence: r.Sequence, MarketID: r.MarketID})
		}
		last[r.MarketID] = r.StateHash
	}
	return breaks
}
