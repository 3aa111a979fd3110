package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresCommitmentChecker is the durable tier of commitment dedup. It
// answers for hashes that have left the in-memory LRU, e.g. after a
// restart.
type PostgresCommitmentChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresCommitmentChecker(db *sql.DB) *PostgresCommitmentChecker {
	return &PostgresCommitmentChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsKnownCommitment reports whether hash (0x hex) was already consumed.
func (c *PostgresCommitmentChecker) IsKnownCommitment(hash string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM predict.consumed_commitments WHERE commitment_hash = $1 LIMIT 1`,
		hash,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentCommitments returns up to limit of the most recently consumed
// hashes, oldest first, for warming the in-memory LRU on startup.
func (c *PostgresCommitmentChecker) RecentCommitments(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT commitment_hash FROM predict.consumed_commitments ORDER BY consumed_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
