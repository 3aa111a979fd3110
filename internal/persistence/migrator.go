package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// migrationLockKey serialises migrators across processes: the service runs
// Up at startup and cmd/migrate may run concurrently.
const migrationLockKey int64 = 0x70726564696374 // "predict"

// Migrator runs paired SQL migration files
// ({version}_{name}.up.sql / .down.sql) inside transactions.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

// MigrationStatus is one migration and its applied state. Drifted is set
// when the up file changed after it was applied.
type MigrationStatus struct {
	Version   string
	Filename  string
	Applied   bool
	AppliedAt time.Time
	Drifted   bool
}

type migration struct {
	version  string
	upFile   string
	downFile string
}

type appliedMigration struct {
	at       time.Time
	checksum string
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Up applies every pending migration in version order, one transaction
// each.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := m.load()
	if err != nil {
		return err
	}
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	for _, mg := range migrations {
		if _, ok := applied[mg.version]; ok {
			continue
		}
		body, err := os.ReadFile(filepath.Join(m.migrationsDir, mg.upFile))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", mg.upFile, err)
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("exec migration %s: %w", mg.upFile, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mg.version, mg.upFile, checksum(body))
			if err != nil {
				return fmt.Errorf("record migration %s: %w", mg.upFile, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.logger.Info().Str("version", mg.version).Str("file", mg.upFile).Msg("applied migration")
	}
	return nil
}

// Down rolls back the last steps applied migrations, newest first.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	if steps < 1 {
		return fmt.Errorf("steps must be >= 1, got %d", steps)
	}
	migrations, err := m.load()
	if err != nil {
		return err
	}
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	byVersion := make(map[string]migration, len(migrations))
	for _, mg := range migrations {
		byVersion[mg.version] = mg
	}
	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	if len(versions) == 0 {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if steps > len(versions) {
		steps = len(versions)
	}

	for _, v := range versions[:steps] {
		mg, ok := byVersion[v]
		if !ok {
			return fmt.Errorf("applied migration %s has no file in %s", v, m.migrationsDir)
		}
		body, err := os.ReadFile(filepath.Join(m.migrationsDir, mg.downFile))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", mg.downFile, err)
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("exec down migration %s: %w", mg.downFile, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, v); err != nil {
				return fmt.Errorf("remove migration record %s: %w", v, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.logger.Info().Str("version", v).Str("file", mg.downFile).Msg("rolled back migration")
	}
	return nil
}

// Status lists every migration on disk with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.load()
	if err != nil {
		return nil, err
	}
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mg := range migrations {
		st := MigrationStatus{Version: mg.version, Filename: mg.upFile}
		if a, ok := applied[mg.version]; ok {
			st.Applied = true
			st.AppliedAt = a.at
			if a.checksum != "" {
				body, err := os.ReadFile(filepath.Join(m.migrationsDir, mg.upFile))
				if err != nil {
					return nil, fmt.Errorf("read migration %s: %w", mg.upFile, err)
				}
				st.Drifted = checksum(body) != a.checksum
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// inTx runs fn in a transaction holding the migration advisory lock.
func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) applied(ctx context.Context) (map[string]appliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]appliedMigration)
	for rows.Next() {
		var (
			v string
			a appliedMigration
		)
		if err := rows.Scan(&v, &a.at, &a.checksum); err != nil {
			return nil, err
		}
		out[v] = a
	}
	return out, rows.Err()
}

// load pairs the up and down files in the migrations directory. A version
// without both halves, or with two files for the same half, is an error.
func (m *Migrator) load() ([]migration, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up = true
		case strings.HasSuffix(name, ".down.sql"):
		default:
			continue
		}
		v := extractVersion(name)
		mg := byVersion[v]
		if mg == nil {
			mg = &migration{version: v}
			byVersion[v] = mg
		}
		slot := &mg.downFile
		if up {
			slot = &mg.upFile
		}
		if *slot != "" {
			return nil, fmt.Errorf("migration %s: duplicate files %s and %s", v, *slot, name)
		}
		*slot = name
	}

	out := make([]migration, 0, len(byVersion))
	for v, mg := range byVersion {
		if mg.upFile == "" || mg.downFile == "" {
			return nil, fmt.Errorf("migration %s: missing up or down file", v)
		}
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// extractVersion returns the numeric prefix of a migration filename,
// "000001_result_log.up.sql" gives "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
