package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// migrationLockID keys the advisory lock held while migrations run, so two
// instances starting together do not apply the same file twice.
const migrationLockID = 0x5c0e7701

var (
	migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

	ErrBadMigrations = errors.New("invalid migrations directory")
)

// Migration is one NNNN_name pair from the migrations directory. Version is
// the up file's base name, which is what schema_migrations records.
type Migration struct {
	Version string
	Number  string
	Up      string
	Down    string
}

// LoadMigrations pairs the *.up.sql and *.down.sql files of dir and returns
// them in ascending order. Every number must have exactly one of each.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byNumber := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		number, direction := match[1], match[3]
		m := byNumber[number]
		if m == nil {
			m = &Migration{Number: number}
			byNumber[number] = m
		}
		path := filepath.Join(dir, entry.Name())
		switch {
		case direction == "up" && m.Up == "":
			m.Up, m.Version = path, entry.Name()
		case direction == "down" && m.Down == "":
			m.Down = path
		default:
			return nil, fmt.Errorf("%w: duplicate %s file for %s", ErrBadMigrations, direction, number)
		}
	}

	out := make([]Migration, 0, len(byNumber))
	for number, m := range byNumber {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("%w: %s needs both up and down files", ErrBadMigrations, number)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ApplyMigrations runs every migration of migrationsDir not yet recorded in
// schema_migrations, each in its own transaction, and returns the versions
// it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	applied := []string{}
	err = withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range migrations {
			if done[m.Version] {
				continue
			}
			if err := runFile(ctx, conn, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version); err != nil {
				return fmt.Errorf("migration %s: %w", m.Version, err)
			}
			logger.Info("store: migration applied", zap.String("version", m.Version))
			applied = append(applied, m.Version)
		}
		return nil
	})
	return applied, err
}

// RollbackMigrations reverts the newest steps applied migrations and returns
// the versions it reverted, newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	reverted := []string{}
	err = withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(migrations) - 1; i >= 0 && len(reverted) < steps; i-- {
			m := migrations[i]
			if !done[m.Version] {
				continue
			}
			if err := runFile(ctx, conn, m.Down, `DELETE FROM schema_migrations WHERE version = $1`, m.Version); err != nil {
				return fmt.Errorf("rollback %s: %w", m.Version, err)
			}
			logger.Info("store: migration reverted", zap.String("version", m.Version))
			reverted = append(reverted, m.Version)
		}
		return nil
	})
	return reverted, err
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(*sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn)
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	done := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		done[version] = true
	}
	return done, rows.Err()
}

// runFile executes the SQL in path and the bookkeeping statement in one
// transaction.
func runFile(ctx context.Context, conn *sql.Conn, path, bookkeeping, version string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if body := strings.TrimSpace(string(contents)); body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return err
	}
	return tx.Commit()
}
