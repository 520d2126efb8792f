package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sitecontrol/api/internal/control"
)

// SQLiteStore keeps collections in an embedded database file. Writers go through
// a process-local mutex and a revision compare-and-swap, so another process
// sharing the file cannot silently overwrite a newer collection either.
type SQLiteStore struct {
	db          *sql.DB
	mu          sync.Mutex
	maxAttempts int
	logger      *zap.Logger
}

// OpenSQLite opens (and if needed creates) the cache database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	for _, stmt := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS cache_collections (
			name       TEXT PRIMARY KEY,
			revision   INTEGER NOT NULL,
			payload    BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare sqlite cache: %w", err)
		}
	}

	return &SQLiteStore{db: db, maxAttempts: defaultMaxAttempts, logger: orNop(logger)}, nil
}

func (s *SQLiteStore) read(ctx context.Context, collection Collection) ([]control.Control, int64, error) {
	var (
		payload  []byte
		revision int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, revision FROM cache_collections WHERE name = ?`,
		string(collection),
	).Scan(&payload, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return []control.Control{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", collection, err)
	}
	return decode(s.logger, collection, payload), revision, nil
}

// GetAll reads a whole collection.
func (s *SQLiteStore) GetAll(ctx context.Context, collection Collection) ([]control.Control, error) {
	items, _, err := s.read(ctx, collection)
	return items, err
}

// PutAll replaces a whole collection unconditionally.
func (s *SQLiteStore) PutAll(ctx context.Context, collection Collection, items []control.Control) error {
	payload, err := encode(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_collections (name, revision, payload, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			revision = cache_collections.revision + 1,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, string(collection), payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write %s: %w", collection, err)
	}
	return nil
}

// Update applies fn and writes the result only if the revision it read is still current.
func (s *SQLiteStore) Update(ctx context.Context, collection Collection, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, revision, err := s.read(ctx, collection)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		payload, err := encode(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", collection, err)
		}

		swapped, err := s.compareAndSwap(ctx, collection, revision, payload)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		s.logger.Debug("cache: revision moved, retrying",
			zap.String("collection", string(collection)),
			zap.Int64("revision", revision),
			zap.Int("attempt", attempt))
	}
	return fmt.Errorf("%w: %s", ErrConflict, collection)
}

func (s *SQLiteStore) compareAndSwap(ctx context.Context, collection Collection, revision int64, payload []byte) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var (
		result sql.Result
		err    error
	)
	if revision == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO cache_collections (name, revision, payload, updated_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT (name) DO NOTHING
		`, string(collection), payload, now)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE cache_collections
			SET revision = revision + 1, payload = ?, updated_at = ?
			WHERE name = ? AND revision = ?
		`, payload, now, string(collection), revision)
	}
	if err != nil {
		return false, fmt.Errorf("write %s: %w", collection, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write %s: %w", collection, err)
	}
	return affected == 1, nil
}

// Revision returns the current revision counter of a collection (0 if it was never written).
func (s *SQLiteStore) Revision(ctx context.Context, collection Collection) (int64, error) {
	_, revision, err := s.read(ctx, collection)
	return revision, err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
