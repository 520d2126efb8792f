package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"sitecontrol/api/internal/control"
)

// insufficient_privilege
const pgCodePermissionDenied = "42501"

// PostgresStore is the remote authoritative store. Controls live in one table,
// partitioned by company, project and collection (completed or drafts).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) WriteCompleted(ctx context.Context, scope Scope, item control.Control) error {
	return s.write(ctx, scope, collectionCompleted, item)
}

func (s *PostgresStore) WriteDraft(ctx context.Context, scope Scope, item control.Control) error {
	return s.write(ctx, scope, collectionDrafts, item)
}

func (s *PostgresStore) ListCompleted(ctx context.Context, scope Scope) ([]control.Control, error) {
	return s.list(ctx, scope, collectionCompleted)
}

func (s *PostgresStore) ListDrafts(ctx context.Context, scope Scope) ([]control.Control, error) {
	return s.list(ctx, scope, collectionDrafts)
}

func (s *PostgresStore) DeleteCompleted(ctx context.Context, scope Scope, id string) error {
	return s.delete(ctx, scope, collectionCompleted, id)
}

func (s *PostgresStore) DeleteDraft(ctx context.Context, scope Scope, id string) error {
	return s.delete(ctx, scope, collectionDrafts, id)
}

func (s *PostgresStore) write(ctx context.Context, scope Scope, collection string, item control.Control) error {
	if err := scope.validate(); err != nil {
		return err
	}
	if item.ID == "" {
		return fmt.Errorf("write %s control: missing id", collection)
	}
	item.IsDraft = false
	savedAt := item.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal control: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO controls (company_id, project_id, collection, id, control_type, payload, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (company_id, collection, id) DO UPDATE SET
			control_type = EXCLUDED.control_type,
			payload = EXCLUDED.payload,
			saved_at = EXCLUDED.saved_at,
			updated_at = NOW()
		WHERE controls.project_id = EXCLUDED.project_id
	`, scope.CompanyID, scope.ProjectID, collection, item.ID, string(item.Type), string(payload), savedAt)
	if err != nil {
		return classify(fmt.Errorf("write %s control: %w", collection, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write %s control: %w", collection, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrProjectConflict, item.ID)
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, scope Scope, collection string) ([]control.Control, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM controls
		WHERE company_id = $1 AND project_id = $2 AND collection = $3
		ORDER BY saved_at DESC
	`, scope.CompanyID, scope.ProjectID, collection)
	if err != nil {
		return nil, classify(fmt.Errorf("list %s controls: %w", collection, err))
	}
	defer rows.Close()

	items := make([]control.Control, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan control: %w", err)
		}
		var item control.Control
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, fmt.Errorf("decode control: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate controls: %w", err))
	}
	return items, nil
}

func (s *PostgresStore) delete(ctx context.Context, scope Scope, collection, id string) error {
	if err := scope.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM controls
		WHERE company_id = $1 AND project_id = $2 AND collection = $3 AND id = $4
	`, scope.CompanyID, scope.ProjectID, collection, id)
	if err != nil {
		return classify(fmt.Errorf("delete %s control: %w", collection, err))
	}
	return nil
}

// classify tags permission failures so callers can tell them apart; every
// other failure stays opaque.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCodePermissionDenied {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return err
}
