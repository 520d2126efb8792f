package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecontrol/api/internal/control"
)

func TestClassifyPermissionDenied(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42501", Message: "permission denied for table controls"}
	err := classify(fmt.Errorf("list completed controls: %w", pgErr))

	assert.ErrorIs(t, err, ErrPermissionDenied)
	var unwrapped *pgconn.PgError
	require.True(t, errors.As(err, &unwrapped))
	assert.Equal(t, "42501", unwrapped.Code)
}

func TestClassifyLeavesOtherFailuresOpaque(t *testing.T) {
	err := classify(&pgconn.PgError{Code: "08006"})
	assert.False(t, errors.Is(err, ErrPermissionDenied))

	plain := errors.New("connection refused")
	assert.Equal(t, plain, classify(plain))
}

func TestScopeValidate(t *testing.T) {
	assert.ErrorIs(t, Scope{ProjectID: "P1"}.validate(), ErrMissingScope)
	assert.ErrorIs(t, Scope{CompanyID: "acme", ProjectID: "  "}.validate(), ErrMissingScope)
	assert.NoError(t, Scope{CompanyID: "acme", ProjectID: "P1"}.validate())
}

func TestPostgresStoreRejectsMissingScopeWithoutQuerying(t *testing.T) {
	// A nil *sql.DB would panic if a query were attempted.
	s := NewPostgresStore(nil)
	ctx := context.Background()

	_, err := s.ListCompleted(ctx, Scope{CompanyID: "acme"})
	assert.ErrorIs(t, err, ErrMissingScope)
	assert.ErrorIs(t, s.WriteDraft(ctx, Scope{ProjectID: "P1"}, control.Control{ID: "a"}), ErrMissingScope)
	assert.ErrorIs(t, s.DeleteCompleted(ctx, Scope{}, "a"), ErrMissingScope)
}

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CONTROLS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CONTROLS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, resetPublicSchema(ctx, db))
	_, err = ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil)
	require.NoError(t, err)

	return NewPostgresStore(db)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	scope := Scope{CompanyID: "acme", ProjectID: "P1"}
	other := Scope{CompanyID: "globex", ProjectID: "P1"}

	older := control.Normalize(map[string]any{
		"id": "a1", "projectId": "P1", "type": "Fuktmätning", "status": "COMPLETED",
		"savedAt": "2024-03-01T10:00:00Z",
	})
	newer := control.Normalize(map[string]any{
		"id": "b2", "projectId": "P1", "type": "Skyddsrond", "status": "COMPLETED",
		"savedAt": "2024-03-02T10:00:00Z", "location": "Plan 3",
	})
	require.NoError(t, s.WriteCompleted(ctx, scope, older))
	require.NoError(t, s.WriteCompleted(ctx, scope, newer))

	items, err := s.ListCompleted(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b2", items[0].ID)
	assert.Equal(t, "Plan 3", items[0].Location)

	// Tenants never see each other's rows.
	foreign, err := s.ListCompleted(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, foreign)

	// Upsert replaces in place.
	newer.Location = "Plan 4"
	require.NoError(t, s.WriteCompleted(ctx, scope, newer))
	items, err = s.ListCompleted(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Plan 4", items[0].Location)

	drafts, err := s.ListDrafts(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, drafts)

	require.NoError(t, s.DeleteCompleted(ctx, scope, "a1"))
	items, err = s.ListCompleted(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b2", items[0].ID)
}

func TestPostgresStoreDraftsAreSeparateCollection(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	scope := Scope{CompanyID: "acme", ProjectID: "P1"}

	draft := control.Normalize(map[string]any{"id": "a1", "projectId": "P1", "type": "Fuktmätning"})
	require.NoError(t, s.WriteDraft(ctx, scope, draft))

	completed, err := s.ListCompleted(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, completed)

	drafts, err := s.ListDrafts(ctx, scope)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.False(t, drafts[0].IsDraft)

	require.NoError(t, s.DeleteDraft(ctx, scope, "a1"))
	drafts, err = s.ListDrafts(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestPostgresStoreKeepsProjectOnUpsert(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	scope := Scope{CompanyID: "acme", ProjectID: "P1"}
	moved := Scope{CompanyID: "acme", ProjectID: "P2"}

	original := control.Normalize(map[string]any{"id": "a1", "projectId": "P1", "type": "Fuktmätning", "location": "Plan 1"})
	require.NoError(t, s.WriteCompleted(ctx, scope, original))

	hijack := control.Normalize(map[string]any{"id": "a1", "projectId": "P2", "type": "Fuktmätning", "location": "Plan 9"})
	err := s.WriteCompleted(ctx, moved, hijack)
	assert.ErrorIs(t, err, ErrProjectConflict)

	items, err := s.ListCompleted(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Plan 1", items[0].Location)
	other, err := s.ListCompleted(ctx, moved)
	require.NoError(t, err)
	assert.Empty(t, other)
}
