package controls

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/metrics"
	"sitecontrol/api/internal/store"
)

var errUnreachable = errors.New("remote unreachable")

// fakeRemote is an in-memory remote store with per-operation failure switches.
type fakeRemote struct {
	mu        sync.Mutex
	completed map[string]control.Control
	drafts    map[string]control.Control

	failWrites  bool
	failLists   bool
	failDeletes bool
	listErr     error
	writeErr    error

	deleteCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{completed: map[string]control.Control{}, drafts: map[string]control.Control{}}
}

func (f *fakeRemote) WriteCompleted(_ context.Context, _ store.Scope, c control.Control) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.failWrites {
		return errUnreachable
	}
	f.completed[c.ID] = c
	return nil
}

func (f *fakeRemote) WriteDraft(_ context.Context, _ store.Scope, c control.Control) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.failWrites {
		return errUnreachable
	}
	f.drafts[c.ID] = c
	return nil
}

func (f *fakeRemote) list(src map[string]control.Control, scope store.Scope) ([]control.Control, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.failLists {
		return nil, errUnreachable
	}
	out := []control.Control{}
	for _, c := range src {
		if c.ProjectID == scope.ProjectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRemote) ListCompleted(_ context.Context, scope store.Scope) ([]control.Control, error) {
	return f.list(f.completed, scope)
}

func (f *fakeRemote) ListDrafts(_ context.Context, scope store.Scope) ([]control.Control, error) {
	return f.list(f.drafts, scope)
}

func (f *fakeRemote) DeleteCompleted(_ context.Context, _ store.Scope, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.failDeletes {
		return errUnreachable
	}
	delete(f.completed, id)
	return nil
}

func (f *fakeRemote) DeleteDraft(_ context.Context, _ store.Scope, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.failDeletes {
		return errUnreachable
	}
	delete(f.drafts, id)
	return nil
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// failingCache wraps a real store and fails writes to selected collections.
type failingCache struct {
	cache.Store
	failUpdate map[cache.Collection]bool
	failGet    bool
}

var errDiskFull = errors.New("disk full")

func (f *failingCache) Update(ctx context.Context, collection cache.Collection, fn cache.UpdateFunc) error {
	if f.failUpdate[collection] {
		return errDiskFull
	}
	return f.Store.Update(ctx, collection, fn)
}

func (f *failingCache) GetAll(ctx context.Context, collection cache.Collection) ([]control.Control, error) {
	if f.failGet {
		return nil, errDiskFull
	}
	return f.Store.GetAll(ctx, collection)
}

type recordingIndexer struct {
	mu      sync.Mutex
	indexed []string
	removed []string
}

func (r *recordingIndexer) IndexControl(_ string, c control.Control) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, c.ID)
}

func (r *recordingIndexer) RemoveControl(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

type fixture struct {
	svc     *Service
	local   cache.Store
	remote  *fakeRemote
	index   *recordingIndexer
	metrics *metrics.Metrics
	scope   store.Scope
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openLocal(t *testing.T) cache.Store {
	t.Helper()
	local, err := cache.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	return local
}

func newFixture(t *testing.T, local cache.Store) *fixture {
	t.Helper()
	if local == nil {
		local = openLocal(t)
	}
	f := &fixture{
		local:   local,
		remote:  newFakeRemote(),
		index:   &recordingIndexer{},
		metrics: metrics.New(prometheus.NewRegistry()),
		scope:   store.Scope{CompanyID: "acme", ProjectID: "P1"},
		clock:   &fakeClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(local, f.remote,
		WithIndexer(f.index),
		WithMetrics(f.metrics),
		WithLogger(zap.NewNop()),
		WithClock(f.clock.Now),
	)
	return f
}

func newControl(id string) control.Control {
	return control.Normalize(map[string]any{"id": id, "type": "Fuktmätning", "projectId": "P1"})
}

func (f *fixture) load(t *testing.T) Listing {
	t.Helper()
	listing, err := f.svc.LoadControls(context.Background(), f.scope)
	require.NoError(t, err)
	return listing
}

func entriesFor(listing Listing, id string) []control.Control {
	var out []control.Control
	for _, c := range listing.Controls {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out
}
