// Package controls coordinates the two control stores: writes go to the remote
// store with a local fallback, reads merge both into one deduplicated listing,
// and deletions are propagated to each store that may hold the record.
package controls

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/metrics"
	"sitecontrol/api/internal/store"
	"sitecontrol/api/internal/util"
)

var (
	// ErrLocalStore wraps every local cache failure. It is the only write-path
	// failure that reaches the caller.
	ErrLocalStore        = errors.New("local store failure")
	ErrMissingProject    = errors.New("control has no project")
	ErrMissingCompany    = errors.New("scope has no company")
	ErrProjectMismatch   = errors.New("control belongs to another project")
	ErrInvalidKind       = errors.New("unknown control type")
	ErrInvalidControl    = errors.New("control cannot be encoded")
	ErrStatusTransition  = errors.New("a completed control cannot become a draft")
	ErrMissingID         = errors.New("control has no id")
	ErrNotFound          = errors.New("control not found")
	ErrRemoteUnavailable = errors.New("remote store not configured")
	// ErrPermissionDenied is returned by read paths that must not degrade
	// silently, such as the admin list.
	ErrPermissionDenied = store.ErrPermissionDenied
)

// RemoteStore is the authoritative per-project document store. Any error is
// treated as "did not happen", except store.ErrPermissionDenied, which reads
// report, and store.ErrProjectConflict, which fails a write outright.
type RemoteStore interface {
	WriteCompleted(ctx context.Context, scope store.Scope, c control.Control) error
	WriteDraft(ctx context.Context, scope store.Scope, c control.Control) error
	ListCompleted(ctx context.Context, scope store.Scope) ([]control.Control, error)
	ListDrafts(ctx context.Context, scope store.Scope) ([]control.Control, error)
	DeleteCompleted(ctx context.Context, scope store.Scope, id string) error
	DeleteDraft(ctx context.Context, scope store.Scope, id string) error
}

// Indexer receives completed controls for search. Calls must not block.
type Indexer interface {
	IndexControl(companyID string, c control.Control)
	RemoveControl(id string)
}

// Service is the persistence coordinator, reconciliation engine and deletion
// propagator.
type Service struct {
	local   cache.Store
	remote  RemoteStore
	index   Indexer
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
	locks   *keyedMutex
}

type Option func(*Service)

func WithIndexer(index Indexer) Option {
	return func(s *Service) { s.index = index }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService wires the coordinator. remote may be nil, in which case every
// write falls back to the local cache and reads serve the local view only.
func NewService(local cache.Store, remote RemoteStore, opts ...Option) *Service {
	s := &Service{
		local:  local,
		remote: remote,
		index:  nopIndexer{},
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  func() string { return util.NewID("") },
		locks:  newKeyedMutex(),
	}
	if remote == nil {
		s.remote = offlineRemote{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports whether the local cache is usable. The remote store is not
// required for the service to function.
func (s *Service) Ping(ctx context.Context) error {
	return s.local.Ping(ctx)
}

type nopIndexer struct{}

func (nopIndexer) IndexControl(string, control.Control) {}
func (nopIndexer) RemoveControl(string)                 {}

type offlineRemote struct{}

func (offlineRemote) WriteCompleted(context.Context, store.Scope, control.Control) error {
	return ErrRemoteUnavailable
}
func (offlineRemote) WriteDraft(context.Context, store.Scope, control.Control) error {
	return ErrRemoteUnavailable
}
func (offlineRemote) ListCompleted(context.Context, store.Scope) ([]control.Control, error) {
	return nil, ErrRemoteUnavailable
}
func (offlineRemote) ListDrafts(context.Context, store.Scope) ([]control.Control, error) {
	return nil, ErrRemoteUnavailable
}
func (offlineRemote) DeleteCompleted(context.Context, store.Scope, string) error {
	return ErrRemoteUnavailable
}
func (offlineRemote) DeleteDraft(context.Context, store.Scope, string) error {
	return ErrRemoteUnavailable
}
