package controls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/store"
)

// Destination names the store that accepted a write.
type Destination string

const (
	DestinationRemote Destination = "remote"
	DestinationLocal  Destination = "local"
)

// SaveResult describes where a save landed and which best-effort steps
// failed along the way. None of the errors here failed the save.
type SaveResult struct {
	Control     control.Control
	Destination Destination
	// RemoteErr is why the remote write was rejected when Destination is local.
	RemoteErr error
	// StaleLocalErr is set when an older local copy could not be dropped after
	// a successful remote write.
	StaleLocalErr error
	// Retirement is only populated by SaveCompleted.
	Retirement Retirement
}

// Retirement reports the two independent draft removals that follow a
// completed save.
type Retirement struct {
	LocalErr  error
	RemoteErr error
}

// identity is how a save finds earlier copies of the same record: by id, or
// for legacy entries stored without one, by (projectId, type, savedAt).
type identity struct {
	id            string
	projectID     string
	kind          control.Kind
	legacy        bool
	legacySavedAt time.Time
}

func (k identity) matches(c control.Control) bool {
	if c.ID != "" {
		return c.ID == k.id
	}
	return k.legacy &&
		c.ProjectID == k.projectID &&
		c.Type == k.kind &&
		c.SavedAt.Equal(k.legacySavedAt)
}

func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *Service) prepare(scope store.Scope, c control.Control, status control.Status) (control.Control, identity, error) {
	if scope.CompanyID == "" {
		return c, identity{}, ErrMissingCompany
	}
	c, err := c.Normalized()
	if err != nil {
		return c, identity{}, fmt.Errorf("%w: %w", ErrInvalidControl, err)
	}
	if c.ProjectID == "" {
		c.ProjectID = scope.ProjectID
	}
	if c.ProjectID == "" {
		return c, identity{}, ErrMissingProject
	}
	if scope.ProjectID != "" && c.ProjectID != scope.ProjectID {
		return c, identity{}, fmt.Errorf("%w: %s is not %s", ErrProjectMismatch, c.ProjectID, scope.ProjectID)
	}
	if !c.Type.Valid() {
		return c, identity{}, fmt.Errorf("%w: %q", ErrInvalidKind, c.Type)
	}
	if status == control.StatusDraft && c.Status == control.StatusCompleted {
		return c, identity{}, ErrStatusTransition
	}

	key := identity{projectID: c.ProjectID, kind: c.Type}
	if c.ID == "" {
		c.ID = s.newID()
		key.legacy = true
		key.legacySavedAt = c.SavedAt
	}
	key.id = c.ID

	c.Status = status
	c.IsDraft = false
	c.SavedAt = s.stamp()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.SavedAt
	}
	if c.Project.ID == "" {
		c.Project.ID = c.ProjectID
	}
	return c, key, nil
}

// SaveCompleted makes c durably visible as a completed control and retires
// any draft with the same identity. Only local cache failures, invalid input
// and an id owned by another project are returned as errors; any other
// rejected remote write falls back to the local cache.
func (s *Service) SaveCompleted(ctx context.Context, scope store.Scope, c control.Control) (SaveResult, error) {
	c, key, err := s.prepare(scope, c, control.StatusCompleted)
	if err != nil {
		return SaveResult{}, err
	}
	unlock := s.locks.Lock(lockKey(scope, c.ID))
	defer unlock()

	logger := s.logger.With(zap.String("control_id", c.ID), zap.String("project_id", c.ProjectID))
	result := SaveResult{Control: c}

	if err := s.clearTombstone(ctx, scope.CompanyID, c.ID, control.StatusCompleted); err != nil {
		s.metrics.RecordSave("completed", "failed")
		return result, fmt.Errorf("%w: clear tombstone for %s: %w", ErrLocalStore, c.ID, err)
	}

	if err := s.remote.WriteCompleted(ctx, scope, c); errors.Is(err, store.ErrProjectConflict) {
		s.metrics.RecordSave("completed", "failed")
		return result, fmt.Errorf("%w: %w", ErrProjectMismatch, err)
	} else if err != nil {
		result.RemoteErr = err
		logger.Warn("controls: remote completed write failed, using local cache", zap.Error(err))
		if err := s.local.Update(ctx, cache.Completed.For(scope.CompanyID), upsertAppend(key, c)); err != nil {
			s.metrics.RecordSave("completed", "failed")
			logger.Error("controls: local completed write failed", zap.Error(err))
			return result, fmt.Errorf("%w: save completed %s: %w", ErrLocalStore, c.ID, err)
		}
		result.Destination = DestinationLocal
	} else {
		result.Destination = DestinationRemote
		if err := s.local.Update(ctx, cache.Completed.For(scope.CompanyID), without(key)); err != nil {
			result.StaleLocalErr = err
			s.metrics.RecordSwallowed("stale_local")
			logger.Warn("controls: drop stale local completed copy", zap.Error(err))
		}
	}
	s.metrics.RecordSave("completed", string(result.Destination))

	result.Retirement = s.retireDraft(ctx, scope, key, logger)
	s.index.IndexControl(scope.CompanyID, c)

	logger.Info("controls: completed saved", zap.String("destination", string(result.Destination)))
	return result, nil
}

// retireDraft removes the draft copies of key from both stores. Both
// attempts run regardless of the other's outcome and neither fails the save.
// A remote draft that survives is tombstoned so it stays out of reads.
func (s *Service) retireDraft(ctx context.Context, scope store.Scope, key identity, logger *zap.Logger) Retirement {
	var r Retirement
	if err := s.local.Update(ctx, cache.Drafts.For(scope.CompanyID), without(key)); err != nil {
		r.LocalErr = err
		s.metrics.RecordSwallowed("retire_local")
		logger.Warn("controls: retire local draft", zap.Error(err))
	}
	if err := s.remote.DeleteDraft(ctx, scope, key.id); err != nil {
		r.RemoteErr = err
		if errors.Is(err, ErrRemoteUnavailable) {
			return r
		}
		s.metrics.RecordSwallowed("retire_remote")
		logger.Warn("controls: retire remote draft", zap.Error(err))
		if err := s.addTombstone(ctx, scope.CompanyID, key.id, key.projectID, control.StatusDraft); err != nil {
			logger.Warn("controls: tombstone remote draft", zap.Error(err))
		}
	}
	return r
}

// SaveDraft upserts c as a draft: remote first, local cache on failure. An id
// that is already completed in either store is rejected, since completion is
// one-directional.
func (s *Service) SaveDraft(ctx context.Context, scope store.Scope, c control.Control) (SaveResult, error) {
	c, key, err := s.prepare(scope, c, control.StatusDraft)
	if err != nil {
		return SaveResult{}, err
	}
	unlock := s.locks.Lock(lockKey(scope, c.ID))
	defer unlock()

	logger := s.logger.With(zap.String("control_id", c.ID), zap.String("project_id", c.ProjectID))
	result := SaveResult{Control: c}

	if completed, err := s.isCompleted(ctx, scope, key); err != nil {
		return result, err
	} else if completed {
		return result, ErrStatusTransition
	}

	if err := s.clearTombstone(ctx, scope.CompanyID, c.ID, control.StatusDraft); err != nil {
		s.metrics.RecordSave("draft", "failed")
		return result, fmt.Errorf("%w: clear tombstone for %s: %w", ErrLocalStore, c.ID, err)
	}

	if err := s.remote.WriteDraft(ctx, scope, c); errors.Is(err, store.ErrProjectConflict) {
		s.metrics.RecordSave("draft", "failed")
		return result, fmt.Errorf("%w: %w", ErrProjectMismatch, err)
	} else if err != nil {
		result.RemoteErr = err
		logger.Warn("controls: remote draft write failed, using local cache", zap.Error(err))
		if err := s.local.Update(ctx, cache.Drafts.For(scope.CompanyID), upsertInPlace(key, c)); err != nil {
			s.metrics.RecordSave("draft", "failed")
			logger.Error("controls: local draft write failed", zap.Error(err))
			return result, fmt.Errorf("%w: save draft %s: %w", ErrLocalStore, c.ID, err)
		}
		result.Destination = DestinationLocal
	} else {
		result.Destination = DestinationRemote
		if err := s.local.Update(ctx, cache.Drafts.For(scope.CompanyID), without(key)); err != nil {
			result.StaleLocalErr = err
			s.metrics.RecordSwallowed("stale_local")
			logger.Warn("controls: drop stale local draft copy", zap.Error(err))
		}
	}
	s.metrics.RecordSave("draft", string(result.Destination))

	logger.Debug("controls: draft saved", zap.String("destination", string(result.Destination)))
	return result, nil
}

// isCompleted looks for key in the local completed collection and, when
// reachable, the remote one. A remote failure counts as "not found".
func (s *Service) isCompleted(ctx context.Context, scope store.Scope, key identity) (bool, error) {
	local, err := s.local.GetAll(ctx, cache.Completed.For(scope.CompanyID))
	if err != nil {
		return false, fmt.Errorf("%w: read completed: %w", ErrLocalStore, err)
	}
	for _, c := range local {
		if c.ID == key.id {
			return true, nil
		}
	}
	remote, err := s.remote.ListCompleted(ctx, scope)
	if err != nil {
		return false, nil
	}
	for _, c := range remote {
		if c.ID == key.id {
			return true, nil
		}
	}
	return false, nil
}

// upsertAppend removes every copy of key and appends c.
func upsertAppend(key identity, c control.Control) cache.UpdateFunc {
	return func(current []control.Control) ([]control.Control, error) {
		next := make([]control.Control, 0, len(current)+1)
		for _, item := range current {
			if !key.matches(item) {
				next = append(next, item)
			}
		}
		return append(next, c), nil
	}
}

// upsertInPlace replaces the first copy of key with c, drops any further
// copies, and appends c when there was none.
func upsertInPlace(key identity, c control.Control) cache.UpdateFunc {
	return func(current []control.Control) ([]control.Control, error) {
		next := make([]control.Control, 0, len(current)+1)
		replaced := false
		for _, item := range current {
			if !key.matches(item) {
				next = append(next, item)
				continue
			}
			if !replaced {
				next = append(next, c)
				replaced = true
			}
		}
		if !replaced {
			next = append(next, c)
		}
		return next, nil
	}
}

func without(key identity) cache.UpdateFunc {
	return func(current []control.Control) ([]control.Control, error) {
		next := make([]control.Control, 0, len(current))
		for _, item := range current {
			if !key.matches(item) {
				next = append(next, item)
			}
		}
		return next, nil
	}
}
