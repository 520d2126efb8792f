package controls

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/store"
)

// DeleteResult reports the best-effort half of a deletion.
type DeleteResult struct {
	// RemoteErr is why the remote delete failed. The deletion still counts.
	RemoteErr error
	// Tombstoned is true when the surviving remote copy is hidden locally.
	Tombstoned bool
}

// Delete removes c from the local collection its IsDraft flag names, then
// asks the remote store to delete it. Deletion is complete once the local
// side succeeds; when the remote delete fails the id is tombstoned so the
// remote copy does not reappear in LoadControls.
func (s *Service) Delete(ctx context.Context, scope store.Scope, c control.Control) (DeleteResult, error) {
	var result DeleteResult
	if scope.CompanyID == "" {
		return result, ErrMissingCompany
	}
	if c.ID == "" {
		return result, ErrMissingID
	}
	projectID := c.ProjectID
	if projectID == "" {
		projectID = scope.ProjectID
	}

	unlock := s.locks.Lock(lockKey(scope, c.ID))
	defer unlock()

	logger := s.logger.With(zap.String("control_id", c.ID), zap.Bool("draft", c.IsDraft))

	collection, status, remoteDelete := cache.Completed.For(scope.CompanyID), control.StatusCompleted, s.remote.DeleteCompleted
	if c.IsDraft {
		collection, status, remoteDelete = cache.Drafts.For(scope.CompanyID), control.StatusDraft, s.remote.DeleteDraft
	}

	key := identity{id: c.ID}
	if err := s.local.Update(ctx, collection, without(key)); err != nil {
		return result, fmt.Errorf("%w: delete %s from %s: %w", ErrLocalStore, c.ID, collection, err)
	}

	if err := remoteDelete(ctx, scope, c.ID); errors.Is(err, ErrRemoteUnavailable) {
		result.RemoteErr = err
	} else if err != nil {
		result.RemoteErr = err
		s.metrics.RecordSwallowed("remote_delete")
		logger.Warn("controls: remote delete failed, tombstoning", zap.Error(err))
		if err := s.addTombstone(ctx, scope.CompanyID, c.ID, projectID, status); err != nil {
			return result, fmt.Errorf("%w: tombstone %s: %w", ErrLocalStore, c.ID, err)
		}
		result.Tombstoned = true
	}

	if !c.IsDraft {
		s.index.RemoveControl(c.ID)
	}
	logger.Info("controls: deleted", zap.Bool("tombstoned", result.Tombstoned))
	return result, nil
}
