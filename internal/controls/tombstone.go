package controls

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/store"
)

// A tombstone hides one remote collection's copy of an id whose remote delete
// failed. It is stored as a minimal control whose Status names the collection.
type tombstoneKey struct {
	id     string
	status control.Status
}

// tombstoneSet maps each tombstone to its project id.
type tombstoneSet map[tombstoneKey]string

func (t tombstoneSet) hides(c control.Control, status control.Status) bool {
	_, ok := t[tombstoneKey{id: c.ID, status: status}]
	return ok
}

func tombstone(id, projectID string, status control.Status, at time.Time) control.Control {
	return control.Control{
		ID:        id,
		ProjectID: projectID,
		Status:    status,
		SavedAt:   at,
	}
}

func (s *Service) addTombstone(ctx context.Context, companyID, id, projectID string, status control.Status) error {
	entry := tombstone(id, projectID, status, s.stamp())
	return s.local.Update(ctx, cache.Tombstones.For(companyID), func(current []control.Control) ([]control.Control, error) {
		next := make([]control.Control, 0, len(current)+1)
		for _, c := range current {
			if c.ID == id && c.Status == status {
				continue
			}
			next = append(next, c)
		}
		return append(next, entry), nil
	})
}

// clearTombstone removes the tombstone for id in the given collection. The
// collection is only rewritten when such a tombstone exists.
func (s *Service) clearTombstone(ctx context.Context, companyID, id string, status control.Status) error {
	collection := cache.Tombstones.For(companyID)
	current, err := s.local.GetAll(ctx, collection)
	if err != nil {
		return err
	}
	found := false
	for _, c := range current {
		if c.ID == id && c.Status == status {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	return s.local.Update(ctx, collection, func(current []control.Control) ([]control.Control, error) {
		next := make([]control.Control, 0, len(current))
		for _, c := range current {
			if c.ID == id && c.Status == status {
				continue
			}
			next = append(next, c)
		}
		return next, nil
	})
}

func (s *Service) loadTombstones(ctx context.Context, companyID string) tombstoneSet {
	set := tombstoneSet{}
	current, err := s.local.GetAll(ctx, cache.Tombstones.For(companyID))
	if err != nil {
		s.logger.Warn("controls: read tombstones", zap.Error(err))
		return set
	}
	for _, c := range current {
		set[tombstoneKey{id: c.ID, status: c.Status}] = c.ProjectID
	}
	return set
}

// pruneTombstones drops tombstones of the scope's project for the given collection
// whose id no longer exists remotely. present must be the complete remote
// listing of that collection.
func (s *Service) pruneTombstones(ctx context.Context, scope store.Scope, status control.Status, present map[string]bool, set tombstoneSet) {
	projectID := scope.ProjectID
	stale := false
	for key, project := range set {
		if project == projectID && key.status == status && !present[key.id] {
			stale = true
			break
		}
	}
	if !stale {
		return
	}
	err := s.local.Update(ctx, cache.Tombstones.For(scope.CompanyID), func(current []control.Control) ([]control.Control, error) {
		next := make([]control.Control, 0, len(current))
		for _, c := range current {
			if c.ProjectID == projectID && c.Status == status && !present[c.ID] {
				continue
			}
			next = append(next, c)
		}
		return next, nil
	})
	if err != nil {
		s.metrics.RecordSwallowed("tombstone_prune")
		s.logger.Warn("controls: prune tombstones", zap.String("project_id", projectID), zap.Error(err))
	}
}
