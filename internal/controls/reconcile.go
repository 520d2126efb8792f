package controls

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/store"
)

// Remote sources of a reconciled listing.
const (
	SourceRemoteCompleted = "remote_completed"
	SourceRemoteDrafts    = "remote_drafts"
)

// SourceFailure records a remote source that contributed nothing to a listing.
type SourceFailure struct {
	Source           string `json:"source"`
	PermissionDenied bool   `json:"permissionDenied"`
	Message          string `json:"message"`
	Err              error  `json:"-"`
}

// Listing is the reconciled view of one project.
type Listing struct {
	Controls []control.Control `json:"controls"`
	Degraded []SourceFailure   `json:"degraded"`
}

// LoadControls merges local drafts, local completed, remote completed and
// remote drafts for scope.ProjectID, in that order. Local collections are
// read from the scope's company only. The first entry seen for
// an id wins, so local copies shadow remote ones. Remote failures degrade the
// listing instead of failing it; only a local cache failure is returned.
// The result is ordered newest first by Control.Timestamp.
func (s *Service) LoadControls(ctx context.Context, scope store.Scope) (Listing, error) {
	listing := Listing{Controls: []control.Control{}, Degraded: []SourceFailure{}}
	if scope.CompanyID == "" {
		return listing, ErrMissingCompany
	}
	if scope.ProjectID == "" {
		return listing, ErrMissingProject
	}

	seen := map[string]bool{}
	add := func(c control.Control, draft bool) {
		if c.ID != "" && seen[c.ID] {
			return
		}
		seen[c.ID] = true
		c.IsDraft = draft
		listing.Controls = append(listing.Controls, c)
	}

	for _, source := range []struct {
		collection cache.Collection
		draft      bool
	}{
		{cache.Drafts.For(scope.CompanyID), true},
		{cache.Completed.For(scope.CompanyID), false},
	} {
		items, err := s.local.GetAll(ctx, source.collection)
		if err != nil {
			return listing, fmt.Errorf("%w: read %s: %w", ErrLocalStore, source.collection, err)
		}
		for _, c := range items {
			if c.ProjectID == scope.ProjectID {
				add(c, source.draft)
			}
		}
	}

	tombstones := s.loadTombstones(ctx, scope.CompanyID)
	for _, source := range []struct {
		name   string
		status control.Status
		draft  bool
		list   func(context.Context, store.Scope) ([]control.Control, error)
		delete func(context.Context, store.Scope, string) error
	}{
		{SourceRemoteCompleted, control.StatusCompleted, false, s.remote.ListCompleted, s.remote.DeleteCompleted},
		{SourceRemoteDrafts, control.StatusDraft, true, s.remote.ListDrafts, s.remote.DeleteDraft},
	} {
		items, err := source.list(ctx, scope)
		if err != nil {
			listing.Degraded = append(listing.Degraded, s.degraded(source.name, err))
			continue
		}
		present := make(map[string]bool, len(items))
		for _, c := range items {
			present[c.ID] = true
			if c.ProjectID != "" && c.ProjectID != scope.ProjectID {
				continue
			}
			if tombstones.hides(c, source.status) {
				// Deletion already happened locally; try the remote side again.
				if err := source.delete(ctx, scope, c.ID); err != nil {
					s.logger.Debug("controls: retry remote delete", zap.String("control_id", c.ID), zap.Error(err))
				}
				continue
			}
			add(c, source.draft)
		}
		s.pruneTombstones(ctx, scope, source.status, present, tombstones)
	}

	sort.SliceStable(listing.Controls, func(i, j int) bool {
		return listing.Controls[i].Timestamp().After(listing.Controls[j].Timestamp())
	})
	return listing, nil
}

func (s *Service) degraded(source string, err error) SourceFailure {
	s.metrics.RecordDegraded(source)
	failure := SourceFailure{Source: source, Err: err, Message: "remote store unavailable"}
	if errors.Is(err, store.ErrPermissionDenied) {
		failure.PermissionDenied = true
		failure.Message = "permission denied by remote store"
	}
	if !errors.Is(err, ErrRemoteUnavailable) {
		s.logger.Warn("controls: remote source degraded", zap.String("source", source), zap.Error(err))
	}
	return failure
}

// FindControl returns the reconciled entry for id.
func (s *Service) FindControl(ctx context.Context, scope store.Scope, id string) (control.Control, error) {
	listing, err := s.LoadControls(ctx, scope)
	if err != nil {
		return control.Control{}, err
	}
	for _, c := range listing.Controls {
		if c.ID == id {
			return c, nil
		}
	}
	return control.Control{}, ErrNotFound
}

// ListRemoteCompleted returns the remote completed collection only. Unlike
// LoadControls it does not degrade: the caller expects to see this list, so a
// refusal is returned as ErrPermissionDenied.
func (s *Service) ListRemoteCompleted(ctx context.Context, scope store.Scope) ([]control.Control, error) {
	if scope.ProjectID == "" {
		return nil, ErrMissingProject
	}
	items, err := s.remote.ListCompleted(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list remote completed: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp().After(items[j].Timestamp())
	})
	return items, nil
}
