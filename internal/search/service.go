package search

import (
	"context"

	"go.uber.org/zap"

	"sitecontrol/api/internal/control"
)

// backend is the write side of the Meilisearch index.
type backend interface {
	Searcher
	IndexControl(ControlRecord) error
	DeleteControl(id string) error
	IndexControls([]ControlRecord) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    backend
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; fallback may be nil when there is no Postgres.
func NewService(meili *Meili, fallback *PgFTS, logger *zap.Logger) *Service {
	s := &Service{logger: logger}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if meili != nil {
		s.meili = meili
	}
	if fallback != nil {
		s.fallback = fallback
	}
	return s
}

func (s *Service) primary() backend {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if m := s.primary(); m != nil {
		results, total, err := m.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search: meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Error("search: pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexControl indexes a completed control (fire-and-forget to Meilisearch).
func (s *Service) IndexControl(companyID string, c control.Control) {
	m := s.primary()
	if m == nil {
		return
	}
	record := RecordFromControl(companyID, c)
	go func() {
		if err := m.IndexControl(record); err != nil {
			s.logger.Warn("search: index control", zap.String("control_id", record.ID), zap.Error(err))
		}
	}()
}

// RemoveControl removes a control from the search index (fire-and-forget).
func (s *Service) RemoveControl(id string) {
	m := s.primary()
	if m == nil {
		return
	}
	go func() {
		if err := m.DeleteControl(id); err != nil {
			s.logger.Warn("search: delete control", zap.String("control_id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every completed control from PostgreSQL into
// Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	m := s.primary()
	pg, ok := s.fallback.(*PgFTS)
	if m == nil || !ok || pg == nil {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("search: reindex load failed", zap.Error(err))
		return
	}
	if err := m.IndexControls(records); err != nil {
		s.logger.Error("search: reindex controls", zap.Error(err))
		return
	}
	s.logger.Info("search: reindexed controls", zap.Int("count", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
