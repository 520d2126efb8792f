package search

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sitecontrol/api/internal/control"
)

type fakeBackend struct {
	healthy   bool
	results   []Result
	searchErr error
	indexed   chan ControlRecord
	deleted   chan string
	indexErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{healthy: true, indexed: make(chan ControlRecord, 4), deleted: make(chan string, 4)}
}

func (f *fakeBackend) Search(Query) ([]Result, int, error) {
	return f.results, len(f.results), f.searchErr
}
func (f *fakeBackend) Healthy() bool { return f.healthy }
func (f *fakeBackend) IndexControl(r ControlRecord) error {
	f.indexed <- r
	return f.indexErr
}
func (f *fakeBackend) DeleteControl(id string) error {
	f.deleted <- id
	return nil
}
func (f *fakeBackend) IndexControls([]ControlRecord) error { return nil }

type fakeSearcher struct {
	results []Result
	err     error
	calls   int
}

func (f *fakeSearcher) Search(Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}
func (f *fakeSearcher) Healthy() bool { return true }

func TestSearchPrefersMeili(t *testing.T) {
	primary := newFakeBackend()
	primary.results = []Result{{ID: "a1"}}
	fallback := &fakeSearcher{results: []Result{{ID: "pg"}}}
	s := &Service{meili: primary, fallback: fallback, logger: zap.NewNop()}

	resp := s.Search(Query{Text: "fukt", CompanyID: "acme"})
	assert.Equal(t, []Result{{ID: "a1"}}, resp.Results)
	assert.Equal(t, 0, fallback.calls)
}

func TestSearchFallsBackOnMeiliError(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	primary := newFakeBackend()
	primary.searchErr = errors.New("timeout")
	fallback := &fakeSearcher{results: []Result{{ID: "pg"}}}
	s := &Service{meili: primary, fallback: fallback, logger: zap.New(core)}

	resp := s.Search(Query{Text: "fukt", CompanyID: "acme"})
	assert.Equal(t, "pg", resp.Results[0].ID)
	assert.Equal(t, 1, logs.FilterMessage("search: meilisearch error, falling back to pgfts").Len())
}

func TestSearchSkipsUnhealthyMeili(t *testing.T) {
	primary := newFakeBackend()
	primary.healthy = false
	fallback := &fakeSearcher{}
	s := &Service{meili: primary, fallback: fallback, logger: zap.NewNop()}

	resp := s.Search(Query{Text: "x", CompanyID: "acme"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 1, fallback.calls)
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	s := &Service{fallback: &fakeSearcher{err: errors.New("down")}, logger: zap.NewNop()}
	resp := s.Search(Query{Text: "x", CompanyID: "acme"})
	assert.NotNil(t, resp.Results)
	assert.Equal(t, 0, resp.Total)
}

func TestIndexAndRemoveAreAsync(t *testing.T) {
	primary := newFakeBackend()
	s := &Service{meili: primary, logger: zap.NewNop()}

	c := control.Normalize(map[string]any{
		"id": "a1", "projectId": "P1", "type": "Fuktmätning", "status": "COMPLETED",
		"project": map[string]any{"id": "P1", "name": "Kv. Eken"}, "date": "2024-05-02",
	})
	s.IndexControl("acme", c)
	s.RemoveControl("b2")

	select {
	case record := <-primary.indexed:
		assert.Equal(t, "acme", record.CompanyID)
		assert.Equal(t, "Fuktmätning Kv. Eken 2024-05-02", record.Title)
	case <-time.After(time.Second):
		t.Fatal("control was not indexed")
	}
	select {
	case id := <-primary.deleted:
		assert.Equal(t, "b2", id)
	case <-time.After(time.Second):
		t.Fatal("control was not removed")
	}
}

func TestIndexWithoutMeiliIsNoop(t *testing.T) {
	s := NewService(nil, nil, nil)
	assert.NotPanics(t, func() {
		s.IndexControl("acme", control.Control{ID: "a"})
		s.RemoveControl("a")
	})
}

func TestFiltersAreTenantScoped(t *testing.T) {
	assert.Equal(t, []string{`companyId = "acme"`, `status = "COMPLETED"`}, filtersFor(Query{CompanyID: "acme"}))
	assert.Equal(t,
		[]string{`companyId = "acme"`, `status = "COMPLETED"`, `projectId = "P1"`},
		filtersFor(Query{CompanyID: "acme", ProjectID: "P1"}))
}

func TestHitToResultPrefersHighlights(t *testing.T) {
	raw := func(v any) json.RawMessage {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return data
	}
	hit := meili.Hit{
		"id":          raw("a1"),
		"projectId":   raw("P1"),
		"type":        raw("Skyddsrond"),
		"description": raw("fukt i bjälklag"),
		"_formatted":  raw(map[string]string{"description": "<mark>fukt</mark> i bjälklag"}),
	}
	r := hitToResult(hit)
	assert.Equal(t, "a1", r.ID)
	assert.Equal(t, "P1", r.ProjectID)
	assert.Equal(t, "<mark>fukt</mark> i bjälklag", r.Snippet)
}

func TestSnippetTruncates(t *testing.T) {
	long := strings.Repeat("å", 200)
	got := snippetOf("", "  ", long)
	assert.Equal(t, 161, len([]rune(got)))
}

func TestBounds(t *testing.T) {
	limit, offset := bounds(Query{Limit: 500, Offset: -3})
	assert.Equal(t, 20, limit)
	assert.Equal(t, 0, offset)
}
