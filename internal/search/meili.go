package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxControls = "site_controls"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *zap.Logger
}

// NewMeili creates a Meilisearch client and configures the controls index.
// An unreachable server is not an error: the client reports unhealthy and
// a background loop reconfigures the index once it recovers.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger,
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxControls, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("search: create index (may already exist)", zap.String("index", idxControls), zap.Error(err))
	}

	index := m.client.Index(idxControls)
	filterable := []interface{}{"companyId", "projectId", "status", "type"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search: update filterable attrs", zap.Error(err))
	}
	searchable := []string{"title", "description", "location", "notes", "projectName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search: update searchable attrs", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	limit, offset := bounds(q)

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxControls,
			Query:                 q.Text,
			Limit:                 int64(limit),
			Offset:                int64(offset),
			Filter:                filtersFor(q),
			AttributesToHighlight: []string{"description", "notes"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func filtersFor(q Query) []string {
	filters := []string{fmt.Sprintf("companyId = %q", q.CompanyID), `status = "COMPLETED"`}
	if q.ProjectID != "" {
		filters = append(filters, fmt.Sprintf("projectId = %q", q.ProjectID))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:        decodeString(hit, "id"),
		ProjectID: decodeString(hit, "projectId"),
		Type:      decodeString(hit, "type"),
		Status:    decodeString(hit, "status"),
		Title:     decodeString(hit, "title"),
		Date:      decodeString(hit, "date"),
		Snippet: snippetOf(
			decodeFormattedString(hit, "description"),
			decodeFormattedString(hit, "notes"),
			decodeString(hit, "description"),
			decodeString(hit, "notes"),
		),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

// IndexControl adds or updates a control in the search index.
func (m *Meili) IndexControl(record ControlRecord) error {
	_, err := m.client.Index(idxControls).AddDocuments([]ControlRecord{record}, nil)
	return err
}

// DeleteControl removes a control from the search index.
func (m *Meili) DeleteControl(id string) error {
	_, err := m.client.Index(idxControls).DeleteDocument(id, nil)
	return err
}

// IndexControls bulk-indexes control records.
func (m *Meili) IndexControls(records []ControlRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxControls).AddDocuments(records, nil)
	return err
}
