package search

import (
	"encoding/json"
	"fmt"
	"strings"

	"sitecontrol/api/internal/control"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	Date      string `json:"date,omitempty"`
}

// Query describes a search request. CompanyID is mandatory; results never
// cross tenants.
type Query struct {
	Text      string
	CompanyID string
	ProjectID string // empty = all projects of the company
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ControlRecord is the data we index for a control.
type ControlRecord struct {
	ID          string `json:"id"`
	CompanyID   string `json:"companyId"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Notes       string `json:"notes"`
	Date        string `json:"date"`
}

// RecordFromControl flattens a control into its index document.
func RecordFromControl(companyID string, c control.Control) ControlRecord {
	return ControlRecord{
		ID:          c.ID,
		CompanyID:   companyID,
		ProjectID:   c.ProjectID,
		ProjectName: c.Project.Name,
		Type:        string(c.Type),
		Status:      string(c.Status),
		Title:       c.Title(),
		Description: c.Description,
		Location:    c.Location,
		Notes:       c.Notes,
		Date:        c.Date,
	}
}

func snippetOf(values ...string) string {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if runes := []rune(value); len(runes) > 160 {
			return string(runes[:160]) + "…"
		}
		return value
	}
	return ""
}

func recordFromPayload(companyID string, payload []byte) (ControlRecord, error) {
	var c control.Control
	if err := json.Unmarshal(payload, &c); err != nil {
		return ControlRecord{}, fmt.Errorf("decode control: %w", err)
	}
	return RecordFromControl(companyID, c), nil
}
