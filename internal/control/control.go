// Package control defines the inspection record (a "control") persisted by the
// service, together with the normalizer that repairs legacy and partial records.
package control

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a control. Transitions only go DRAFT -> COMPLETED.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusCompleted Status = "COMPLETED"
)

// Kind is the inspection type a control was filled for.
type Kind string

const (
	KindMoisture      Kind = "Fuktmätning"
	KindSelfCheck     Kind = "Egenkontroll"
	KindSafetyRound   Kind = "Skyddsrond"
	KindWorkPrep      Kind = "Arbetsberedning"
	KindRiskAnalysis  Kind = "Riskbedömning"
	KindDeliveryCheck Kind = "Mottagningskontroll"
	KindFinalSurvey   Kind = "Slutbesiktning"
)

var kinds = []Kind{
	KindMoisture,
	KindSelfCheck,
	KindSafetyRound,
	KindWorkPrep,
	KindRiskAnalysis,
	KindDeliveryCheck,
	KindFinalSurvey,
}

// Kinds returns every supported inspection type.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Valid reports whether k is one of the supported inspection types.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// PointStatus is the outcome recorded for a single checklist point.
type PointStatus string

const (
	PointUnset         PointStatus = ""
	PointOK            PointStatus = "ok"
	PointDeviation     PointStatus = "deviation"
	PointNotApplicable PointStatus = "not_applicable"
)

// ProjectRef is the owning project as embedded by the UI. The service never mutates it.
type ProjectRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Section is one checklist section.
type Section struct {
	Title    string                 `json:"title"`
	Statuses map[string]PointStatus `json:"statuses"`
	Remarks  map[string]string      `json:"remarks"`
	Photos   PhotoSlot              `json:"photos"`
}

// Participant is a person attending the inspection.
type Participant struct {
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
	Role    string `json:"role,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Control is one inspection record, draft or completed.
type Control struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Project   ProjectRef `json:"project,omitzero"`
	Type      Kind       `json:"type"`
	Status    Status     `json:"status"`
	Date      string     `json:"date"`
	SavedAt   time.Time  `json:"savedAt,omitzero"`
	CreatedAt time.Time  `json:"createdAt,omitzero"`

	Description string `json:"description"`
	Location    string `json:"location"`
	Notes       string `json:"notes"`
	Inspector   string `json:"inspector"`

	Checklist       []Section     `json:"checklist"`
	Participants    []Participant `json:"participants"`
	Photos          []MediaRef    `json:"photos"`
	DeviationPhotos []MediaRef    `json:"deviationPhotos"`
	Signatures      []MediaRef    `json:"signatures"`

	// IsDraft is set by the read path to tell which collection an entry came from.
	IsDraft bool `json:"isDraft,omitempty"`
}

// UnmarshalJSON decodes any historical record shape through Normalize.
func (c *Control) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Normalize(raw)
	return nil
}

// Map returns the record in its generic JSON form.
func (c Control) Map() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode control %q: %w", c.ID, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode control %q: %w", c.ID, err)
	}
	return out, nil
}

// Normalized runs the record through Normalize again. It is a no-op for records
// that were already normalized.
func (c Control) Normalized() (Control, error) {
	raw, err := c.Map()
	if err != nil {
		return c, err
	}
	return Normalize(raw), nil
}

// Clone returns a deep copy of the record.
func (c Control) Clone() Control {
	out := c
	out.Checklist = make([]Section, len(c.Checklist))
	for i, section := range c.Checklist {
		out.Checklist[i] = section.clone()
	}
	out.Participants = append([]Participant{}, c.Participants...)
	out.Photos = cloneRefs(c.Photos)
	out.DeviationPhotos = cloneRefs(c.DeviationPhotos)
	out.Signatures = cloneRefs(c.Signatures)
	return out
}

// WithoutMedia returns a copy with every photo and signature removed.
func (c Control) WithoutMedia() Control {
	out := c.Clone()
	out.Photos = []MediaRef{}
	out.DeviationPhotos = []MediaRef{}
	out.Signatures = []MediaRef{}
	for i := range out.Checklist {
		out.Checklist[i].Photos = Many()
	}
	return out
}

// Timestamp is the best available time for ordering: date, then savedAt, then
// createdAt, then the Unix epoch.
func (c Control) Timestamp() time.Time {
	if t, ok := parseTimeString(c.Date); ok {
		return t
	}
	if !c.SavedAt.IsZero() {
		return c.SavedAt
	}
	if !c.CreatedAt.IsZero() {
		return c.CreatedAt
	}
	return time.Unix(0, 0).UTC()
}

// Title is a human readable label used for exports and search.
func (c Control) Title() string {
	parts := []string{string(c.Type)}
	if name := strings.TrimSpace(c.Project.Name); name != "" {
		parts = append(parts, name)
	}
	if c.Date != "" {
		parts = append(parts, c.Date)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (s Section) clone() Section {
	out := s
	out.Statuses = make(map[string]PointStatus, len(s.Statuses))
	for k, v := range s.Statuses {
		out.Statuses[k] = v
	}
	out.Remarks = make(map[string]string, len(s.Remarks))
	for k, v := range s.Remarks {
		out.Remarks[k] = v
	}
	out.Photos = s.Photos.clone()
	return out
}

func cloneRefs(refs []MediaRef) []MediaRef {
	out := make([]MediaRef, len(refs))
	copy(out, refs)
	return out
}
