package control

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Normalize repairs a raw record (as decoded from JSON) into the current Control
// shape. It never fails: fields of the wrong type degrade to their empty value.
// Normalizing an already normalized record yields the same record.
func Normalize(raw map[string]any) Control {
	if raw == nil {
		raw = map[string]any{}
	}

	c := Control{
		ID:          str(raw, "id"),
		ProjectID:   str(raw, "projectId"),
		Project:     parseProject(raw["project"]),
		Type:        Kind(str(raw, "type")),
		Status:      parseStatus(raw["status"]),
		Date:        str(raw, "date"),
		SavedAt:     timeOf(raw["savedAt"]),
		CreatedAt:   timeOf(raw["createdAt"]),
		Description: str(raw, "description"),
		Location:    str(raw, "location"),
		Notes:       str(raw, "notes"),
		Inspector:   str(raw, "inspector"),
		IsDraft:     boolOf(raw["isDraft"]),
	}
	if c.ProjectID == "" {
		c.ProjectID = c.Project.ID
	}

	c.Checklist = parseChecklist(raw["checklist"])
	c.Participants = parseParticipants(raw["participants"])
	c.Photos = parseMediaList(raw["photos"])
	c.DeviationPhotos = parseMediaList(raw["deviationPhotos"])
	c.Signatures = parseMediaList(raw["signatures"])

	// Older clients stored one signature URI, or only a flag, under "signature".
	if len(c.Signatures) == 0 {
		if legacy, ok := raw["signature"].(string); ok {
			if ref := NewMediaRef(legacy); !ref.IsZero() {
				c.Signatures = []MediaRef{ref}
			}
		}
	}

	return c
}

func str(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case Kind:
		return strings.TrimSpace(string(v))
	case Status:
		return strings.TrimSpace(string(v))
	}
	return ""
}

func boolOf(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		parsed, _ := strconv.ParseBool(strings.TrimSpace(v))
		return parsed
	}
	return false
}

func parseStatus(raw any) Status {
	var value string
	switch v := raw.(type) {
	case string:
		value = v
	case Status:
		value = string(v)
	}
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusDraft:
		return StatusDraft
	case StatusCompleted:
		return StatusCompleted
	}
	return ""
}

func parseProject(raw any) ProjectRef {
	switch v := raw.(type) {
	case map[string]any:
		return ProjectRef{ID: str(v, "id"), Name: str(v, "name")}
	case ProjectRef:
		return ProjectRef{ID: strings.TrimSpace(v.ID), Name: strings.TrimSpace(v.Name)}
	}
	return ProjectRef{}
}

func timeOf(raw any) time.Time {
	switch v := raw.(type) {
	case string:
		if t, ok := parseTimeString(v); ok {
			return t
		}
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return fromMillis(ms)
		}
	case float64:
		if v > 0 && v <= float64(maxMillis) {
			return fromMillis(int64(v))
		}
	case time.Time:
		if !v.IsZero() {
			return canonicalTime(v)
		}
	}
	return time.Time{}
}

func parseTimeString(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = canonicalTime(t)
			if t.IsZero() {
				return time.Time{}, false
			}
			return t, true
		}
	}
	return time.Time{}, false
}

// maxMillis is the last millisecond of year 9999, the latest instant that
// encodes as RFC 3339.
var maxMillis = time.Date(9999, 12, 31, 23, 59, 59, 999_000_000, time.UTC).UnixMilli()

func fromMillis(ms int64) time.Time {
	if ms <= 0 || ms > maxMillis {
		return time.Time{}
	}
	return canonicalTime(time.UnixMilli(ms))
}

// canonicalTime returns t in UTC at millisecond precision, or the zero time
// when its year is outside 1-9999.
func canonicalTime(t time.Time) time.Time {
	t = t.UTC().Truncate(time.Millisecond)
	if y := t.Year(); y < 1 || y > 9999 {
		return time.Time{}
	}
	return t
}

func parseChecklist(raw any) []Section {
	items, ok := raw.([]any)
	if !ok {
		if sections, ok := raw.([]Section); ok {
			out := make([]Section, len(sections))
			for i, section := range sections {
				out[i] = section.clone()
			}
			return out
		}
		return []Section{}
	}
	out := make([]Section, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, parseSection(entry))
	}
	return out
}

func parseSection(raw map[string]any) Section {
	section := Section{
		Title:    str(raw, "title"),
		Statuses: map[string]PointStatus{},
		Remarks:  map[string]string{},
		Photos:   parsePhotoSlot(raw["photos"]),
	}
	if section.Title == "" {
		section.Title = str(raw, "name")
	}

	statuses := raw["statuses"]
	if statuses == nil {
		statuses = raw["points"]
	}
	switch v := statuses.(type) {
	case map[string]any:
		for point, value := range v {
			if status := parsePointStatus(value); status != PointUnset {
				section.Statuses[point] = status
			}
		}
	case []any:
		// Legacy list form: [{"id": "1.2", "status": "ok", "remark": "..."}]
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			point := str(entry, "id")
			if point == "" {
				point = str(entry, "point")
			}
			if point == "" {
				continue
			}
			if status := parsePointStatus(entry["status"]); status != PointUnset {
				section.Statuses[point] = status
			}
			if remark := str(entry, "remark"); remark != "" {
				section.Remarks[point] = remark
			}
		}
	}

	remarks := raw["remarks"]
	if remarks == nil {
		remarks = raw["remediation"]
	}
	if v, ok := remarks.(map[string]any); ok {
		for point, value := range v {
			if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
				section.Remarks[point] = strings.TrimSpace(text)
			}
		}
	}
	return section
}

func parsePointStatus(raw any) PointStatus {
	value, ok := raw.(string)
	if !ok {
		if status, ok := raw.(PointStatus); ok {
			value = string(status)
		}
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ok", "godkänd", "approved":
		return PointOK
	case "deviation", "avvikelse", "fail":
		return PointDeviation
	case "not_applicable", "na", "n/a", "ej aktuell":
		return PointNotApplicable
	}
	return PointUnset
}

func parseParticipants(raw any) []Participant {
	items, ok := raw.([]any)
	if !ok {
		return []Participant{}
	}
	out := make([]Participant, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if name := strings.TrimSpace(v); name != "" {
				out = append(out, Participant{Name: name})
			}
		case map[string]any:
			p := Participant{
				Name:    str(v, "name"),
				Company: str(v, "company"),
				Role:    str(v, "role"),
				Phone:   str(v, "phone"),
			}
			if p != (Participant{}) {
				out = append(out, p)
			}
		}
	}
	return out
}

// SortPoints returns the point keys of a section in a stable order.
func SortPoints(s Section) []string {
	seen := make(map[string]struct{}, len(s.Statuses)+len(s.Remarks))
	for point := range s.Statuses {
		seen[point] = struct{}{}
	}
	for point := range s.Remarks {
		seen[point] = struct{}{}
	}
	points := make([]string, 0, len(seen))
	for point := range seen {
		points = append(points, point)
	}
	sort.Strings(points)
	return points
}
