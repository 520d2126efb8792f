package control

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// MediaKind tells how a media reference can be materialized.
type MediaKind int

const (
	// MediaLocal is a handle readable from the local filesystem.
	MediaLocal MediaKind = iota
	// MediaRemote is a URL that has to be downloaded first.
	MediaRemote
	// MediaInline is a self-contained data: payload.
	MediaInline
)

func (k MediaKind) String() string {
	switch k {
	case MediaInline:
		return "inline"
	case MediaRemote:
		return "remote"
	default:
		return "local"
	}
}

var remoteSchemes = []string{"http://", "https://", "s3://"}

// MediaRef points at a photo or signature. The kind is fixed when the ref is built.
type MediaRef struct {
	kind    MediaKind
	uri     string
	caption string
}

// NewMediaRef classifies uri and returns the matching reference.
func NewMediaRef(uri string) MediaRef {
	uri = strings.TrimSpace(uri)
	return MediaRef{kind: classify(uri), uri: uri}
}

// InlineRef wraps raw bytes into a data: payload.
func InlineRef(mimeType string, data []byte) MediaRef {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return MediaRef{kind: MediaInline, uri: uri}
}

func classify(uri string) MediaKind {
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "data:") {
		return MediaInline
	}
	for _, scheme := range remoteSchemes {
		if strings.HasPrefix(lower, scheme) {
			return MediaRemote
		}
	}
	return MediaLocal
}

func (m MediaRef) Kind() MediaKind { return m.kind }
func (m MediaRef) URI() string     { return m.uri }
func (m MediaRef) Caption() string { return m.caption }
func (m MediaRef) IsZero() bool    { return m.uri == "" }
func (m MediaRef) IsInline() bool  { return m.kind == MediaInline }

// WithCaption returns a copy of m carrying caption.
func (m MediaRef) WithCaption(caption string) MediaRef {
	m.caption = strings.TrimSpace(caption)
	return m
}

// Replace swaps the payload while keeping the caption.
func (m MediaRef) Replace(next MediaRef) MediaRef {
	next.caption = m.caption
	return next
}

type mediaRefJSON struct {
	URI     string `json:"uri"`
	Caption string `json:"caption,omitempty"`
}

func (m MediaRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(mediaRefJSON{URI: m.uri, Caption: m.caption})
}

// UnmarshalJSON accepts a bare string or an object with a uri field.
// Anything else decodes to the zero reference.
func (m *MediaRef) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ref, _ := parseMediaRef(raw)
	*m = ref
	return nil
}

// PhotoSlot holds the photos of one checklist section: either a single
// reference or a list of references.
type PhotoSlot struct {
	refs []MediaRef
	many bool
}

// Single returns a slot holding exactly one reference.
func Single(ref MediaRef) PhotoSlot {
	return PhotoSlot{refs: []MediaRef{ref}}
}

// Many returns a list slot. With no arguments it is the empty slot.
func Many(refs ...MediaRef) PhotoSlot {
	out := make([]MediaRef, 0, len(refs))
	for _, ref := range refs {
		if !ref.IsZero() {
			out = append(out, ref)
		}
	}
	return PhotoSlot{refs: out, many: true}
}

func (s PhotoSlot) IsMany() bool { return s.many || len(s.refs) != 1 }
func (s PhotoSlot) Len() int     { return len(s.refs) }

// Refs returns a copy of the references held by the slot.
func (s PhotoSlot) Refs() []MediaRef {
	return cloneRefs(s.refs)
}

// Map applies fn to every reference, preserving the single/list shape.
func (s PhotoSlot) Map(fn func(MediaRef) MediaRef) PhotoSlot {
	out := PhotoSlot{refs: make([]MediaRef, len(s.refs)), many: s.IsMany()}
	for i, ref := range s.refs {
		out.refs[i] = fn(ref)
	}
	return out
}

func (s PhotoSlot) clone() PhotoSlot {
	return PhotoSlot{refs: cloneRefs(s.refs), many: s.IsMany()}
}

func (s PhotoSlot) MarshalJSON() ([]byte, error) {
	if !s.IsMany() {
		return json.Marshal(s.refs[0])
	}
	refs := s.refs
	if refs == nil {
		refs = []MediaRef{}
	}
	return json.Marshal(refs)
}

func (s *PhotoSlot) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = parsePhotoSlot(raw)
	return nil
}

func parseMediaRef(raw any) (MediaRef, bool) {
	switch v := raw.(type) {
	case string:
		ref := NewMediaRef(v)
		return ref, !ref.IsZero()
	case map[string]any:
		for _, key := range []string{"uri", "url", "path"} {
			if uri, ok := v[key].(string); ok && strings.TrimSpace(uri) != "" {
				caption, _ := v["caption"].(string)
				return NewMediaRef(uri).WithCaption(caption), true
			}
		}
	case MediaRef:
		return v, !v.IsZero()
	}
	return MediaRef{}, false
}

func parseMediaList(raw any) []MediaRef {
	out := []MediaRef{}
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if ref, ok := parseMediaRef(item); ok {
				out = append(out, ref)
			}
		}
	case []MediaRef:
		for _, ref := range v {
			if !ref.IsZero() {
				out = append(out, ref)
			}
		}
	default:
		if ref, ok := parseMediaRef(v); ok {
			out = append(out, ref)
		}
	}
	return out
}

func parsePhotoSlot(raw any) PhotoSlot {
	switch v := raw.(type) {
	case nil:
		return Many()
	case []any, []MediaRef:
		return Many(parseMediaList(v)...)
	case PhotoSlot:
		return v.clone()
	}
	if ref, ok := parseMediaRef(raw); ok {
		return Single(ref)
	}
	return Many()
}
