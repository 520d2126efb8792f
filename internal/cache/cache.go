// Package cache provides the local collection store used as write fallback and
// offline read source. Each collection is read and written as one serialized unit.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"go.uber.org/zap"

	"sitecontrol/api/internal/control"
)

// Collection names a whole-unit list of controls.
type Collection string

const (
	Drafts     Collection = "draft_controls"
	Completed  Collection = "completed_controls"
	Tombstones Collection = "deleted_controls"
)

// For returns the copy of c owned by one company. The company id is path
// escaped, so no id can address another tenant's collection.
func (c Collection) For(companyID string) Collection {
	return Collection(url.PathEscape(companyID) + "/" + string(c))
}

const defaultMaxAttempts = 8

var (
	// ErrConflict is returned when a versioned update kept losing to concurrent writers.
	ErrConflict = errors.New("cache collection changed concurrently")
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("unknown cache driver")
)

// UpdateFunc receives the current collection and returns its replacement. It may
// run more than once when a concurrent write is detected, so it must not have
// side effects beyond computing the result.
type UpdateFunc func(current []control.Control) ([]control.Control, error)

// Store is the local cache contract. A missing or corrupt collection reads as
// empty; backend failures are returned to the caller.
type Store interface {
	GetAll(ctx context.Context, collection Collection) ([]control.Control, error)
	PutAll(ctx context.Context, collection Collection, items []control.Control) error
	Update(ctx context.Context, collection Collection, fn UpdateFunc) error
	Ping(ctx context.Context) error
	Close() error
}

func encode(items []control.Control) ([]byte, error) {
	if items == nil {
		items = []control.Control{}
	}
	return json.Marshal(items)
}

func decode(logger *zap.Logger, collection Collection, payload []byte) []control.Control {
	if len(payload) == 0 {
		return []control.Control{}
	}
	var items []control.Control
	if err := json.Unmarshal(payload, &items); err != nil {
		logger.Warn("cache: discarding corrupt collection",
			zap.String("collection", string(collection)),
			zap.Int("bytes", len(payload)),
			zap.Error(err))
		return []control.Control{}
	}
	if items == nil {
		items = []control.Control{}
	}
	return items
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
