package store

import (
	"errors"
	"strings"
)

var (
	// ErrPermissionDenied means the remote store refused the call for this tenant.
	ErrPermissionDenied = errors.New("remote store permission denied")
	// ErrMissingScope means a call was made without a company or project.
	ErrMissingScope = errors.New("remote store scope incomplete")
	// ErrProjectConflict means the id is already stored under another project
	// of the same company.
	ErrProjectConflict = errors.New("control id belongs to another project")
)

// Scope addresses the per-project sub-collections of one company (tenant).
type Scope struct {
	CompanyID string
	ProjectID string
}

func (s Scope) validate() error {
	if strings.TrimSpace(s.CompanyID) == "" || strings.TrimSpace(s.ProjectID) == "" {
		return ErrMissingScope
	}
	return nil
}

const (
	collectionCompleted = "completed"
	collectionDrafts    = "drafts"
)
