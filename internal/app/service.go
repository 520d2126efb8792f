package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitecontrol/api/internal/auth"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/controls"
	"sitecontrol/api/internal/export"
	"sitecontrol/api/internal/rbac"
	"sitecontrol/api/internal/search"
	"sitecontrol/api/internal/store"
	"sitecontrol/api/internal/util"
)

// Controls is the persistence surface the HTTP layer drives.
type Controls interface {
	LoadControls(ctx context.Context, scope store.Scope) (controls.Listing, error)
	FindControl(ctx context.Context, scope store.Scope, id string) (control.Control, error)
	ListRemoteCompleted(ctx context.Context, scope store.Scope) ([]control.Control, error)
	SaveCompleted(ctx context.Context, scope store.Scope, c control.Control) (controls.SaveResult, error)
	SaveDraft(ctx context.Context, scope store.Scope, c control.Control) (controls.SaveResult, error)
	Delete(ctx context.Context, scope store.Scope, c control.Control) (controls.DeleteResult, error)
}

type Exporter interface {
	Export(ctx context.Context, c control.Control, format export.Format) (*export.Result, error)
}

type Searcher interface {
	Search(q search.Query) search.Response
}

// Revocations records logged-out tokens by JTI.
type Revocations interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Session struct {
	UserID    string
	UserName  string
	CompanyID string
	Role      rbac.Role
	JTI       string
	ExpiresAt time.Time
}

// Options wires the service. Exporter and Search may be nil, which turns the
// corresponding routes into 503 responses.
type Options struct {
	Secret   string
	TokenTTL time.Duration
	Controls Controls
	Exporter Exporter
	Search   Searcher
	// Revocations may be nil, which disables logout.
	Revocations Revocations
	// Ready maps a check name to the dependency pinged by /api/ready.
	Ready  map[string]Pinger
	Logger *zap.Logger
}

type Service struct {
	secret   []byte
	tokenTTL time.Duration
	controls Controls
	exporter Exporter
	search   Searcher
	revoked  Revocations
	ready    map[string]Pinger
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{
		secret:   []byte(opts.Secret),
		tokenTTL: ttl,
		controls: opts.Controls,
		exporter: opts.Exporter,
		search:   opts.Search,
		revoked:  opts.Revocations,
		ready:    opts.Ready,
		logger:   logger,
		now:      time.Now,
	}
}

// IssueToken signs a bearer token for a user of company.
func (s *Service) IssueToken(userID, userName, companyID, role string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	userName = strings.TrimSpace(userName)
	companyID = strings.TrimSpace(companyID)
	if userID == "" || userName == "" || companyID == "" {
		return "", time.Time{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "user id, name and company are required", nil)
	}
	expiresAt := s.now().Add(s.tokenTTL)
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:     userID,
		Name:    userName,
		Company: companyID,
		Role:    string(rbac.Normalize(role)),
		JTI:     util.NewID("jti"),
		Exp:     expiresAt.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// SessionFromToken verifies token and rejects it once it has been revoked. A
// revocation list that cannot be read fails closed.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, claims.JTI)
		if err != nil {
			unavailable := domainError(http.StatusServiceUnavailable, "SESSION_STORE_UNAVAILABLE", "Session store unavailable", nil)
			unavailable.Err = err
			return Session{}, unavailable
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	return Session{
		UserID:    claims.Sub,
		UserName:  claims.Name,
		CompanyID: claims.Company,
		Role:      rbac.Normalize(claims.Role),
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// Logout revokes the session's token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.revoked == nil {
		return domainError(http.StatusNotImplemented, "LOGOUT_UNAVAILABLE", "Logout is not configured", nil)
	}
	if err := s.revoked.Revoke(ctx, session.JTI, session.ExpiresAt); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.logger.Info("app: session revoked", zap.String("user_id", session.UserID), zap.String("jti", session.JTI))
	return nil
}

// Ready pings every readiness dependency and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failures := map[string]error{}
	for name, dep := range s.ready {
		if err := dep.Ping(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}

func scopeFor(session Session, projectID string) store.Scope {
	return store.Scope{CompanyID: session.CompanyID, ProjectID: projectID}
}

func (s *Service) ListControls(ctx context.Context, session Session, projectID string) (controls.Listing, error) {
	if err := authorize(session, rbac.ActionRead); err != nil {
		return controls.Listing{}, err
	}
	return s.controls.LoadControls(ctx, scopeFor(session, projectID))
}

// SaveControl persists c as a draft or a completed control.
func (s *Service) SaveControl(ctx context.Context, session Session, projectID string, c control.Control, draft bool) (controls.SaveResult, error) {
	if err := authorize(session, rbac.ActionWrite); err != nil {
		return controls.SaveResult{}, err
	}
	if c.Inspector == "" {
		c.Inspector = session.UserName
	}
	scope := scopeFor(session, projectID)
	if draft {
		return s.controls.SaveDraft(ctx, scope, c)
	}
	return s.controls.SaveCompleted(ctx, scope, c)
}

func (s *Service) DeleteControl(ctx context.Context, session Session, projectID, controlID string, draft bool) (controls.DeleteResult, error) {
	if err := authorize(session, rbac.ActionDelete); err != nil {
		return controls.DeleteResult{}, err
	}
	target := control.Control{ID: controlID, ProjectID: projectID, IsDraft: draft}
	result, err := s.controls.Delete(ctx, scopeFor(session, projectID), target)
	if err != nil {
		return result, err
	}
	s.logger.Info("app: control deleted",
		zap.String("control_id", controlID),
		zap.String("user_id", session.UserID),
		zap.Bool("draft", draft),
		zap.Bool("tombstoned", result.Tombstoned),
	)
	return result, nil
}

func (s *Service) ExportControl(ctx context.Context, session Session, projectID, controlID string, format export.Format) (*export.Result, error) {
	if err := authorize(session, rbac.ActionExport); err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	c, err := s.controls.FindControl(ctx, scopeFor(session, projectID), controlID)
	if err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, c, format)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", controlID, err)
	}
	return result, nil
}

// AdminControls lists the remote completed controls only. A refused read is
// returned rather than degraded.
func (s *Service) AdminControls(ctx context.Context, session Session, projectID string) ([]control.Control, error) {
	if err := authorize(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	return s.controls.ListRemoteCompleted(ctx, scopeFor(session, projectID))
}

func (s *Service) Search(session Session, text, projectID string, limit, offset int) (search.Response, error) {
	if err := authorize(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(search.Query{
		Text:      text,
		CompanyID: session.CompanyID,
		ProjectID: projectID,
		Limit:     limit,
		Offset:    offset,
	}), nil
}

func authorize(session Session, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": string(action)})
	}
	return nil
}
