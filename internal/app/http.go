package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sitecontrol/api/internal/auth"
	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/controls"
	"sitecontrol/api/internal/export"
	"sitecontrol/api/internal/metrics"
)

// maxBodyBytes bounds request bodies; inline photos make controls large.
const maxBodyBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
}

// NewHTTPServer builds the API server. A nil gatherer disables /metrics.
func NewHTTPServer(service *Service, corsOrigin string, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		metrics:    m,
		gatherer:   gatherer,
		logger:     service.logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/api/session", s.handleSession)
		r.Delete("/api/session", s.handleLogout)
		r.Get("/api/search", s.handleSearch)
		r.Route("/api/projects/{projectID}", func(r chi.Router) {
			r.Get("/controls", s.handleListControls)
			r.Post("/controls", s.handleSaveControl(false))
			r.Post("/drafts", s.handleSaveControl(true))
			r.Delete("/controls/{controlID}", s.handleDeleteControl)
			r.Get("/controls/{controlID}/export", s.handleExportControl)
			r.Get("/admin/controls", s.handleAdminControls)
		})
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := s.service.Ready(ctx)
	checks := map[string]any{}
	for name := range s.service.ready {
		if err, failed := failures[name]; failed {
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if len(failures) > 0 {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     len(failures) == 0,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"company":       session.CompanyID,
		"role":          session.Role,
		"expiresAt":     session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListControls(w http.ResponseWriter, r *http.Request) {
	listing, err := s.service.ListControls(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if listing.Degraded == nil {
		listing.Degraded = []controls.SourceFailure{}
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *HTTPServer) handleSaveControl(draft bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c control.Control
		if err := decodeBody(w, r, &c); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		result, err := s.service.SaveControl(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "projectID"), c, draft)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"control":     result.Control,
			"destination": result.Destination,
			"remoteError": errorText(result.RemoteErr),
			"retirement": map[string]any{
				"localError":  errorText(result.Retirement.LocalErr),
				"remoteError": errorText(result.Retirement.RemoteErr),
			},
		})
	}
}

func (s *HTTPServer) handleDeleteControl(w http.ResponseWriter, r *http.Request) {
	draft, err := parseBool(r.URL.Query().Get("draft"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "draft must be true or false", nil)
		return
	}
	result, err := s.service.DeleteControl(r.Context(), sessionFrom(r.Context()),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "controlID"), draft)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":     true,
		"remoteError": errorText(result.RemoteErr),
		"tombstoned":  result.Tombstoned,
	})
}

func (s *HTTPServer) handleExportControl(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.ExportControl(r.Context(), sessionFrom(r.Context()),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "controlID"), format)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", result.MimeType)
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", result.Filename, url.PathEscape(result.Filename)))
	header.Set("Content-Length", strconv.Itoa(len(result.Data)))
	header.Set("X-Export-Unresolved-Media", strconv.Itoa(len(result.Unresolved)))
	if result.MediaOmitted {
		header.Set("X-Export-Media-Omitted", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleAdminControls(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.AdminControls(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"controls": items})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response, err := s.service.Search(sessionFrom(r.Context()), strings.TrimSpace(query.Get("q")), query.Get("projectId"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// fail maps err to a response. Unexpected errors are logged since their
// detail is not returned to the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("app: request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			var domainErr *DomainError
			if errors.As(err, &domainErr) {
				s.fail(w, r, err)
				return
			}
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		elapsed := time.Since(started)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.RecordRequest(r.Method, route, strconv.Itoa(writer.status), elapsed.Seconds())
		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type sessionKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Export-Media-Omitted, X-Export-Unresolved-Media")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func errorText(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, controls.ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED", "The remote store refused access to these controls. Ask an administrator to grant read access.", nil
	case errors.Is(err, controls.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Control not found", nil
	case errors.Is(err, controls.ErrMissingProject),
		errors.Is(err, controls.ErrMissingCompany),
		errors.Is(err, controls.ErrMissingID),
		errors.Is(err, controls.ErrInvalidKind),
		errors.Is(err, controls.ErrInvalidControl),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, controls.ErrProjectMismatch):
		return http.StatusConflict, "PROJECT_MISMATCH", err.Error(), nil
	case errors.Is(err, controls.ErrStatusTransition):
		return http.StatusConflict, "STATUS_TRANSITION", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer is not installed", nil
	case errors.Is(err, controls.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE", "The remote store is not configured", nil
	case errors.Is(err, controls.ErrLocalStore), errors.Is(err, cache.ErrConflict):
		return http.StatusInternalServerError, "LOCAL_STORE_ERROR", "The control could not be stored locally", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
