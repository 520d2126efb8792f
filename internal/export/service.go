package export

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/media"
)

// Embedder inlines the media references of a control.
type Embedder interface {
	EmbedMedia(ctx context.Context, c control.Control) (control.Control, media.Report)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

// Service renders controls into report documents
type Service struct {
	media     Embedder
	renderers map[Format]renderFunc
	logger    *zap.Logger
}

// NewService creates a new export service. A nil embedder exports the control
// with whatever references it already carries.
func NewService(embedder Embedder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		media: embedder,
		renderers: map[Format]renderFunc{
			FormatPDF:  exportPDF,
			FormatDOCX: exportDOCX,
		},
		logger: logger,
	}
}

// Export embeds the control's media and renders it in the requested format.
// When rendering with media fails it retries once without photos and
// signatures. Missing runtime dependencies are returned as is.
func (s *Service) Export(ctx context.Context, c control.Control, format Format) (*Result, error) {
	render, ok := s.renderers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	embedded := c
	var report media.Report
	if s.media != nil {
		embedded, report = s.media.EmbedMedia(ctx, c)
	}
	if !report.Complete() {
		s.logger.Warn("export: unresolved media",
			zap.String("control_id", c.ID),
			zap.Int("unresolved", len(report.Unresolved)),
		)
	}

	result, err := s.render(ctx, render, embedded)
	if err == nil {
		result.Unresolved = report.Unresolved
		return result, nil
	}
	if errors.Is(err, ErrPDFDependencyMissing) || errors.Is(err, ErrDOCXDependencyMissing) || ctx.Err() != nil {
		return nil, err
	}

	s.logger.Warn("export: render failed, retrying without media",
		zap.String("control_id", c.ID),
		zap.String("format", string(format)),
		zap.Error(err),
	)
	result, retryErr := s.render(ctx, render, c.WithoutMedia())
	if retryErr != nil {
		return nil, fmt.Errorf("render without media: %w", retryErr)
	}
	result.MediaOmitted = true
	result.Unresolved = report.Unresolved
	return result, nil
}

func (s *Service) render(ctx context.Context, render renderFunc, c control.Control) (*Result, error) {
	data := BuildTemplateData(c)
	html, err := RenderControlHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return render(ctx, html, data.Title)
}
