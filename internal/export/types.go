// Package export renders a control into a PDF or DOCX report.
package export

import (
	"errors"

	"sitecontrol/api/internal/media"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat maps a query value to a Format; empty means PDF.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// MediaOmitted is set when the first render failed and the document was
	// produced again without photos and signatures.
	MediaOmitted bool
	// Unresolved lists the references that could not be embedded.
	Unresolved []media.Unresolved
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
