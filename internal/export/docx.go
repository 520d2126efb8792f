package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	docxMime    = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	docxTimeout = 60 * time.Second
)

// exportDOCX pipes the report HTML through pandoc. Inline data: images are
// carried into the document by pandoc itself.
func exportDOCX(ctx context.Context, html string, title string) (*Result, error) {
	pandoc, err := exec.LookPath("pandoc")
	if err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, docxTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, pandoc,
		"--from", "html",
		"--to", "docx",
		"--standalone",
		"--metadata", "title="+title,
		"--metadata", "lang=sv-SE",
		"--output", "-",
	)
	cmd.Stdin = strings.NewReader(html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("run pandoc: %w", err)
	}

	return &Result{
		Data:     stdout.Bytes(),
		Filename: sanitizeFilename(title) + ".docx",
		MimeType: docxMime,
	}, nil
}
