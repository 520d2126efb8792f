package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

// browserCandidates are tried in order on PATH.
var browserCandidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

// pdfFooter numbers the pages; Chrome fills the pageNumber and totalPages spans.
const pdfFooter = `<div style="font-size:8px;width:100%;text-align:center;color:#666;">` +
	`<span class="pageNumber"></span> / <span class="totalPages"></span></div>`

func findBrowser() (string, error) {
	for _, name := range browserCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s on PATH", ErrPDFDependencyMissing, strings.Join(browserCandidates, ", "))
}

// exportPDF prints the report through headless Chrome. The document is loaded
// with SetDocumentContent rather than a data: URL, which Chrome caps at 2 MB and
// embedded photos easily exceed.
func exportPDF(ctx context.Context, html string, title string) (*Result, error) {
	browser, err := findBrowser()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(browser),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var pdf []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.7).
				WithMarginBottom(0.8).
				WithMarginLeft(0.7).
				WithMarginRight(0.7).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<div></div>").
				WithFooterTemplate(pdfFooter).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}

	return &Result{
		Data:     pdf,
		Filename: sanitizeFilename(title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

const maxFilenameRunes = 60

var swedishFold = strings.NewReplacer("å", "a", "ä", "a", "ö", "o", "Å", "A", "Ä", "A", "Ö", "O", "é", "e", "É", "E")

// sanitizeFilename reduces a report title to ASCII letters, digits, dashes and
// underscores. Runs of whitespace collapse to a single dash.
func sanitizeFilename(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(swedishFold.Replace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		case r == '-' || r == ' ' || r == '\t':
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	name := strings.TrimRight(b.String(), "-")
	if utf8.RuneCountInString(name) > maxFilenameRunes {
		name = strings.TrimRight(name[:maxFilenameRunes], "-")
	}
	if name == "" {
		return "kontroll"
	}
	return name
}
