// Package media turns the photo and signature references of a control into
// inline data: payloads so a document can be rendered without network or
// filesystem access.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/metrics"
)

const (
	defaultMaxBytes    = 10 << 20
	defaultConcurrency = 4
	defaultScratchTTL  = 24 * time.Hour
)

// Options configures a Pipeline. Zero values fall back to defaults; a nil S3
// fetcher leaves s3:// references unresolved and an empty LocalRoot leaves
// every local reference unresolved. AllowPrivateHosts lets the default HTTP
// fetcher reach loopback and private addresses.
type Options struct {
	ScratchDir        string
	ScratchTTL        time.Duration
	LocalRoot         string
	MaxBytes          int64
	HTTPTimeout       time.Duration
	AllowPrivateHosts bool
	Concurrency       int
	HTTP              Fetcher
	S3                Fetcher
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Pipeline materializes media references. It is safe for concurrent use.
type Pipeline struct {
	scratch     string
	scratchTTL  time.Duration
	localRoot   string
	maxBytes    int64
	concurrency int
	fetchers    map[string]Fetcher
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		scratch:     opts.ScratchDir,
		scratchTTL:  opts.ScratchTTL,
		localRoot:   opts.LocalRoot,
		maxBytes:    opts.MaxBytes,
		concurrency: opts.Concurrency,
		fetchers:    map[string]Fetcher{},
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
	if p.scratchTTL <= 0 {
		p.scratchTTL = defaultScratchTTL
	}
	if p.scratch == "" {
		p.scratch = filepath.Join(os.TempDir(), "sitecontrol-media")
	}
	if p.maxBytes <= 0 {
		p.maxBytes = defaultMaxBytes
	}
	if p.concurrency <= 0 {
		p.concurrency = defaultConcurrency
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	httpFetcher := opts.HTTP
	if httpFetcher == nil {
		httpFetcher = NewHTTPFetcher(opts.HTTPTimeout, p.maxBytes, opts.AllowPrivateHosts)
	}
	p.fetchers["http"] = httpFetcher
	p.fetchers["https"] = httpFetcher
	if opts.S3 != nil {
		p.fetchers["s3"] = opts.S3
	}
	return p
}

// Unresolved is a reference left as-is, with where it sits in the control.
type Unresolved struct {
	Path  string `json:"path"`
	URI   string `json:"uri"`
	Error string `json:"error"`
}

// Report summarizes one EmbedMedia call.
type Report struct {
	Inlined    int          `json:"inlined"`
	Unchanged  int          `json:"alreadyInline"`
	Unresolved []Unresolved `json:"unresolved"`
}

// Complete reports whether every reference is now inline.
func (r Report) Complete() bool {
	return len(r.Unresolved) == 0
}

type outcome struct {
	ref    control.MediaRef
	source string
	err    error
}

// EmbedMedia returns a deep copy of c in which every resolvable reference of
// the top-level photo lists, the signatures and each checklist section's
// photo slot is inline. Unresolvable references are kept unchanged and
// listed in the report. It never fails and never mutates c.
func (p *Pipeline) EmbedMedia(ctx context.Context, c control.Control) (control.Control, Report) {
	out := c.Clone()
	report := Report{Unresolved: []Unresolved{}}

	resolved := p.resolveAll(ctx, collect(out))

	apply := func(where string, ref control.MediaRef) control.MediaRef {
		if ref.IsZero() {
			return ref
		}
		if ref.IsInline() {
			report.Unchanged++
			p.metrics.RecordMedia("inline")
			return ref
		}
		res := resolved[ref.URI()]
		if res.err != nil {
			report.Unresolved = append(report.Unresolved, Unresolved{Path: where, URI: ref.URI(), Error: res.err.Error()})
			p.metrics.RecordMedia("unresolved")
			return ref
		}
		report.Inlined++
		p.metrics.RecordMedia(res.source)
		return ref.Replace(res.ref)
	}

	embedList := func(field string, refs []control.MediaRef) {
		for i, ref := range refs {
			refs[i] = apply(fmt.Sprintf("%s[%d]", field, i), ref)
		}
	}
	embedList("photos", out.Photos)
	embedList("deviationPhotos", out.DeviationPhotos)
	embedList("signatures", out.Signatures)

	for i := range out.Checklist {
		slot := out.Checklist[i].Photos
		j := 0
		out.Checklist[i].Photos = slot.Map(func(ref control.MediaRef) control.MediaRef {
			where := fmt.Sprintf("checklist[%d].photos", i)
			if slot.IsMany() {
				where = fmt.Sprintf("%s[%d]", where, j)
			}
			j++
			return apply(where, ref)
		})
	}

	if !report.Complete() {
		p.logger.Info("media: unresolved references",
			zap.String("control_id", c.ID),
			zap.Int("unresolved", len(report.Unresolved)),
			zap.Int("inlined", report.Inlined))
	}
	return out, report
}

// collect lists every distinct non-inline URI of c.
func collect(c control.Control) []string {
	seen := map[string]bool{}
	var uris []string
	add := func(refs []control.MediaRef) {
		for _, ref := range refs {
			if ref.IsInline() || ref.IsZero() || seen[ref.URI()] {
				continue
			}
			seen[ref.URI()] = true
			uris = append(uris, ref.URI())
		}
	}
	add(c.Photos)
	add(c.DeviationPhotos)
	add(c.Signatures)
	for _, section := range c.Checklist {
		add(section.Photos.Refs())
	}
	return uris
}

func (p *Pipeline) resolveAll(ctx context.Context, uris []string) map[string]outcome {
	var mu sync.Mutex
	results := make(map[string]outcome, len(uris))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, uri := range uris {
		uri := uri
		g.Go(func() error {
			ref, source, err := p.resolve(ctx, control.NewMediaRef(uri))
			mu.Lock()
			results[uri] = outcome{ref: ref, source: source, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Resolve materializes a single reference. Inline references come back
// unchanged; local ones are read directly; remote ones are downloaded into
// the scratch directory first.
func (p *Pipeline) Resolve(ctx context.Context, ref control.MediaRef) (control.MediaRef, error) {
	out, _, err := p.resolve(ctx, ref)
	if err != nil {
		return ref, err
	}
	return ref.Replace(out), nil
}

func (p *Pipeline) resolve(ctx context.Context, ref control.MediaRef) (control.MediaRef, string, error) {
	switch ref.Kind() {
	case control.MediaInline:
		return ref, "inline", nil
	case control.MediaLocal:
		local, err := p.localPath(ref.URI())
		if err != nil {
			return ref, "", err
		}
		inline, err := p.readInline(local, ref.URI())
		return inline, "local", err
	default:
		local, err := p.download(ctx, ref.URI())
		if err != nil {
			return ref, "", err
		}
		inline, err := p.readInline(local, ref.URI())
		return inline, "remote", err
	}
}

// localPath maps a local reference to a file inside the local root. Relative
// references are taken from the root. The check is repeated after symlinks
// are resolved, so a link inside the root cannot point out of it.
func (p *Pipeline) localPath(uri string) (string, error) {
	if p.localRoot == "" {
		return "", ErrNoLocalRoot
	}
	root, err := filepath.Abs(p.localRoot)
	if err != nil {
		return "", fmt.Errorf("local root: %w", err)
	}
	local := strings.TrimPrefix(uri, "file://")
	if !filepath.IsAbs(local) {
		local = filepath.Join(root, local)
	}
	local = filepath.Clean(local)
	if !within(root, local) {
		return "", ErrOutsideRoot
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("local root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(local)
	if err != nil {
		return "", err
	}
	if !within(realRoot, resolved) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// download fetches uri into the scratch directory, keyed by the SHA-256 of
// the uri. A non-empty scratch copy younger than the scratch TTL is reused.
func (p *Pipeline) download(ctx context.Context, uri string) (string, error) {
	scheme := strings.ToLower(strings.SplitN(uri, "://", 2)[0])
	fetcher, ok := p.fetchers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoFetcher, scheme)
	}
	if err := os.MkdirAll(p.scratch, 0o755); err != nil {
		return "", fmt.Errorf("scratch dir: %w", err)
	}

	sum := sha256.Sum256([]byte(uri))
	dest := filepath.Join(p.scratch, hex.EncodeToString(sum[:])+extension(uri))
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 && p.now().Sub(info.ModTime()) < p.scratchTTL {
		return dest, nil
	}
	if err := fetcher.Fetch(ctx, uri, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (p *Pipeline) readInline(local, uri string) (control.MediaRef, error) {
	info, err := os.Stat(local)
	if err != nil {
		return control.MediaRef{}, err
	}
	if info.IsDir() {
		return control.MediaRef{}, fmt.Errorf("%s is a directory", local)
	}
	if info.Size() > p.maxBytes {
		return control.MediaRef{}, ErrTooLarge
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return control.MediaRef{}, err
	}
	if len(data) == 0 {
		return control.MediaRef{}, ErrEmpty
	}
	return control.InlineRef(mimeType(uri, data), data), nil
}

func extension(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		return strings.ToLower(path.Ext(u.Path))
	}
	return strings.ToLower(path.Ext(uri))
}

// mimeType prefers the extension and falls back to content sniffing.
func mimeType(uri string, data []byte) string {
	if ext := extension(uri); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			if i := strings.IndexByte(t, ';'); i >= 0 {
				t = t[:i]
			}
			return t
		}
	}
	t := http.DetectContentType(data)
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return t
}
