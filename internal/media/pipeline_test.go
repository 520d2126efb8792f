package media

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/metrics"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func imageServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		switch r.URL.Path {
		case "/ok.png":
			_, _ = w.Write(pngHeader)
		case "/big.jpg":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/gone.jpg"
	srv.Close()
	return url
}

func newPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.ScratchDir == "" {
		opts.ScratchDir = t.TempDir()
	}
	return New(opts)
}

func TestUnreachableURLInSectionSlotIsLeftUnchanged(t *testing.T) {
	bad := unreachableURL(t)
	c := control.Normalize(map[string]any{
		"id": "a1",
		"checklist": []any{
			map[string]any{"title": "Tak", "photos": bad},
			map[string]any{"title": "Vägg", "photos": []any{"https://127.0.0.1:1/x.jpg", bad}},
		},
	})

	out, report := newPipeline(t, Options{}).EmbedMedia(context.Background(), c)

	require.Len(t, out.Checklist, 2)
	assert.False(t, out.Checklist[0].Photos.IsMany())
	assert.Equal(t, bad, out.Checklist[0].Photos.Refs()[0].URI())
	assert.Equal(t, c.Checklist[1].Photos, out.Checklist[1].Photos)

	paths := []string{}
	for _, u := range report.Unresolved {
		paths = append(paths, u.Path)
		assert.NotEmpty(t, u.Error)
	}
	assert.Equal(t, []string{"checklist[0].photos", "checklist[1].photos[0]", "checklist[1].photos[1]"}, paths)
	assert.False(t, report.Complete())
}

func TestEmbedResolvesEveryShape(t *testing.T) {
	dir := t.TempDir()
	local := writeFile(t, dir, "sig.png", pngHeader)
	srv := imageServer(t, nil)
	inline := control.InlineRef("image/png", []byte("already"))

	c := control.Normalize(map[string]any{
		"id":              "a1",
		"photos":          []any{map[string]any{"uri": srv.URL + "/ok.png", "caption": "Fasad"}},
		"deviationPhotos": []any{"file://" + local},
		"signatures":      []any{inline.URI()},
		"checklist": []any{
			map[string]any{"title": "Tak", "photos": local},
			map[string]any{"title": "Vägg", "photos": []any{srv.URL + "/ok.png", local}},
		},
	})

	out, report := newPipeline(t, Options{LocalRoot: dir, AllowPrivateHosts: true}).EmbedMedia(context.Background(), c)

	assert.True(t, report.Complete())
	assert.Equal(t, 5, report.Inlined)
	assert.Equal(t, 1, report.Unchanged)

	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)
	assert.Equal(t, want, out.Photos[0].URI())
	assert.Equal(t, "Fasad", out.Photos[0].Caption())
	assert.Equal(t, want, out.DeviationPhotos[0].URI())
	assert.Equal(t, inline.URI(), out.Signatures[0].URI())
	assert.False(t, out.Checklist[0].Photos.IsMany())
	assert.Equal(t, want, out.Checklist[0].Photos.Refs()[0].URI())
	assert.Equal(t, 2, out.Checklist[1].Photos.Len())
	for _, ref := range out.Checklist[1].Photos.Refs() {
		assert.True(t, ref.IsInline())
	}
}

func TestEmbedDoesNotMutateInput(t *testing.T) {
	dir := t.TempDir()
	local := writeFile(t, dir, "a.jpg", []byte("jpeg-bytes"))
	c := control.Normalize(map[string]any{
		"id":        "a1",
		"photos":    []any{local},
		"checklist": []any{map[string]any{"title": "Tak", "photos": []any{local}}},
	})
	before := c.Clone()

	out, _ := newPipeline(t, Options{LocalRoot: dir}).EmbedMedia(context.Background(), c)

	assert.Equal(t, before, c)
	assert.True(t, out.Photos[0].IsInline())
	assert.Equal(t, control.MediaLocal, c.Photos[0].Kind())
	assert.Equal(t, control.MediaLocal, c.Checklist[0].Photos.Refs()[0].Kind())
}

func TestRemoteDownloadIsCachedInScratch(t *testing.T) {
	var hits atomic.Int32
	srv := imageServer(t, &hits)
	scratch := t.TempDir()
	p := newPipeline(t, Options{ScratchDir: scratch, AllowPrivateHosts: true})

	c := control.Normalize(map[string]any{"photos": []any{srv.URL + "/ok.png", srv.URL + "/ok.png"}})
	_, report := p.EmbedMedia(context.Background(), c)
	require.True(t, report.Complete())
	_, report = p.EmbedMedia(context.Background(), c)
	require.True(t, report.Complete())

	assert.Equal(t, int32(1), hits.Load())
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".png"))
}

func TestSizeLimit(t *testing.T) {
	srv := imageServer(t, nil)
	dir := t.TempDir()
	local := writeFile(t, dir, "big.jpg", []byte(strings.Repeat("x", 64)))
	p := newPipeline(t, Options{MaxBytes: 16, LocalRoot: dir, AllowPrivateHosts: true})

	_, err := p.Resolve(context.Background(), control.NewMediaRef(local))
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = p.Resolve(context.Background(), control.NewMediaRef(srv.URL+"/big.jpg"))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestEmptyAndMissingLocalFiles(t *testing.T) {
	dir := t.TempDir()
	empty := writeFile(t, dir, "empty.png", nil)
	p := newPipeline(t, Options{LocalRoot: dir})

	_, err := p.Resolve(context.Background(), control.NewMediaRef(empty))
	assert.ErrorIs(t, err, ErrEmpty)
	ref := control.NewMediaRef(filepath.Join(dir, "missing.png"))
	got, err := p.Resolve(context.Background(), ref)
	assert.Error(t, err)
	assert.Equal(t, ref, got)
	_, err = p.Resolve(context.Background(), control.NewMediaRef(dir))
	assert.Error(t, err)
}

func TestHTTPErrorStatusIsUnresolved(t *testing.T) {
	srv := imageServer(t, nil)
	_, err := newPipeline(t, Options{AllowPrivateHosts: true}).Resolve(context.Background(), control.NewMediaRef(srv.URL+"/missing.jpg"))
	assert.ErrorIs(t, err, errBadStatus)
}

func TestS3WithoutFetcherIsUnresolved(t *testing.T) {
	_, err := newPipeline(t, Options{}).Resolve(context.Background(), control.NewMediaRef("s3://photos/a1/1.jpg"))
	assert.ErrorIs(t, err, ErrNoFetcher)
}

type stubFetcher struct {
	data []byte
	uris []string
}

func (s *stubFetcher) Fetch(_ context.Context, uri, dest string) error {
	s.uris = append(s.uris, uri)
	return os.WriteFile(dest, s.data, 0o644)
}

func TestS3FetcherIsUsedForS3Scheme(t *testing.T) {
	stub := &stubFetcher{data: []byte("jpeg")}
	p := newPipeline(t, Options{S3: stub})

	got, err := p.Resolve(context.Background(), control.NewMediaRef("s3://photos/a1/1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString([]byte("jpeg")), got.URI())
	assert.Equal(t, []string{"s3://photos/a1/1.jpg"}, stub.uris)
}

func TestLocalRootConfinesReads(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "inside.png", pngHeader)
	outside := writeFile(t, t.TempDir(), "outside.png", pngHeader)
	p := newPipeline(t, Options{LocalRoot: root})

	got, err := p.Resolve(context.Background(), control.NewMediaRef("inside.png"))
	require.NoError(t, err)
	assert.True(t, got.IsInline())

	_, err = p.Resolve(context.Background(), control.NewMediaRef(outside))
	assert.ErrorIs(t, err, ErrOutsideRoot)
	for _, uri := range []string{
		"../etc/passwd",
		"photos/../../etc/passwd",
		"/proc/self/environ",
		"file:///proc/self/environ",
	} {
		_, err = p.Resolve(context.Background(), control.NewMediaRef(uri))
		assert.ErrorIs(t, err, ErrOutsideRoot, uri)
	}
}

func TestLocalRootRejectsSymlinkOut(t *testing.T) {
	root := t.TempDir()
	outside := writeFile(t, t.TempDir(), "secret.png", pngHeader)
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link.png")))

	_, err := newPipeline(t, Options{LocalRoot: root}).Resolve(context.Background(), control.NewMediaRef("link.png"))
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestLocalReferencesNeedARoot(t *testing.T) {
	dir := t.TempDir()
	local := writeFile(t, dir, "a.png", pngHeader)
	c := control.Normalize(map[string]any{
		"id":     "a1",
		"photos": []any{"/proc/self/environ", "file:///proc/self/environ", "../a.png", local},
	})

	out, report := newPipeline(t, Options{}).EmbedMedia(context.Background(), c)

	require.Len(t, report.Unresolved, 4)
	for i, u := range report.Unresolved {
		assert.Contains(t, u.Error, ErrNoLocalRoot.Error())
		assert.Equal(t, c.Photos[i], out.Photos[i])
	}
}

func TestPrivateAddressesAreRefused(t *testing.T) {
	var hits atomic.Int32
	srv := imageServer(t, &hits)
	p := newPipeline(t, Options{})

	_, err := p.Resolve(context.Background(), control.NewMediaRef(srv.URL+"/ok.png"))
	assert.ErrorIs(t, err, ErrBlockedAddress)

	c := control.Normalize(map[string]any{"photos": []any{srv.URL + "/ok.png"}})
	out, report := p.EmbedMedia(context.Background(), c)
	require.Len(t, report.Unresolved, 1)
	assert.Equal(t, srv.URL+"/ok.png", out.Photos[0].URI())
	assert.Zero(t, hits.Load())
}

func TestRoutable(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":        false,
		"10.1.2.3":         false,
		"172.16.0.1":       false,
		"192.168.1.1":      false,
		"169.254.169.254":  false,
		"100.64.0.1":       false,
		"0.0.0.0":          false,
		"224.0.0.1":        false,
		"::1":              false,
		"fc00::1":          false,
		"fe80::1":          false,
		"::ffff:127.0.0.1": false,
		"93.184.216.34":    true,
		"2606:4700::1111":  true,
	}
	for addr, want := range cases {
		assert.Equal(t, want, routable(netip.MustParseAddr(addr)), addr)
	}
}

func TestStaleScratchCopyIsRefetched(t *testing.T) {
	var hits atomic.Int32
	srv := imageServer(t, &hits)
	scratch := t.TempDir()
	p := newPipeline(t, Options{ScratchDir: scratch, ScratchTTL: time.Hour, AllowPrivateHosts: true})
	ref := control.NewMediaRef(srv.URL + "/ok.png")

	_, err := p.Resolve(context.Background(), ref)
	require.NoError(t, err)
	_, err = p.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load())

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(scratch, entries[0].Name()), old, old))

	_, err = p.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestMetricsPerOutcome(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	dir := t.TempDir()
	local := writeFile(t, dir, "a.png", pngHeader)
	c := control.Normalize(map[string]any{
		"photos": []any{local, unreachableURL(t), control.InlineRef("image/png", pngHeader).URI()},
	})

	newPipeline(t, Options{Metrics: m, LocalRoot: dir}).EmbedMedia(context.Background(), c)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Media.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Media.WithLabelValues("unresolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Media.WithLabelValues("inline")))
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "image/jpeg", mimeType("https://cdn/x/photo.JPG?size=large", nil))
	assert.Equal(t, "image/png", mimeType("/tmp/noext", pngHeader))
	assert.Equal(t, "text/plain", mimeType("/tmp/noext", []byte("hello")))
}

func TestSplitS3URI(t *testing.T) {
	bucket, key, err := splitS3URI("s3://photos/a1/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "photos", bucket)
	assert.Equal(t, "a1/1.jpg", key)

	_, _, err = splitS3URI("s3://photos/")
	assert.Error(t, err)
}
