package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrTooLarge       = errors.New("media exceeds size limit")
	ErrEmpty          = errors.New("media is empty")
	ErrNoFetcher      = errors.New("no fetcher for scheme")
	ErrOutsideRoot    = errors.New("media path outside local root")
	ErrNoLocalRoot    = errors.New("local media is disabled")
	ErrBlockedAddress = errors.New("media host is not publicly routable")
	errBadStatus      = errors.New("unexpected status")
)

// sharedAddressSpace is the carrier-grade NAT range, which netip does not
// count as private.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Fetcher downloads a remote reference to dest.
type Fetcher interface {
	Fetch(ctx context.Context, uri, dest string) error
}

// HTTPFetcher downloads http(s) references. Unless allowPrivate is set it
// refuses to connect to internal addresses, including after redirects and
// DNS resolution.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64, allowPrivate bool) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !allowPrivate {
		dialer.Control = publicOnly
	}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		maxBytes: maxBytes,
	}
}

// publicOnly runs after name resolution, so address is always ip:port.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if !routable(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
	}
	return nil
}

func routable(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(), addr.IsMulticast(),
		sharedAddressSpace.Contains(addr):
		return false
	}
	return true
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", errBadStatus, resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return ErrTooLarge
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	return writeAtomic(dest, body, f.maxBytes)
}

// S3Fetcher downloads s3://bucket/key references from S3 or MinIO.
type S3Fetcher struct {
	client *minio.Client
}

func NewS3Fetcher(endpoint, accessKey, secretKey string, secure bool) (*S3Fetcher, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3Fetcher{client: client}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, uri, dest string) error {
	bucket, key, err := splitS3URI(uri)
	if err != nil {
		return err
	}
	if err := f.client.FGetObject(ctx, bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	return nil
}

func splitS3URI(uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 uri: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 uri %q", uri)
	}
	return u.Host, key, nil
}

// writeAtomic copies r into dest through a temp file in the same directory,
// so a failed download never leaves a partial file under dest.
func writeAtomic(dest string, r io.Reader, maxBytes int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return ErrTooLarge
	}
	if n == 0 {
		return ErrEmpty
	}
	return os.Rename(tmp.Name(), dest)
}
