package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"
)

// Fetcher retrieves module bytes for a locator. Implementations make a
// single attempt; the loader never retries.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, ref string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

// Default limits.
const (
	DefaultMaxBytes = 256 << 20
	DefaultTimeout  = 30 * time.Second
)

// DefaultFetcher resolves file paths, file:// and http(s) URLs, and data:
// URLs.
type DefaultFetcher struct {
	// Client is used for http and https. Nil means a client with Timeout.
	Client *http.Client
	// BaseDir resolves relative file paths. Empty means the working directory.
	BaseDir string
	// MaxBytes caps the module size. Zero means DefaultMaxBytes.
	MaxBytes int64
	// Timeout bounds an http fetch when Client is nil. Zero means DefaultTimeout.
	Timeout time.Duration
	// AllowFiles enables local paths and file:// URLs.
	AllowFiles bool
}

// NewFetcher returns a DefaultFetcher that allows every scheme.
func NewFetcher() *DefaultFetcher {
	return &DefaultFetcher{AllowFiles: true}
}

// Fetch implements Fetcher.
func (f *DefaultFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty locator")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scheme, _, hasScheme := strings.Cut(ref, ":")
	switch {
	case hasScheme && strings.EqualFold(scheme, "data"):
		return f.fetchData(ref)
	case hasScheme && (strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https")):
		return f.fetchHTTP(ctx, ref)
	case hasScheme && strings.EqualFold(scheme, "file"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("parse file url: %w", err)
		}
		return f.fetchFile(u.Path)
	case hasScheme && len(scheme) > 1 && !filepath.IsAbs(ref):
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	default:
		return f.fetchFile(ref)
	}
}

func (f *DefaultFetcher) maxBytes() int64 {
	if f.MaxBytes > 0 {
		return f.MaxBytes
	}
	return DefaultMaxBytes
}

func (f *DefaultFetcher) fetchData(ref string) ([]byte, error) {
	du, err := dataurl.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	if int64(len(du.Data)) > f.maxBytes() {
		return nil, fmt.Errorf("module exceeds %d bytes", f.maxBytes())
	}
	return du.Data, nil
}

func (f *DefaultFetcher) fetchFile(path string) ([]byte, error) {
	if !f.AllowFiles {
		return nil, fmt.Errorf("file sources are disabled")
	}
	if !filepath.IsAbs(path) && f.BaseDir != "" {
		path = filepath.Join(f.BaseDir, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readLimited(file, f.maxBytes())
}

func (f *DefaultFetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	client := f.Client
	if client == nil {
		timeout := f.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/wasm, application/octet-stream;q=0.9, */*;q=0.1")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength > f.maxBytes() {
		return nil, fmt.Errorf("module of %d bytes exceeds %d", resp.ContentLength, f.maxBytes())
	}
	return readLimited(resp.Body, f.maxBytes())
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("module exceeds %d bytes", max)
	}
	return data, nil
}

// MapFetcher serves fixed bytes by locator. Unknown locators fail.
type MapFetcher map[string][]byte

// Fetch implements Fetcher.
func (m MapFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, os.ErrNotExist)
	}
	return data, nil
}
