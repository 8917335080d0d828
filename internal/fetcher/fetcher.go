// Package fetcher handles feed downloading with conditional-request
// caching, an on-disk fallback for JSON documents, and a retrying variant
// for endpoints without validator support.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"wfstatus_bot/internal/model"
)

// ErrFetch marks a fetch that failed after exhausting its retries.
var ErrFetch = errors.New("fetch failed")

const (
	requestTimeout = 20 * time.Second
	maxBodySize    = 20 * 1024 * 1024
	userAgent      = "wfstatus-bot/1.0"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads feed documents.
type Fetcher struct {
	client      HTTPClient
	backoffBase time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{client: client, backoffBase: 2 * time.Second}
}

// FetchText performs a conditional GET using the validators in meta.
// A 304 reply returns changed=false and passes the old meta through
// untouched; any other success returns the body with fresh validators.
func (f *Fetcher) FetchText(ctx context.Context, url string, meta model.CacheMeta) (string, model.CacheMeta, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", meta, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", meta, false, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return "", meta, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", meta, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", meta, false, fmt.Errorf("read body: %w", err)
	}

	newMeta := model.CacheMeta{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	return string(body), newMeta, true, nil
}

// FetchJSONCached layers a disk copy over FetchText. A changed response
// refreshes the disk copy; an unchanged one is served from disk. When the
// remote says unchanged but the disk copy is gone, one unconditional
// fetch repairs the cache.
func (f *Fetcher) FetchJSONCached(ctx context.Context, url, cachePath string, meta model.CacheMeta) ([]byte, model.CacheMeta, error) {
	body, newMeta, changed, err := f.FetchText(ctx, url, meta)
	if err != nil {
		return nil, meta, err
	}
	if changed {
		if err := writeCacheFile(cachePath, []byte(body)); err != nil {
			return nil, meta, err
		}
		return []byte(body), newMeta, nil
	}

	cached, err := os.ReadFile(cachePath)
	if err == nil {
		return cached, newMeta, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, meta, fmt.Errorf("read cache %s: %w", cachePath, err)
	}

	// Remote is unchanged but the local copy is missing: refetch without
	// validators to repair the cache.
	body, newMeta, _, err = f.FetchText(ctx, url, model.CacheMeta{})
	if err != nil {
		return nil, meta, err
	}
	if err := writeCacheFile(cachePath, []byte(body)); err != nil {
		return nil, meta, err
	}
	return []byte(body), newMeta, nil
}

// FetchDocument performs a plain GET and returns the body together with
// the server's Date header when present (zero time otherwise). The date
// is the authoritative "now" for expiry math on feeds whose payloads are
// stamped against the server clock.
func (f *Fetcher) FetchDocument(ctx context.Context, url string) ([]byte, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, time.Time{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read body: %w", err)
	}

	var serverNow time.Time
	if date := resp.Header.Get("Date"); date != "" {
		if t, err := http.ParseTime(date); err == nil {
			serverNow = t
		}
	}
	return body, serverNow, nil
}

// FetchWithBackoff retries a plain GET with jittered exponential backoff,
// for feeds that do not support conditional requests. Exhausting the
// retry budget returns an error wrapping ErrFetch.
func (f *Fetcher) FetchWithBackoff(ctx context.Context, url string) (string, error) {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(f.backoffBase))
	backoff = retry.WithJitter(f.backoffBase/2, backoff)

	var body string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		text, _, _, err := f.FetchText(ctx, url, model.CacheMeta{})
		if err != nil {
			return retry.RetryableError(err)
		}
		body = text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	return body, nil
}

func writeCacheFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache %s: %w", path, err)
	}
	return nil
}
