package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	appLog "plancal/internal/log"
)

// FetchResult contains the outcome of fetching a single plan URL.
type FetchResult struct {
	URL       string
	Body      []byte // payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// cacheEntry holds HTTP cache metadata for a single URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HTTPProvider fetches plan files over HTTP(S) with conditional requests
// (ETag / Last-Modified) and a disk-backed cache. It is read-only.
type HTTPProvider struct {
	client   *http.Client
	fs       afero.Fs
	cacheDir string
	charset  Charset
}

// NewHTTPProvider creates a provider caching under cacheDir on fsys. A nil
// fsys means the OS filesystem.
func NewHTTPProvider(fsys afero.Fs, cacheDir string, charset Charset) *HTTPProvider {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if cacheDir == "" {
		// Development fallback so runs without root permissions work.
		cacheDir = "./var/plan-cache"
	}
	if charset == "" {
		charset = CharsetAuto
	}
	return &HTTPProvider{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		fs:       fsys,
		cacheDir: cacheDir,
		charset:  charset,
	}
}

func (p *HTTPProvider) Load(ctx context.Context, url string) (string, error) {
	res, err := p.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	return p.charset.Decode(res.Body)
}

func (p *HTTPProvider) Store(_ context.Context, url, _ string) error {
	return fmt.Errorf("%s: %w", redactURL(url), ErrReadOnly)
}

// Fetch fetches a single URL, honoring ETag and Last-Modified. When the
// server cannot be reached or answers with an error, a cached body is
// returned instead if one exists.
func (p *HTTPProvider) Fetch(ctx context.Context, url string) (FetchResult, error) {
	if url == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	cachePath := p.cachePathForURL(url)
	if err := p.fs.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := p.loadCacheMeta(cachePath)
	cachedBody, _ := p.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, err
	}

	// Conditional headers from cache metadata, only if we still have the body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("plan fetch start", "url", redactURL(url))

	resp, err := p.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("plan fetch network error, using cached body", err, "url", redactURL(url))
			return FetchResult{URL: url, Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, readErr
		}

		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := p.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("plan cache save failed", err, "url", redactURL(url))
		}

		appLog.Info("plan fetch success", "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{URL: url, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("plan fetch not modified; using cache", "url", redactURL(url))
		return FetchResult{URL: url, Body: cachedBody, FromCache: true}, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("plan fetch non-OK, using cached body", errors.New(resp.Status), "url", redactURL(url), "status", resp.StatusCode)
			return FetchResult{URL: url, Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, fmt.Errorf("fetch %s: %s", redactURL(url), resp.Status)
	}
}

func (p *HTTPProvider) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// First 16 hex chars name the directory.
	return filepath.Join(p.cacheDir, hex.EncodeToString(sum[:8]))
}

func (p *HTTPProvider) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := afero.ReadFile(p.fs, filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (p *HTTPProvider) loadCacheBody(cachePath string) ([]byte, error) {
	return afero.ReadFile(p.fs, filepath.Join(cachePath, "body.plan"))
}

func (p *HTTPProvider) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at a missing body.
	if err := afero.WriteFile(p.fs, filepath.Join(cachePath, "body.plan"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(p.fs, filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides the path and query of a URL for logging, e.g.
// https://example.com/private.plan?token=abcd -> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "plan://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
