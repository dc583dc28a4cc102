// Package backend talks to the event-coordination REST backend that owns
// users, events, participations and travel plans.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	appLog "carbontrail/internal/log"
	"carbontrail/internal/model"
)

var (
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrNotFound     = errors.New("backend: not found")
)

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "backend: unexpected status " + e.Status
}

const defaultTimeout = 15 * time.Second

// maxParallelFetch bounds concurrent requests made by FetchAll.
const maxParallelFetch = 4

// Options configures a Client.
type Options struct {
	BaseURL            string
	Token              string
	ParticipationsPath string
	// CacheDir is where per-URL metadata and last good bodies are kept.
	// Empty disables the disk cache.
	CacheDir   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// cacheEntry holds HTTP cache metadata for a single backend URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Client fetches participation listings with HTTP caching
// (ETag / Last-Modified) and a disk-backed fallback.
type Client struct {
	baseURL            string
	token              string
	participationsPath string
	cacheDir           string
	client             *http.Client
}

// New creates a backend Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("backend: base URL is empty")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("backend: invalid base URL: %w", err)
	}
	path := opts.ParticipationsPath
	if path == "" {
		path = "/users/{userID}/event-participations"
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:            base,
		token:              opts.Token,
		participationsPath: path,
		cacheDir:           opts.CacheDir,
		client:             hc,
	}, nil
}

// Participations lists every event participation of userID, including
// each one's travel plan if the user has chosen one.
func (c *Client) Participations(ctx context.Context, userID string) ([]model.EventParticipation, error) {
	if userID == "" {
		return nil, errors.New("backend: user id is empty")
	}
	u := c.baseURL + strings.ReplaceAll(c.participationsPath, "{userID}", url.PathEscape(userID))

	body, fromCache, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("list participations for %s: %w", userID, err)
	}

	var out []model.EventParticipation
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode participations for %s: %w", userID, err)
	}
	appLog.Debug("backend participations loaded", "user", userID, "count", len(out), "from_cache", fromCache)
	return out, nil
}

// FetchAll loads participations for several users concurrently, at most
// maxParallelFetch at a time. Users whose request failed are reported in
// the error map; the rest are returned.
func (c *Client) FetchAll(ctx context.Context, userIDs []string) (map[string][]model.EventParticipation, map[string]error) {
	type result struct {
		user string
		ps   []model.EventParticipation
		err  error
	}

	results := make(chan result, len(userIDs))
	sem := make(chan struct{}, maxParallelFetch)
	var wg sync.WaitGroup
	for _, id := range userIDs {
		wg.Go(func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			ps, err := c.Participations(ctx, id)
			results <- result{user: id, ps: ps, err: err}
		})
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	ok := make(map[string][]model.EventParticipation, len(userIDs))
	failed := make(map[string]error)
	for r := range results {
		if r.err != nil {
			appLog.Error("backend fetch failed", r.err, "user", r.user)
			failed[r.user] = r.err
			continue
		}
		ok[r.user] = r.ps
	}
	return ok, failed
}

// get performs a conditional GET, falling back to the last cached body on
// network errors and unexpected statuses. The bool reports a cache hit.
func (c *Client) get(ctx context.Context, u string) ([]byte, bool, error) {
	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if c.cacheDir != "" {
		cachePath = c.cachePathForURL(u)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return nil, false, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	// Conditional headers only make sense if we can serve the cached body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("backend network error, using cached body", err, "url", redactURL(u))
			return cachedBody, true, nil
		}
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, false, readErr
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          u,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("backend cache save failed", err, "url", redactURL(u))
			}
		}
		return body, false, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, false, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("backend not modified; using cache", "url", redactURL(u))
		return cachedBody, true, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("backend non-OK, using cached body", errors.New(resp.Status), "url", redactURL(u), "status", resp.StatusCode)
			return cachedBody, true, nil
		}
		return nil, false, statusError(resp)
	}
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return &StatusError{Code: resp.StatusCode, Status: resp.Status}
}

func (c *Client) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	// Use first 16 hex chars as directory name.
	return filepath.Join(c.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.json"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.json"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only, so user ids and tokens in paths
// or query strings stay out of logs.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "backend://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
