package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheEntryState is the lifecycle state of a CacheEntry.
type CacheEntryState int

const (
	StateFetching CacheEntryState = iota
	StateReady
	StateFailed
)

// CacheEntry describes one resolved (or resolving) image on disk.
type CacheEntry struct {
	Key         ImageKey
	Path        string
	BytesLen    uint64
	ContentType string
	State       CacheEntryState
}

const (
	contentTypePNG = "image/png"
	contentTypeGIF = "image/gif"
)

// DefaultFetchTimeout bounds each cache fetch's HTTP GET.
const DefaultFetchTimeout = 15 * time.Second

// ImageCache resolves ImageKeys to local files under a process-wide cache
// directory, deduplicating concurrent fetches for the same key through a
// singleflight.Group instead of a hand-rolled map of waiters.
type ImageCache struct {
	dir    string
	client *http.Client
	log    *slog.Logger
	fetch  singleflight.Group

	mu        sync.Mutex
	entries   map[string]*CacheEntry
	forbidden map[string]bool
	purging   bool

	// twitchAvailable/emojiAvailable record the startup CDN probe result.
	twitchAvailable bool
	emojiAvailable  bool
}

// NewImageCache creates the cache directory (if missing) under dir and
// returns a ready cache. fetchTimeout bounds each HTTP GET.
func NewImageCache(dir string, fetchTimeout time.Duration, log *slog.Logger) (*ImageCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &FatalError{Err: fmt.Errorf("cache directory unwritable: %w", err)}
	}
	return &ImageCache{
		dir:       dir,
		client:    &http.Client{Timeout: fetchTimeout},
		log:       log,
		entries:   make(map[string]*CacheEntry),
		forbidden: make(map[string]bool),
	}, nil
}

// ProbeSources checks CDN reachability with one known-good Twitch emote
// and the first Twemoji code point. Both unreachable is fatal; either
// alone is logged as a warning and startup continues. Resolve does not
// consult the result: fetches for an unreachable source are still made.
func (c *ImageCache) ProbeSources(ctx context.Context) error {
	probe := func(url string) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}

	c.mu.Lock()
	c.twitchAvailable = probe("https://static-cdn.jtvnw.net/emoticons/v2/25/static/light/1.0")
	c.emojiAvailable = probe("https://cdn.jsdelivr.net/gh/toine512/twemoji-bitmaps@main/128x128_png32/1f600.png")
	twitchOK, emojiOK := c.twitchAvailable, c.emojiAvailable
	c.mu.Unlock()

	if !twitchOK {
		c.log.Warn("Twitch emotes CDN unreachable at startup")
	}
	if !emojiOK {
		c.log.Warn("Twemoji CDN unreachable at startup")
	}
	if !twitchOK && !emojiOK {
		return &FatalError{Err: fmt.Errorf("no image source available")}
	}
	return nil
}

// Resolve returns the local path and content type for key, fetching it if
// necessary. Concurrent callers for the same key share one in-flight fetch.
func (c *ImageCache) Resolve(ctx context.Context, key ImageKey) (string, string, error) {
	fp := key.Fingerprint()

	c.mu.Lock()
	if c.purging {
		c.mu.Unlock()
		return "", "", &CacheMiss{Key: key, Err: fmt.Errorf("purge in progress")}
	}
	if c.forbidden[fp] {
		c.mu.Unlock()
		return "", "", &CacheMiss{Key: key, Err: fmt.Errorf("%s previously rejected by its source, not retrying", fp)}
	}
	if entry, ok := c.entries[fp]; ok && entry.State == StateReady {
		c.mu.Unlock()
		return entry.Path, entry.ContentType, nil
	}
	c.mu.Unlock()

	v, err, _ := c.fetch.Do(fp, func() (any, error) {
		return c.fetchOnce(ctx, key)
	})
	if err != nil {
		logTrace(ctx, c.log, "cache miss, this isn't supposed to happen if ranking and resolve are kept in order", "key", fp, "err", err)
		return "", "", &CacheMiss{Key: key, Err: err}
	}
	entry := v.(*CacheEntry)
	return entry.Path, entry.ContentType, nil
}

func (c *ImageCache) fetchOnce(ctx context.Context, key ImageKey) (*CacheEntry, error) {
	fp := key.Fingerprint()

	c.mu.Lock()
	if entry, ok := c.entries[fp]; ok && entry.State == StateReady {
		c.mu.Unlock()
		return entry, nil
	}
	c.entries[fp] = &CacheEntry{Key: key, State: StateFetching}
	c.mu.Unlock()

	path := filepath.Join(c.dir, fp+"."+key.Extension())

	entry, err := c.download(ctx, key, path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.entries, fp) // Failed entries are evicted from the in-memory map.
		os.Remove(path + ".tmp")
		var rejected *rejectedFetchError
		if asRejectedFetchError(err, &rejected) {
			c.forbidden[fp] = true
			c.log.Warn("image source rejected fetch, forbidding key for this run", "key", fp, "status", rejected.StatusCode)
		}
		return nil, err
	}
	c.entries[fp] = entry
	return entry, nil
}

// rejectedFetchError marks a fetch the source will never satisfy (403 or
// 404): retrying costs a round trip for no benefit, so the key is
// forbidden for the rest of the process instead.
type rejectedFetchError struct {
	StatusCode int
	URL        string
}

func (e *rejectedFetchError) Error() string {
	return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
}

func asRejectedFetchError(err error, target **rejectedFetchError) bool {
	if re, ok := err.(*rejectedFetchError); ok {
		*target = re
		return true
	}
	return false
}

func (c *ImageCache) download(ctx context.Context, key ImageKey, path string) (*CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.SourceURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Component: "ImageCache", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
			return nil, &rejectedFetchError{StatusCode: resp.StatusCode, URL: key.SourceURL()}
		}
		return nil, fmt.Errorf("fetch %s: HTTP %d", key.SourceURL(), resp.StatusCode)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write cache file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("close cache file: %w", closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rename cache file: %w", err)
	}

	contentType := contentTypePNG
	if key.Extension() == "gif" {
		contentType = contentTypeGIF
	}
	return &CacheEntry{
		Key:         key,
		Path:        path,
		BytesLen:    uint64(n),
		ContentType: contentType,
		State:       StateReady,
	}, nil
}

// PurgeAll deletes the cache directory and all in-memory state. Must not
// run concurrently with Resolve; used only during cold startup under
// --purge.
func (c *ImageCache) PurgeAll() error {
	c.mu.Lock()
	c.purging = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.purging = false
		c.mu.Unlock()
	}()

	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("purge cache directory: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return &FatalError{Err: fmt.Errorf("recreate cache directory: %w", err)}
	}

	c.mu.Lock()
	c.entries = make(map[string]*CacheEntry)
	c.forbidden = make(map[string]bool)
	c.mu.Unlock()
	return nil
}
