package hlssession

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const maxProbeCacheEntries = 2048

type probeCacheEntry struct {
	Info     CodecInfo `json:"info"`
	StoredAt time.Time `json:"storedAt"`
}

// CachedProbe memoizes a MediaProbe by file path, size and modification
// time, and persists the table to a JSON file.
type CachedProbe struct {
	inner MediaProbe
	file  string
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]probeCacheEntry

	// writeMu orders snapshots written to file.
	writeMu sync.Mutex
}

// NewCachedProbe wraps inner. An empty file disables persistence. A missing
// or unreadable cache file starts an empty cache.
func NewCachedProbe(inner MediaProbe, file string, log *slog.Logger) *CachedProbe {
	if log == nil {
		log = slog.Default()
	}
	c := &CachedProbe{inner: inner, file: file, log: log, entries: make(map[string]probeCacheEntry)}
	c.load()
	return c
}

func probeCacheKey(path string, fi os.FileInfo) string {
	return path + "|" + strconv.FormatInt(fi.Size(), 10) + "|" + strconv.FormatInt(fi.ModTime().UnixNano(), 10)
}

// Probe implements MediaProbe. Only successful probes are cached.
func (c *CachedProbe) Probe(ctx context.Context, path string) (CodecInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return c.inner.Probe(ctx, path)
	}
	key := probeCacheKey(path, fi)

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return e.Info, nil
	}

	info, err := c.inner.Probe(ctx, path)
	if err != nil {
		return info, err
	}

	c.mu.Lock()
	c.entries[key] = probeCacheEntry{Info: info, StoredAt: time.Now()}
	c.evictLocked()
	c.mu.Unlock()

	c.persist()
	return info, nil
}

// Len returns the number of cached entries.
func (c *CachedProbe) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CachedProbe) evictLocked() {
	for len(c.entries) > maxProbeCacheEntries {
		var (
			oldestKey string
			oldest    time.Time
		)
		for k, e := range c.entries {
			if oldestKey == "" || e.StoredAt.Before(oldest) {
				oldestKey, oldest = k, e.StoredAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *CachedProbe) load() {
	if c.file == "" {
		return
	}
	data, err := os.ReadFile(c.file)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("read probe cache failed", slog.String("file", c.file), slog.String("error", err.Error()))
		}
		return
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		c.log.Warn("probe cache corrupt, starting empty", slog.String("file", c.file), slog.String("error", err.Error()))
		c.entries = make(map[string]probeCacheEntry)
	}
}

func (c *CachedProbe) persist() {
	if c.file == "" {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	data, err := json.Marshal(c.entries)
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("encode probe cache failed", slog.String("error", err.Error()))
		return
	}
	if err := renameio.WriteFile(c.file, data, 0o644); err != nil {
		c.log.Warn("write probe cache failed", slog.String("file", c.file), slog.String("error", err.Error()))
	}
}
