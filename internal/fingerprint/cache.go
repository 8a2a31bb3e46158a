package fingerprint

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"dropcrate/internal/model"
)

const (
	cacheVersion    = 1
	cacheMaxEntries = 500
)

// cacheEntry is one stored lookup result. A nil Match records a
// negative hit so we don't re-query AcoustID for the same audio.
type cacheEntry struct {
	StoredAt time.Time               `json:"storedAt"`
	Match    *model.FingerprintMatch `json:"match"`
}

type cacheFile struct {
	Version int                   `json:"version"`
	Entries map[string]cacheEntry `json:"entries"`
}

// Cache is a small on-disk lookup cache keyed by fingerprint hash.
// Writes go through a temp file and atomic rename.
type Cache struct {
	path string

	mu      sync.Mutex
	loaded  bool
	entries map[string]cacheEntry
}

// NewCache returns a cache persisted at path. The file is created on
// first Put.
func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Get returns the cached match for key. The second return reports
// whether the key was present at all; a present key with a nil match is
// a cached "no result".
func (c *Cache) Get(key string) (*model.FingerprintMatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.Match == nil {
		return nil, true
	}
	m := *e.Match
	return &m, true
}

// Put stores match under key and persists the cache. When the cache is
// over capacity the oldest entries are evicted first.
func (c *Cache) Put(key string, match *model.FingerprintMatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()

	if match != nil {
		m := *match
		m.Applied = false // applied is per-call, not part of the lookup result
		match = &m
	}
	c.entries[key] = cacheEntry{StoredAt: time.Now().UTC(), Match: match}
	c.evict()
	return c.persist()
}

func (c *Cache) load() {
	if c.loaded {
		return
	}
	c.loaded = true
	c.entries = make(map[string]cacheEntry)

	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil || f.Version != cacheVersion {
		// Unreadable or stale format: start over.
		return
	}
	if f.Entries != nil {
		c.entries = f.Entries
	}
}

func (c *Cache) evict() {
	for len(c.entries) > cacheMaxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.StoredAt.Before(oldest) {
				oldestKey = k
				oldest = e.StoredAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) persist() error {
	data, err := json.MarshalIndent(cacheFile{Version: cacheVersion, Entries: c.entries}, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.path, data, 0o644)
}
