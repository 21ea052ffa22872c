// Package cache implements the short-lived completion cache used when
// a request opts into reuse with use_cache=auto and temperature 0.
package cache

import (
	"sync"
	"time"

	"github.com/workflowai/gateway/pkg/models"
)

// Entry is a cached completion: the assistant message plus accounting
// captured from the run that produced it.
type Entry struct {
	Message  models.Message
	Usage    models.Usage
	Model    string
	Provider string
	CostUSD  float64
	RunID    string
}

// CompletionCache is a TTL-bounded map from request digest to the
// completion a prior identical request produced.
type CompletionCache struct {
	mu      sync.Mutex
	entries map[string]*cached
	ttl     time.Duration
	maxSize int
}

type cached struct {
	entry    *Entry
	storedAt int64
}

// Options configures the cache.
type Options struct {
	TTL     time.Duration
	MaxSize int
}

// DefaultTTL keeps cached completions reusable for a short window.
const DefaultTTL = 5 * time.Minute

// New creates a completion cache. TTL <= 0 uses DefaultTTL; MaxSize
// <= 0 means 1024 entries.
func New(opts Options) *CompletionCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &CompletionCache{
		entries: make(map[string]*cached),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the cached entry for key if it is still fresh.
func (c *CompletionCache) Get(key string) (*Entry, bool) {
	return c.GetAt(key, time.Now())
}

// GetAt is Get with an explicit clock, for tests.
func (c *CompletionCache) GetAt(key string, now time.Time) (*Entry, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.UnixMilli()-e.storedAt >= c.ttl.Milliseconds() {
		delete(c.entries, key)
		return nil, false
	}
	return e.entry, true
}

// Put stores an entry under key, evicting expired and oldest entries
// when over capacity.
func (c *CompletionCache) Put(key string, entry *Entry) {
	c.PutAt(key, entry, time.Now())
}

// PutAt is Put with an explicit clock, for tests.
func (c *CompletionCache) PutAt(key string, entry *Entry, now time.Time) {
	if key == "" || entry == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	nowUnix := now.UnixMilli()
	c.entries[key] = &cached{entry: entry, storedAt: nowUnix}
	c.prune(nowUnix)
}

func (c *CompletionCache) prune(nowUnix int64) {
	cutoff := nowUnix - c.ttl.Milliseconds()
	for key, e := range c.entries {
		if e.storedAt < cutoff {
			delete(c.entries, key)
		}
	}
	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldestTs := int64(^uint64(0) >> 1)
		for k, e := range c.entries {
			if e.storedAt < oldestTs {
				oldestTs = e.storedAt
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.entries, oldestKey)
	}
}

// Size returns the current number of entries.
func (c *CompletionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *CompletionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cached)
}
