package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyfetch/weathergate/internal/clock"
)

// Source labels for response metadata.
const (
	SourceCache         = "cache"
	SourceCacheFallback = "cache_fallback"
)

// Metadata describes where a cached payload came from and how old it is.
type Metadata struct {
	Cached     bool    `json:"cached"`
	Stale      bool    `json:"stale"`
	AgeSeconds float64 `json:"age_seconds"`
	Source     string  `json:"source"`
}

// Config holds the cache horizons and capacity.
type Config struct {
	TTL         time.Duration // fresh window
	StaleMaxAge time.Duration // stale-tolerable window
	MaxEntries  int
}

type entry struct {
	payload   json.RawMessage
	createdAt time.Time
}

// Cache is a two-horizon key/value store. Entries within TTL are fresh;
// entries within StaleMaxAge may still be served as degraded fallbacks.
// Entries beyond StaleMaxAge are never observable: expiry is enforced
// lazily on access and by a periodic sweep.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	cfg     Config
	clk     clock.Clock
}

// New creates an empty cache.
func New(cfg Config, clk clock.Clock) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		cfg:     cfg,
		clk:     clk,
	}
}

// Key normalizes a city into a cache key: lowercase, trimmed, prefixed.
func Key(city string) string {
	return "weather:" + strings.ToLower(strings.TrimSpace(city))
}

// GetFresh returns the payload iff its age is within the TTL.
func (c *Cache) GetFresh(key string) (json.RawMessage, Metadata, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, Metadata{}, false
	}

	age := c.clk.Now().Sub(e.createdAt)
	if age > c.cfg.TTL {
		return nil, Metadata{}, false
	}

	return e.payload, Metadata{
		Cached:     true,
		Stale:      false,
		AgeSeconds: age.Seconds(),
		Source:     SourceCache,
	}, true
}

// GetAny returns the payload iff its age is within StaleMaxAge, marking it
// stale once past the TTL. Entries beyond StaleMaxAge are dropped.
func (c *Cache) GetAny(key string) (json.RawMessage, Metadata, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, Metadata{}, false
	}

	age := c.clk.Now().Sub(e.createdAt)
	if age > c.cfg.StaleMaxAge {
		c.mu.Lock()
		// Re-check: a concurrent Put may have replaced the entry.
		if cur, ok := c.entries[key]; ok && cur.createdAt.Equal(e.createdAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, Metadata{}, false
	}

	stale := age > c.cfg.TTL
	source := SourceCache
	if stale {
		source = SourceCacheFallback
	}
	return e.payload, Metadata{
		Cached:     true,
		Stale:      stale,
		AgeSeconds: age.Seconds(),
		Source:     source,
	}, true
}

// Put stores a payload under key, stamping it with the current time. When
// the cache is full, the entry with the smallest created_at is evicted.
func (c *Cache) Put(key string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = entry{payload: payload, createdAt: c.clk.Now()}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		log.Debug().Str("key", oldestKey).Msg("Evicting oldest cache entry")
		delete(c.entries, oldestKey)
	}
}

// Size returns the number of stored entries, expired or not.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SweepExpired removes entries older than StaleMaxAge and returns how many
// were dropped.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.cfg.StaleMaxAge {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper sweeps expired entries on the given interval until ctx is
// cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.SweepExpired(); n > 0 {
					log.Debug().Int("removed", n).Msg("Swept expired cache entries")
				}
			}
		}
	}()
}
