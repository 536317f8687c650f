// Package cache stores non-streaming responses keyed by request fingerprint.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/provider"
)

const DefaultSweepInterval = 60 * time.Second

type entry struct {
	resp      *provider.Response
	expiresAt time.Time
}

type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	logger  *zap.Logger

	hits      uint64
	misses    uint64
	evictions uint64
}

type Option func(*Cache)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the stored response while now < expiresAt. Stale
// entries are removed on lookup.
func (c *Cache) Get(key string) (*provider.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		c.evictions++
		c.misses++
		return nil, false
	}
	c.hits++
	return e.resp.Clone(), true
}

// Put stores resp until now+ttl, replacing any entry under the same key.
// A non-positive ttl is a no-op.
func (c *Cache) Put(key string, resp *provider.Response, ttl time.Duration) {
	if ttl <= 0 || resp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{resp: resp.Clone(), expiresAt: c.now().Add(ttl)}
}

// Clear drops every entry and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	return n
}

// Sweep removes entries with expiresAt <= now.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.evictions += uint64(removed)
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Run sweeps on every tick until ctx ends.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", zap.Int("removed", n))
			}
		}
	}
}
