// Package cache memoizes successful generation calls keyed by a canonical
// hash of prompt, provider, model and generation parameters.
package cache

import (
	"context"
	"sync"
	"time"
)

// Payload is the cached part of a generation response.
type Payload struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
	LatencyMS  int64  `json:"latency_ms"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

func (p Payload) size() int {
	return len(p.Content) + len(p.Provider) + len(p.Model) + 16
}

type Entry struct {
	Key          string
	Payload      Payload
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Hits         int
	LastAccessed time.Time
}

type Stats struct {
	Entries     int   `json:"total_entries"`
	Hits        int64 `json:"total_hits"`
	Misses      int64 `json:"total_misses"`
	ApproxBytes int64 `json:"approx_size_bytes"`
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	misses  int64
	now     func() time.Time
}

func New(opts ...Option) *Cache {
	c := &Cache{entries: make(map[string]*Entry), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get returns the payload stored under key while it is fresh. Stale entries
// are evicted on access.
func (c *Cache) Get(key string) (Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return Payload{}, false
	}
	now := c.now()
	if !now.Before(entry.ExpiresAt) {
		delete(c.entries, key)
		c.misses++
		return Payload{}, false
	}
	entry.Hits++
	entry.LastAccessed = now
	return entry.Payload, true
}

func (c *Cache) Set(key string, payload Payload, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &Entry{
		Key:          key,
		Payload:      payload,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}
}

// Cleanup evicts every expired entry and returns how many were removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{Entries: len(c.entries), Misses: c.misses}
	for key, entry := range c.entries {
		stats.Hits += int64(entry.Hits)
		stats.ApproxBytes += int64(len(key) + entry.Payload.size())
	}
	return stats
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.misses = 0
}

// Run calls Cleanup every interval until ctx is done. onSweep, when set,
// receives the number of evicted entries.
func (c *Cache) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.Cleanup()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
