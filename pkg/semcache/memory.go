package semcache

import (
	"context"
	"sync"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Config bounds a cache instance.
type Config struct {
	MaxCacheSize        int
	TTL                 time.Duration
	SimilarityThreshold float64
}

func (c *Config) defaults() {
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = 1000
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.95
	}
}

// MemoryCache is the in-process Cache: a bounded map scanned linearly
// on lookup, LRU-evicted on store, with a timer-driven expiry reaper.
type MemoryCache struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache(cfg Config) *MemoryCache {
	cfg.defaults()
	return &MemoryCache{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// Lookup scans non-expired, metadata-matching entries for the highest
// cosine similarity and returns a hit when it clears the threshold.
func (c *MemoryCache) Lookup(ctx context.Context, prompt string, embedding []float64, md Metadata) (LookupResult, error) {
	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Entry
	var bestSim float64
	for _, e := range c.entries {
		if e.Expired(now) || !e.Metadata.Matches(md) {
			continue
		}
		sim := Cosine(e.Embedding, embedding)
		if best == nil || sim > bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil || bestSim < c.cfg.SimilarityThreshold {
		return LookupResult{}, nil
	}

	best.Hits++
	best.LastAccessedAt = now
	cp := *best
	return LookupResult{
		Hit:                  true,
		Entry:                &cp,
		Similarity:           bestSim,
		SavedLatencyEstimate: savedLatency(best),
	}, nil
}

// Store inserts or refreshes an entry, evicting the least recently
// accessed entries while at capacity.
func (c *MemoryCache) Store(ctx context.Context, prompt string, embedding []float64, resp *contracts.Response, md Metadata) error {
	id, err := entryID(prompt, md)
	if err != nil {
		return err
	}
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; !exists {
		for len(c.entries) >= c.cfg.MaxCacheSize {
			c.evictLRULocked()
		}
	}
	c.entries[id] = &Entry{
		ID:             id,
		Prompt:         prompt,
		Embedding:      append([]float64(nil), embedding...),
		Response:       resp,
		Metadata:       md,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.TTL),
		LastAccessedAt: now,
	}
	return nil
}

// Len returns the current entry count.
func (c *MemoryCache) Len(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), nil
}

// Reap removes expired entries; returns how many were dropped.
func (c *MemoryCache) Reap(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// StartReaper runs Reap on a timer until ctx is cancelled.
func (c *MemoryCache) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.Reap(now.UTC())
			}
		}
	}()
}

func (c *MemoryCache) evictLRULocked() {
	var victim string
	var oldest time.Time
	for id, e := range c.entries {
		if victim == "" || e.LastAccessedAt.Before(oldest) {
			victim, oldest = id, e.LastAccessedAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
