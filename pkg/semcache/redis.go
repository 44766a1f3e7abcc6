package semcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

const (
	redisEntryPrefix = "semcache:entry:"
	redisLRUKey      = "semcache:lru"
)

// RedisCache shares the semantic cache across gateway instances. Entry
// TTL is delegated to Redis; the LRU bound is enforced with a sorted
// set scored by last access time.
type RedisCache struct {
	cfg    Config
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisCache wraps an existing client.
func NewRedisCache(cfg Config, client redis.Cmdable) *RedisCache {
	cfg.defaults()
	return &RedisCache{cfg: cfg, client: client, now: time.Now}
}

func (c *RedisCache) Lookup(ctx context.Context, prompt string, embedding []float64, md Metadata) (LookupResult, error) {
	ids, err := c.client.ZRange(ctx, redisLRUKey, 0, -1).Result()
	if err != nil {
		return LookupResult{}, fmt.Errorf("semcache: redis lru range: %w", err)
	}
	if len(ids) == 0 {
		return LookupResult{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisEntryPrefix + id
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return LookupResult{}, fmt.Errorf("semcache: redis mget: %w", err)
	}

	var best *Entry
	var bestSim float64
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired by TTL, ZSet member is stale
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if !e.Metadata.Matches(md) {
			continue
		}
		sim := Cosine(e.Embedding, embedding)
		if best == nil || sim > bestSim {
			cp := e
			best, bestSim = &cp, sim
		}
	}
	if best == nil || bestSim < c.cfg.SimilarityThreshold {
		return LookupResult{}, nil
	}

	now := c.now().UTC()
	best.Hits++
	best.LastAccessedAt = now
	if err := c.writeEntry(ctx, best); err != nil {
		return LookupResult{}, err
	}
	return LookupResult{
		Hit:                  true,
		Entry:                best,
		Similarity:           bestSim,
		SavedLatencyEstimate: savedLatency(best),
	}, nil
}

func (c *RedisCache) Store(ctx context.Context, prompt string, embedding []float64, resp *contracts.Response, md Metadata) error {
	id, err := entryID(prompt, md)
	if err != nil {
		return err
	}
	now := c.now().UTC()

	// Evict least recently used ids while at capacity.
	size, err := c.client.ZCard(ctx, redisLRUKey).Result()
	if err != nil {
		return fmt.Errorf("semcache: redis zcard: %w", err)
	}
	for size >= int64(c.cfg.MaxCacheSize) {
		victims, err := c.client.ZPopMin(ctx, redisLRUKey, 1).Result()
		if err != nil || len(victims) == 0 {
			break
		}
		victimID, _ := victims[0].Member.(string)
		if victimID == id {
			continue
		}
		c.client.Del(ctx, redisEntryPrefix+victimID)
		size--
	}

	return c.writeEntry(ctx, &Entry{
		ID:             id,
		Prompt:         prompt,
		Embedding:      append([]float64(nil), embedding...),
		Response:       resp,
		Metadata:       md,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.TTL),
		LastAccessedAt: now,
	})
}

func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n, err := c.client.ZCard(ctx, redisLRUKey).Result()
	if err != nil {
		return 0, fmt.Errorf("semcache: redis zcard: %w", err)
	}
	return int(n), nil
}

func (c *RedisCache) writeEntry(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("semcache: encode entry: %w", err)
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := c.client.Set(ctx, redisEntryPrefix+e.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("semcache: redis set: %w", err)
	}
	if err := c.client.ZAdd(ctx, redisLRUKey, redis.Z{
		Score:  float64(e.LastAccessedAt.UnixMicro()),
		Member: e.ID,
	}).Err(); err != nil {
		return fmt.Errorf("semcache: redis zadd: %w", err)
	}
	return nil
}
