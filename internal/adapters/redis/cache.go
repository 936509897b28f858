package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
)

// ResultCache is the optional read-side cache for listings and unread
// counts. Values are JSON; a miss is not an error.
type ResultCache struct {
	client    *redis.Client
	keyPrefix string
	bypass    bool
}

func NewResultCache(client *redis.Client, keyPrefix string, bypass bool) *ResultCache {
	return &ResultCache{client: client, keyPrefix: keyPrefix, bypass: bypass}
}

func (c *ResultCache) key(k string) string {
	return c.keyPrefix + ":cache:" + k
}

// entityOf labels metrics by the first key segment (e.g. "conversations").
func entityOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

func (c *ResultCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c.bypass {
		metrics.CacheRequests.WithLabelValues(entityOf(key), "bypass").Inc()
		return false, nil
	}

	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			metrics.CacheRequests.WithLabelValues(entityOf(key), "miss").Inc()
			return false, nil
		}
		metrics.CacheRequests.WithLabelValues(entityOf(key), "error").Inc()
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	metrics.CacheRequests.WithLabelValues(entityOf(key), "hit").Inc()
	return true, nil
}

func (c *ResultCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.bypass {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

func (c *ResultCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

// NoopCache satisfies the cache port when caching is disabled.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string, interface{}) (bool, error) { return false, nil }

func (NoopCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }

func (NoopCache) Invalidate(context.Context, ...string) error { return nil }
