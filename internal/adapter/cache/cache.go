// Package cache provides the Redis read-through query cache used by the
// agent router. Entries are JSON-encoded responses keyed by a sha256
// fingerprint of the canonical request material.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

const keyPrefix = "qcache:"

// Fingerprint hashes the canonical request material into a cache key.
// Parts are separated so ("ab","c") and ("a","bc") hash differently.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RedisCache implements domain.QueryCache on Redis. A broken Redis never
// breaks the request path: lookups degrade to misses.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps the given client. A nil client yields a cache that
// always misses.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Get returns the cached response for the fingerprint. Misses are silent;
// Redis or decode failures are logged at debug and reported as misses.
func (c *RedisCache) Get(ctx domain.Context, fingerprint string) (domain.AgentResponse, bool, error) {
	if c == nil || c.rdb == nil {
		return domain.AgentResponse{}, false, nil
	}
	raw, err := c.rdb.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		return domain.AgentResponse{}, false, nil
	}
	if err != nil {
		slog.Debug("query cache lookup failed; treating as miss", slog.Any("error", err))
		return domain.AgentResponse{}, false, nil
	}
	var resp domain.AgentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		slog.Debug("query cache entry undecodable; treating as miss",
			slog.String("fingerprint", fingerprint), slog.Any("error", err))
		return domain.AgentResponse{}, false, nil
	}
	return resp, true, nil
}

// Set stores the response under the fingerprint for ttl. A non-positive
// ttl disables caching for the entry.
func (c *RedisCache) Set(ctx domain.Context, fingerprint string, resp domain.AgentResponse, ttl time.Duration) error {
	if c == nil || c.rdb == nil || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal cached response: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefix+fingerprint, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store cached response: %w", err)
	}
	return nil
}

// ClearAll removes every cached query and returns how many were dropped.
func (c *RedisCache) ClearAll(ctx domain.Context) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, nil
	}
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan query cache: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete cached queries: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
