// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache wraps Redis for every best-effort concern of the platform:
// assignment views, analytics results, auth token lookups, rate-limit
// windows, and realtime counters. The wrapper never propagates Redis
// failures to callers. A failed read is a miss, a failed write is dropped,
// and both are logged and counted so operators can see degradation.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"abx/internal/experiments/telemetry"
)

// Cache is a thin, failure-absorbing Redis client. The zero value is not
// usable; construct with New or Open.
type Cache struct {
	rdb     *redis.Client
	timeout time.Duration
	log     zerolog.Logger
}

// New wraps an existing Redis client. timeout bounds every operation; on
// expiry the operation is treated like any other cache failure.
func New(rdb *redis.Client, timeout time.Duration, log zerolog.Logger) *Cache {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Cache{rdb: rdb, timeout: timeout, log: log.With().Str("component", "cache").Logger()}
}

// Open connects using a redis:// URL.
func Open(url string, timeout time.Duration, log zerolog.Logger) (*Cache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opt), timeout, log), nil
}

// Ping reports real connectivity; used by readiness checks only.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *Cache) Close() error { return c.rdb.Close() }

func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// keyspace reports the logical cache a key belongs to, for metrics.
func keyspace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}

func (c *Cache) degraded(op, key string, err error) {
	telemetry.CacheDegraded.Inc()
	c.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("cache degraded")
}

// GetJSON loads and decodes one key. ok is false on miss, decode failure,
// or Redis failure; the caller falls through to the store.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (ok bool) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
		telemetry.CacheMisses.WithLabelValues(keyspace(key)).Inc()
		return false
	case err != nil:
		c.degraded("get", key, err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.degraded("decode", key, err)
		return false
	}
	telemetry.CacheHits.WithLabelValues(keyspace(key)).Inc()
	return true
}

// SetJSON stores a value with a TTL. Failures are absorbed.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.degraded("encode", key, err)
		return
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.degraded("set", key, err)
	}
}

// GetMany returns the raw value per key, nil for misses. On Redis failure
// every position is nil.
func (c *Cache) GetMany(ctx context.Context, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.degraded("mget", keys[0], err)
		return out
	}
	for i, v := range vals {
		switch s := v.(type) {
		case string:
			out[i] = []byte(s)
			telemetry.CacheHits.WithLabelValues(keyspace(keys[i])).Inc()
		default:
			telemetry.CacheMisses.WithLabelValues(keyspace(keys[i])).Inc()
		}
	}
	return out
}

// Del removes keys. Failures are absorbed.
func (c *Cache) Del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.degraded("del", keys[0], err)
	}
}

// InvalidatePattern deletes every key matching a glob pattern using SCAN,
// in batches, and reports how many keys were removed. Used on experiment
// version bumps; a failure leaves stale-but-consistent entries behind.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	ctx, cancel := context.WithTimeout(ctx, 4*c.timeout)
	defer cancel()

	var removed int
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			c.degraded("scan", pattern, err)
			return removed
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				c.degraded("del", pattern, err)
				return removed
			}
			removed += int(n)
		}
		if next == 0 {
			return removed
		}
		cursor = next
	}
}

// Incr bumps a counter and stamps its TTL on first touch. ok is false on
// Redis failure so rate-limit callers can fail open.
func (c *Cache) Incr(ctx context.Context, key string, ttl time.Duration) (n int64, ok bool) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		c.degraded("incr", key, err)
		return 0, false
	}
	if n == 1 && ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			c.degraded("expire", key, err)
		}
	}
	return n, true
}

// GetInt reads an integer counter; ok is false on miss or failure.
func (c *Cache) GetInt(ctx context.Context, key string) (int64, bool) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		c.degraded("get", key, err)
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// PFAdd folds a member into a HyperLogLog and stamps its TTL. Absorbed on
// failure.
func (c *Cache) PFAdd(ctx context.Context, key, member string, ttl time.Duration) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.PFAdd(ctx, key, member).Err(); err != nil {
		c.degraded("pfadd", key, err)
		return
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			c.degraded("expire", key, err)
		}
	}
}

// PFCount estimates distinct members across the given sketches.
func (c *Cache) PFCount(ctx context.Context, keys ...string) (int64, bool) {
	if len(keys) == 0 {
		return 0, true
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.PFCount(ctx, keys...).Result()
	if err != nil {
		c.degraded("pfcount", keys[0], err)
		return 0, false
	}
	return n, true
}
