// Package cache holds the short-lived staff-queue listing cache. After any
// successful transition the scheduler invalidates the affected role's keys so
// callers re-fetch instead of orchestrating their own refresh order.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type QueueCache struct {
	rdb    *redis.Client
	logger *slog.Logger
	ttl    time.Duration
	prefix string
}

// NewQueueCache returns a cache over rdb. A nil client disables caching;
// every method becomes a cheap no-op so callers never branch.
func NewQueueCache(rdb *redis.Client, logger *slog.Logger, ttl time.Duration) *QueueCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &QueueCache{rdb: rdb, logger: logger, ttl: ttl, prefix: "queue"}
}

func (c *QueueCache) key(role, status string) string {
	if status == "" {
		status = "all"
	}
	return c.prefix + ":" + role + ":" + status
}

// Get returns the cached listing payload, or false on miss or Redis error.
// Cache failures degrade to a DB read, never to a request failure.
func (c *QueueCache) Get(ctx context.Context, role, status string) ([]byte, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	val, err := c.rdb.Get(ctx, c.key(role, status)).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Warn("queue cache read failed", "err", err)
		}
		return nil, false
	}
	return val, true
}

func (c *QueueCache) Set(ctx context.Context, role, status string, payload []byte) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(role, status), payload, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("queue cache write failed", "err", err)
	}
}

// Invalidate drops every cached listing for the given roles. The status
// dimension is a closed set, so deletion is by explicit keys rather than a
// scan.
func (c *QueueCache) Invalidate(ctx context.Context, roles ...string) {
	if c == nil || c.rdb == nil || len(roles) == 0 {
		return
	}
	statuses := []string{"all", "PENDING", "CONFIRMED", "IN_PROGRESS", "COMPLETED", "CANCELLED"}
	keys := make([]string, 0, len(roles)*len(statuses))
	for _, role := range roles {
		for _, st := range statuses {
			keys = append(keys, c.key(role, st))
		}
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil && c.logger != nil {
		c.logger.Warn("queue cache invalidation failed", "err", err)
	}
}
