// Package cache wraps Redis for the analytics counter store and short-lived
// JSON response caching. All errors here are logged and swallowed where the
// caller treats caching as best-effort.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
)

const analyticsRetention = 30 * 24 * time.Hour

type Redis struct {
	client *redis.Client
}

func New(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opt.PoolSize = 10
	opt.MinIdleConns = 3

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Println("[CACHE] Redis connected")
	return &Redis{client: client}, nil
}

// NewWithClient wraps an existing client; the caller keeps ownership of it.
func NewWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// RecordEvent increments the per-tenant/per-type/per-day analytics counters.
// Keys expire after 30 days.
func (r *Redis) RecordEvent(ctx context.Context, organizationID string, t event.EventType, p event.Priority) error {
	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("analytics:events:%s:%s:%s", organizationID, t, day)

	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "count", 1)
	pipe.HIncrBy(ctx, key, "priority_"+string(p), 1)
	pipe.Expire(ctx, key, analyticsRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incrementing analytics counters: %w", err)
	}
	return nil
}

// EventCounts reads back a day's analytics hash for a tenant and event type.
func (r *Redis) EventCounts(ctx context.Context, organizationID string, t event.EventType, day string) (map[string]string, error) {
	key := fmt.Sprintf("analytics:events:%s:%s:%s", organizationID, t, day)
	counts, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading analytics counters: %w", err)
	}
	return counts, nil
}

// Get retrieves a JSON-encoded value from cache.
func (r *Redis) Get(ctx context.Context, key string, dest any) bool {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), dest) == nil
}

// Set stores a JSON-encoded value in cache.
func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	r.client.Set(ctx, key, data, ttl)
}

func (r *Redis) Del(ctx context.Context, keys ...string) {
	r.client.Del(ctx, keys...)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
