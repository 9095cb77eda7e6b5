// Package dedup de-duplicates side-effecting retrieval calls by request id
// using Redis, so at-least-once stage execution never hits the timesheet
// backend twice for the same request.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hourglass-hq/hourglass/internal/timesheet"
)

const keyPrefix = "retrieval:"

// RedisCache implements the engine's RetrievalCache on Redis. The first
// recorded result for a request id wins; later writes are ignored.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache builds the cache. ttl bounds how long a recorded result is
// replayed; it only needs to outlive resume windows.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

type envelope struct {
	Data *timesheet.Data `json:"data,omitempty"`
	Note string          `json:"note,omitempty"`
}

// Get returns the recorded retrieval outcome for requestID, if any.
func (c *RedisCache) Get(ctx context.Context, requestID string) (*timesheet.Data, string, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", false, fmt.Errorf("dedup decode: %w", err)
	}
	return env.Data, env.Note, true, nil
}

// Put records the first retrieval outcome for requestID. Subsequent calls
// for the same id are no-ops.
func (c *RedisCache) Put(ctx context.Context, requestID string, data *timesheet.Data, note string) error {
	raw, err := json.Marshal(envelope{Data: data, Note: note})
	if err != nil {
		return fmt.Errorf("dedup encode: %w", err)
	}
	if err := c.client.SetNX(ctx, keyPrefix+requestID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup store: %w", err)
	}
	return nil
}
