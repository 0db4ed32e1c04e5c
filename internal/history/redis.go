package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "folio:session:"
	keySuffix = ":history"
)

// RedisBackend stores each session as a Redis list of JSON-encoded turns.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Name() string { return "redis" }

// Append pushes the turn, trims the list to the newest limit entries and
// refreshes the TTL in a single MULTI/EXEC.
func (r *RedisBackend) Append(ctx context.Context, id string, t Turn, limit int, ttl time.Duration) error {
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding turn: %w", err)
	}
	key := r.key(id)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, val)
		if limit > 0 {
			pipe.LTrim(ctx, key, int64(-limit), -1)
		}
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending to %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Read(ctx context.Context, id string) ([]Turn, error) {
	key := r.key(id)
	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var t Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			slog.Warn("skipping undecodable history entry", "key", key, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *RedisBackend) Clear(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// Count scans for history keys. It is meant for operator stats, not the
// request path.
func (r *RedisBackend) Count(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, keyPrefix+"*"+keySuffix, 200).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning sessions: %w", err)
	}
	return n, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) key(id string) string {
	return keyPrefix + strings.ToLower(id) + keySuffix
}
