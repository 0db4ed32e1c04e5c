package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dayKeyPrefix = "folio:budget:day:"
	disabledKey  = "folio:budget:disabled"
	windowPrefix = "folio:budget:window:"
	dayRetention = 48 * time.Hour
)

// reserveScript prunes each window, fails on the first full one, and only
// then records the hit in all of them.
//
// KEYS: window keys. ARGV: now_ms, member, then size_ms and limit per key.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
for i, key in ipairs(KEYS) do
  local size = tonumber(ARGV[2*i+1])
  local limit = tonumber(ARGV[2*i+2])
  redis.call('ZREMRANGEBYSCORE', key, '-inf', now - size)
  if redis.call('ZCARD', key) >= limit then
    return i - 1
  end
end
for i, key in ipairs(KEYS) do
  local size = tonumber(ARGV[2*i+1])
  redis.call('ZADD', key, now, ARGV[2])
  redis.call('PEXPIRE', key, size)
end
return -1
`)

// RedisLedger shares budget state across processes through Redis.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (r *RedisLedger) Day(ctx context.Context, day string) (Totals, error) {
	vals, err := r.client.HGetAll(ctx, dayKeyPrefix+day).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("reading day %s: %w", day, err)
	}
	return totalsFromHash(vals), nil
}

func (r *RedisLedger) Add(ctx context.Context, day string, inc Totals) (Totals, error) {
	key := dayKeyPrefix + day
	var reqs, cost, tokens, reads, writes *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		reqs = pipe.HIncrBy(ctx, key, "requests", inc.Requests)
		cost = pipe.HIncrBy(ctx, key, "cost_micros", inc.CostMicros)
		tokens = pipe.HIncrBy(ctx, key, "tokens", inc.Tokens)
		reads = pipe.HIncrBy(ctx, key, "cache_reads", inc.CacheReads)
		writes = pipe.HIncrBy(ctx, key, "cache_writes", inc.CacheWrites)
		pipe.Expire(ctx, key, dayRetention)
		return nil
	})
	if err != nil {
		return Totals{}, fmt.Errorf("adding to day %s: %w", day, err)
	}
	return Totals{
		Requests:    reqs.Val(),
		CostMicros:  cost.Val(),
		Tokens:      tokens.Val(),
		CacheReads:  reads.Val(),
		CacheWrites: writes.Val(),
	}, nil
}

// Disabled compares the stored day with day so a trip from yesterday reads
// as cleared.
func (r *RedisLedger) Disabled(ctx context.Context, day string) (bool, error) {
	v, err := r.client.Get(ctx, disabledKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading breaker: %w", err)
	}
	return v == day, nil
}

func (r *RedisLedger) Disable(ctx context.Context, day string, ttl time.Duration) error {
	if err := r.client.Set(ctx, disabledKey, day, ttl).Err(); err != nil {
		return fmt.Errorf("tripping breaker: %w", err)
	}
	return nil
}

func (r *RedisLedger) Reserve(ctx context.Context, now time.Time, windows []Window) (int, error) {
	if len(windows) == 0 {
		return -1, nil
	}
	keys := make([]string, len(windows))
	args := make([]any, 0, 2+2*len(windows))
	args = append(args, now.UnixMilli(), uuid.NewString())
	for i, w := range windows {
		keys[i] = windowPrefix + w.Key
		args = append(args, w.Size.Milliseconds(), w.Limit)
	}
	idx, err := reserveScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("reserving window slot: %w", err)
	}
	return idx, nil
}

func (r *RedisLedger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func totalsFromHash(vals map[string]string) Totals {
	get := func(k string) int64 {
		n, _ := strconv.ParseInt(vals[k], 10, 64)
		return n
	}
	return Totals{
		Requests:    get("requests"),
		CostMicros:  get("cost_micros"),
		Tokens:      get("tokens"),
		CacheReads:  get("cache_reads"),
		CacheWrites: get("cache_writes"),
	}
}
