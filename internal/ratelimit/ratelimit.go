// Package ratelimit implements the Redis-backed global token bucket shared by
// every crawl worker, plus a per-process adaptive delay layer on top of it.
//
// The bucket lives in a single Redis hash mutated only by the Lua script
// below. The script must stay byte-identical across the worker
// implementations in every language so they all see one bucket.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultKey is the shared bucket key. Cooperating workers hard-code it.
const DefaultKey = "animetop:ratelimit:global"

// ErrRateLimitExceeded is returned when WaitForToken times out.
var ErrRateLimitExceeded = errors.New("rate limit timeout")

// tokenBucketLua is shared with the Go producer and the Python worker.
// Do not reformat: other workers carry the identical bytes.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return 1
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
if refill > 0 then
  tokens = math.min(burst, tokens + refill)
  ts = now
end

if tokens < requested then
  redis.call("HMSET", key, "tokens", tokens, "ts", ts)
  redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))
  return 0
end

tokens = tokens - requested
redis.call("HMSET", key, "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))
return 1
`)

// BucketStatus is a debug readout of the shared bucket.
type BucketStatus struct {
	Tokens       float64
	LastUpdateMS int64
	Rate         int
	Burst        int
}

// Limiter acquires tokens from the shared bucket. rate=0 or burst=0 disables
// limiting (the script always allows).
type Limiter struct {
	rdb   *redis.Client
	rate  int
	burst int
	key   string

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewLimiter creates a limiter against the default shared key.
func NewLimiter(rdb *redis.Client, rate, burst int) *Limiter {
	return NewLimiterWithKey(rdb, rate, burst, DefaultKey)
}

// NewLimiterWithKey creates a limiter against a custom key.
func NewLimiterWithKey(rdb *redis.Client, rate, burst int, key string) *Limiter {
	return &Limiter{
		rdb:   rdb,
		rate:  rate,
		burst: burst,
		key:   key,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire attempts to take n tokens. Returns false when the bucket is empty.
func (l *Limiter) Acquire(ctx context.Context, n int) (bool, error) {
	nowMS := l.now().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.key},
		l.rate, l.burst, nowMS, n).Int()
	if err != nil {
		return false, fmt.Errorf("token bucket script: %w", err)
	}
	allowed := res == 1
	if !allowed {
		log.Debug().Str("key", l.key).Int("rate", l.rate).Int("burst", l.burst).Msg("rate limited")
	}
	return allowed, nil
}

// WaitForToken blocks until a token is acquired, probing with capped
// exponential backoff. Returns ErrRateLimitExceeded when timeout elapses.
func (l *Limiter) WaitForToken(ctx context.Context, timeout time.Duration) error {
	start := l.now()
	attempts := 0

	for l.now().Sub(start) < timeout {
		ok, err := l.Acquire(ctx, 1)
		if err != nil {
			return err
		}
		if ok {
			if attempts > 0 {
				log.Debug().Int("attempts", attempts).Dur("waited", l.now().Sub(start)).Msg("rate limit wait complete")
			}
			return nil
		}

		attempts++
		backoff := time.Duration(math.Min(0.1*math.Pow(1.5, float64(attempts)), 1.0) * float64(time.Second))
		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %s", ErrRateLimitExceeded, timeout)
}

// BucketStatus reads the current bucket contents for debugging.
func (l *Limiter) BucketStatus(ctx context.Context) (BucketStatus, error) {
	status := BucketStatus{Tokens: float64(l.burst), Rate: l.rate, Burst: l.burst}

	vals, err := l.rdb.HMGet(ctx, l.key, "tokens", "ts").Result()
	if err != nil {
		return status, fmt.Errorf("read bucket: %w", err)
	}
	if s, ok := vals[0].(string); ok {
		fmt.Sscanf(s, "%f", &status.Tokens)
	}
	if s, ok := vals[1].(string); ok {
		fmt.Sscanf(s, "%d", &status.LastUpdateMS)
	}
	return status, nil
}
