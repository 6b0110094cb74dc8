// Package ratelimit caps how often the queue trigger endpoints fire. The
// external scheduler is supposed to call them on a fixed interval; a
// misconfigured cron or a retry storm must not turn into a sweep per second.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "trigger:bucket:"

// TriggerLimiter is a token bucket per trigger endpoint, shared across API
// instances through Redis so horizontal replicas count against one budget.
type TriggerLimiter struct {
	client *redis.Client
	opts   Options
}

// Options tune the bucket. Capacity absorbs legitimate bursts (a manual kick
// next to the scheduled one); RefillPerSecond is the steady-state trigger
// rate the deployment tolerates.
type Options struct {
	Capacity        int
	RefillPerSecond float64
	IdleExpiry      time.Duration
}

// New constructs a limiter with the given options.
func New(client *redis.Client, opts Options) *TriggerLimiter {
	if opts.Capacity <= 0 {
		opts.Capacity = 30
	}
	if opts.RefillPerSecond <= 0 {
		opts.RefillPerSecond = 10
	}
	if opts.IdleExpiry == 0 {
		opts.IdleExpiry = time.Hour
	}
	return &TriggerLimiter{client: client, opts: opts}
}

// Allow consumes one token for the endpoint if available and reports the
// remaining balance.
func (l *TriggerLimiter) Allow(ctx context.Context, endpoint string) (bool, float64, error) {
	res, err := takeTokenScript.Run(ctx, l.client,
		[]string{keyPrefix + endpoint},
		l.opts.Capacity, l.opts.RefillPerSecond, time.Now().UnixMilli(), l.opts.IdleExpiry.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run trigger bucket script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected trigger bucket reply: %v", res)
	}
	allowed := arr[0].(int64) == 1
	remaining := 0.0
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

// The refill happens lazily on each take: elapsed wall time since the last
// call tops the bucket up, capped at capacity, before one token is spent.
var takeTokenScript = redis.NewScript(`
local bucket = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local idle_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'tokens', 'refilled_ms')
local tokens = tonumber(state[1]) or capacity
local refilled = tonumber(state[2]) or now_ms

local elapsed = math.max(0, now_ms - refilled)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill_per_sec)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', bucket, 'tokens', tokens, 'refilled_ms', now_ms)
if idle_ms > 0 then redis.call('PEXPIRE', bucket, idle_ms) end
return {allowed, tokens}
`)
