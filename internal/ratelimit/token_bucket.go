// Package ratelimit throttles submissions per owner with a token bucket kept
// in Redis, so every API node shares the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:owner:"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int64
	// RetryAfter is how long until one token is back; zero when allowed.
	RetryAfter time.Duration
}

// OwnerLimiter refills capacity tokens at refill per second for each owner.
type OwnerLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

// NewOwnerLimiter returns nil when capacity is not positive, which disables
// limiting.
func NewOwnerLimiter(client *redis.Client, capacity int, refillPerSecond float64) *OwnerLimiter {
	if client == nil || capacity <= 0 {
		return nil
	}
	ttl := time.Hour
	if refillPerSecond > 0 {
		// Long enough for an idle bucket to refill completely.
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &OwnerLimiter{client: client, capacity: capacity, refill: refillPerSecond, ttl: ttl, now: time.Now}
}

func bucketKey(ownerID string) string {
	return keyPrefix + ownerID
}

// Allow takes one token from ownerID's bucket. Redis errors let the call
// through; a cache outage must not block submissions.
func (l *OwnerLimiter) Allow(ctx context.Context, ownerID string) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	d, err := l.take(ctx, ownerID)
	if err != nil {
		log.Printf("ratelimit: owner=%s: %v (allowing)", ownerID, err)
		return Decision{Allowed: true}
	}
	return d
}

func (l *OwnerLimiter) take(ctx context.Context, ownerID string) (Decision, error) {
	res, err := bucketScript.Run(ctx, l.client, []string{bucketKey(ownerID)},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected bucket reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)

	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed {
		d.RetryAfter = time.Minute
		if l.refill > 0 {
			d.RetryAfter = time.Duration(float64(time.Second) / l.refill)
		}
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
