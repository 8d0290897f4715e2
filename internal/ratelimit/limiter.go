// Package ratelimit provides Redis-backed fixed-window rate limiting keyed by
// client identity. The increment, expiry and TTL read happen in one Lua
// script, so concurrent requests from the same client never race on the
// window boundary.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// KeyPrefix namespaces rate limit counters in Redis.
const KeyPrefix = "rl:guardrails:"

// ErrStoreUnavailable wraps backing store failures returned by Check.
var ErrStoreUnavailable = errors.New("ratelimit: backing store unavailable")

// windowScript increments the counter, starts the window on the first hit
// and returns {count, remaining window in ms}. A key that lost its TTL is
// given a fresh one so it cannot block the client forever.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Rule defines a rate limiting policy: maximum requests per window.
type Rule struct {
	Key    string        // Redis key prefix
	Limit  int           // max count in the window
	Window time.Duration // window length
}

// Decision is the outcome of a single Check.
type Decision struct {
	Limited    bool
	Count      int64
	Limit      int
	Remaining  int
	RetryAfter int  // whole seconds until the window resets, set when Limited
	Degraded   bool // the store could not be consulted
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client   redis.Scripter
	rule     Rule
	failOpen bool
}

// NewLimiter creates a Limiter. With failOpen set, a store outage lets
// requests through; otherwise they are rejected.
func NewLimiter(client redis.Scripter, rule Rule, failOpen bool) *Limiter {
	if rule.Key == "" {
		rule.Key = KeyPrefix
	}
	return &Limiter{client: client, rule: rule, failOpen: failOpen}
}

// Check counts one request for clientID. On store errors the returned
// Decision follows the fail-open policy and the error wraps
// ErrStoreUnavailable so callers can record the degradation.
func (l *Limiter) Check(ctx context.Context, clientID string) (Decision, error) {
	key := l.rule.Key + clientID
	windowMs := l.rule.Window.Milliseconds()

	res, err := windowScript.Run(ctx, l.client, []string{key}, windowMs).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		log.Warn().Err(err).Str("key", key).Bool("fail_open", l.failOpen).Msg("rate limit store error")
		d := Decision{Limit: l.rule.Limit, Remaining: l.rule.Limit, Degraded: true}
		if !l.failOpen {
			d.Limited = true
			d.Remaining = 0
			d.RetryAfter = retryAfterSeconds(windowMs, l.rule.Window)
		}
		return d, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	count, ttlMs := res[0], res[1]
	d := Decision{
		Count:     count,
		Limit:     l.rule.Limit,
		Remaining: max(l.rule.Limit-int(count), 0),
	}
	if count > int64(l.rule.Limit) {
		d.Limited = true
		d.RetryAfter = retryAfterSeconds(ttlMs, l.rule.Window)
	}
	return d, nil
}

// retryAfterSeconds rounds the remaining window up to whole seconds, never
// below one and never above the window itself.
func retryAfterSeconds(ttlMs int64, window time.Duration) int {
	secs := int((ttlMs + 999) / 1000)
	limit := int((window + time.Second - 1) / time.Second)
	if secs > limit {
		secs = limit
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
