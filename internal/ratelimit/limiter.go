// Package ratelimit provides Redis-backed rate limiting using a fixed
// INCR + EXPIRE window. Each rule counts actions per identifier (a user id
// for messages, a remote address for connection attempts).
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// ErrLimited is returned by callers that reject an action because its rule
// was exceeded.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// Default rules. The message rule is usually rebuilt from configuration with
// MessageRule.
var (
	// RuleMessage allows 20 new messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 30 WebSocket handshakes per minute per remote address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// MessageRule returns RuleMessage with the given limit and window. Zero values
// keep the defaults.
func MessageRule(limit int, window time.Duration) Rule {
	r := RuleMessage
	if limit > 0 {
		r.Limit = limit
	}
	if window > 0 {
		r.Window = window
	}
	return r
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		glog.Warningf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			glog.Warningf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until the identifier's current window closes.
// It falls back to the full window when the TTL cannot be read.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
