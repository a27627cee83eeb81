// Package ratelimit throttles contribution submission per caller with a
// Redis fixed-window counter.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Limiter counts hits of subject within scope.
type Limiter interface {
	// Consume records one hit and returns the count in the current window and
	// the seconds until the window resets.
	Consume(ctx context.Context, scope, subject string, window time.Duration) (count int, retryAfter int, err error)
}

// Redis is a Limiter shared by every server instance.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis builds a limiter. The prefix defaults to "friendfund:rate_limit".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "friendfund:rate_limit"
	}
	return &Redis{client: client, prefix: strings.TrimSuffix(p, ":")}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Consume implements Limiter. A nil limiter or blank subject never counts.
func (r *Redis) Consume(ctx context.Context, scope, subject string, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(count), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(count), retryAfter, nil
}
