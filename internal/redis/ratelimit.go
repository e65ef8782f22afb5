package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting keys:
// - ratelimit:{user_id}:messages - per-window chat message limit

type RateLimitConfig struct {
	MessageLimit  int           // Max chat messages per window
	MessageWindow time.Duration // Message rate limit window
}

// DefaultRateLimitConfig returns the default message limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MessageLimit:  120,
		MessageWindow: 60 * time.Second,
	}
}

// RateLimiter counts chat messages per user in redis so the limit holds
// across relay instances.
type RateLimiter struct {
	client *goredis.Client
	config RateLimitConfig
}

type RateLimitResult struct {
	Allowed   bool          // Whether the action is allowed
	Remaining int           // Remaining actions in the window
	ResetIn   time.Duration // Time until the window resets
	Limit     int           // The limit for this action
}

// checkLimit increments the counter only while it is below the limit.
var checkLimit = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	end
	return {0, 0, ttl}
`)

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *goredis.Client, config RateLimitConfig) *RateLimiter {
	if config.MessageLimit <= 0 {
		config.MessageLimit = DefaultRateLimitConfig().MessageLimit
	}
	if config.MessageWindow <= 0 {
		config.MessageWindow = DefaultRateLimitConfig().MessageWindow
	}
	return &RateLimiter{client: client, config: config}
}

func messagesKey(userID int64) string {
	return "ratelimit:" + strconv.FormatInt(userID, 10) + ":messages"
}

// AllowMessage checks and consumes one chat message from the user's quota.
func (r *RateLimiter) AllowMessage(ctx context.Context, userID int64) (*RateLimitResult, error) {
	limit, window := r.config.MessageLimit, r.config.MessageWindow
	result, err := checkLimit.Run(ctx, r.client, []string{messagesKey(userID)}, limit, int(window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetIn, _ := vals[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(resetIn) * time.Second,
		Limit:     limit,
	}, nil
}

// ResetUser clears the user's message counter.
func (r *RateLimiter) ResetUser(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, messagesKey(userID)).Err()
}
