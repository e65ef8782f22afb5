package relay

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/envelope"
	"chatcore/internal/redis"
)

// RateLimits are per-connection budgets per minute.
type RateLimits struct {
	MaxTypingEvents int
	MaxReadReceipts int
	MaxDeliveryAcks int
	MaxPingMessages int
	MaxSignalsOther int
}

var DefaultRateLimits = RateLimits{
	MaxTypingEvents: 60,
	MaxReadReceipts: 120,
	MaxDeliveryAcks: 600,
	MaxPingMessages: 60,
	MaxSignalsOther: 120,
}

// MessageLimiter caps chat messages per user across relay instances.
type MessageLimiter interface {
	AllowMessage(ctx context.Context, userID int64) (*redis.RateLimitResult, error)
}

// ClientRateLimiter is a per-connection token bucket refilled every minute.
type ClientRateLimiter struct {
	mu         sync.Mutex
	limits     RateLimits
	tokens     map[string]int
	lastRefill time.Time
	now        func() time.Time
}

// NewClientRateLimiter creates full buckets for one connection.
func NewClientRateLimiter(limits RateLimits) *ClientRateLimiter {
	rl := &ClientRateLimiter{
		limits: limits,
		tokens: make(map[string]int),
		now:    time.Now,
	}
	rl.lastRefill = rl.now()
	rl.refillTokens()
	return rl
}

// bucket maps an event onto its budget. Chat messages and membership
// frames are not limited here.
func bucket(event string) string {
	switch event {
	case envelope.EventTyping:
		return "typing"
	case envelope.EventReadUpTo:
		return "read"
	case envelope.EventDelivered, envelope.EventMessageDelivered:
		return "delivered"
	case envelope.EventPing:
		return "ping"
	case envelope.EventChatMessage, envelope.EventJoin, envelope.EventLeave:
		return ""
	default:
		return "other"
	}
}

// Allow takes a token from the bucket of event.
func (rl *ClientRateLimiter) Allow(event string) bool {
	b := bucket(event)
	if b == "" {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastRefill) >= time.Minute {
		rl.refillTokens()
		rl.lastRefill = now
	}
	if rl.tokens[b] > 0 {
		rl.tokens[b]--
		return true
	}
	return false
}

func (rl *ClientRateLimiter) refillTokens() {
	rl.tokens["typing"] = rl.limits.MaxTypingEvents
	rl.tokens["read"] = rl.limits.MaxReadReceipts
	rl.tokens["delivered"] = rl.limits.MaxDeliveryAcks
	rl.tokens["ping"] = rl.limits.MaxPingMessages
	rl.tokens["other"] = rl.limits.MaxSignalsOther
}
