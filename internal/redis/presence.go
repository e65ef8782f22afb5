package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis keys used by the relay presence store
const (
	presenceOnlineSet    = "presence:online" // set of user ids with at least one socket
	connectionsKeyPrefix = "connections:"    // hash connection id -> connected at (unix ms)
	lastSeenKeyPrefix    = "last_seen:"      // unix ms of the last disconnect
)

// PresenceStore counts live sockets per user so the relay can tell the first
// connection and the last disconnect apart from the ones in between.
type PresenceStore struct {
	client      *goredis.Client
	ttl         time.Duration
	lastSeenTTL time.Duration
}

// NewPresenceStore creates a presence store. Connection hashes expire after
// ttl unless refreshed by Heartbeat.
func NewPresenceStore(client *goredis.Client, ttl time.Duration) *PresenceStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &PresenceStore{
		client:      client,
		ttl:         ttl,
		lastSeenTTL: 24 * time.Hour,
	}
}

func connectionsKey(userID int64) string {
	return connectionsKeyPrefix + strconv.FormatInt(userID, 10)
}

func lastSeenKey(userID int64) string {
	return lastSeenKeyPrefix + strconv.FormatInt(userID, 10)
}

// Connect records connID for userID and reports whether it is the user's
// only live connection.
func (p *PresenceStore) Connect(ctx context.Context, userID int64, connID string) (bool, error) {
	key := connectionsKey(userID)
	var count *goredis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, connID, time.Now().UnixMilli())
		pipe.Expire(ctx, key, p.ttl)
		pipe.SAdd(ctx, presenceOnlineSet, userID)
		count = pipe.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("track connection: %w", err)
	}
	return count.Val() == 1, nil
}

// Disconnect drops connID. When it was the last one the user is marked
// offline, lastSeen is stored and returned with last=true.
func (p *PresenceStore) Disconnect(ctx context.Context, userID int64, connID string) (bool, time.Time, error) {
	key := connectionsKey(userID)
	var count *goredis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HDel(ctx, key, connID)
		count = pipe.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return false, time.Time{}, fmt.Errorf("remove connection: %w", err)
	}
	if count.Val() > 0 {
		return false, time.Time{}, nil
	}

	now := time.Now().UTC()
	pipe := p.client.Pipeline()
	pipe.SRem(ctx, presenceOnlineSet, userID)
	pipe.Set(ctx, lastSeenKey(userID), now.UnixMilli(), p.lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, now, fmt.Errorf("mark offline: %w", err)
	}
	return true, now, nil
}

// Heartbeat keeps the user's connection hash alive.
func (p *PresenceStore) Heartbeat(ctx context.Context, userID int64) error {
	return p.client.Expire(ctx, connectionsKey(userID), p.ttl).Err()
}

func (p *PresenceStore) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return p.client.SIsMember(ctx, presenceOnlineSet, userID).Result()
}

// LastSeen returns when the user last dropped their final connection.
func (p *PresenceStore) LastSeen(ctx context.Context, userID int64) (time.Time, bool, error) {
	ms, err := p.client.Get(ctx, lastSeenKey(userID)).Int64()
	if err == goredis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (p *PresenceStore) ConnectionCount(ctx context.Context, userID int64) (int64, error) {
	return p.client.HLen(ctx, connectionsKey(userID)).Result()
}
