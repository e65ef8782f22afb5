package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const readCursorKeyPrefix = "readcursor:"

// advanceCursor keeps the larger of the stored and the offered timestamp and
// refreshes the room hash expiry.
var advanceCursor = goredis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], ARGV[1])
	local at = tonumber(ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	if cur and tonumber(cur) >= at then
		return {0, tonumber(cur)}
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return {1, at}
`)

// CursorStore keeps read cursors in one hash per room, field = peer id,
// value = unix milliseconds. Several clients of the same user can share it,
// so a room hash is only dropped by expiry.
type CursorStore struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewCursorStore creates a shared cursor store. A room hash expires ttl after
// its last advance.
func NewCursorStore(client *goredis.Client, ttl time.Duration) *CursorStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &CursorStore{client: client, ttl: ttl}
}

func readCursorKey(roomID string) string {
	return readCursorKeyPrefix + roomID
}

func (s *CursorStore) Advance(ctx context.Context, roomID string, peerID int64, at time.Time) (time.Time, bool, error) {
	res, err := advanceCursor.Run(ctx, s.client, []string{readCursorKey(roomID)},
		strconv.FormatInt(peerID, 10), at.UnixMilli(), s.ttl.Milliseconds()).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("advance read cursor: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return time.Time{}, false, fmt.Errorf("unexpected cursor result %v", res)
	}
	moved, _ := vals[0].(int64)
	ms, _ := vals[1].(int64)
	return time.UnixMilli(ms).UTC(), moved == 1, nil
}

func (s *CursorStore) Get(ctx context.Context, roomID string, peerID int64) (time.Time, bool, error) {
	ms, err := s.client.HGet(ctx, readCursorKey(roomID), strconv.FormatInt(peerID, 10)).Int64()
	if err == goredis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// ResetRoom leaves the hash in place: other clients of the user still read
// it. Abandoned rooms go away with the expiry.
func (s *CursorStore) ResetRoom(context.Context, string) error {
	return nil
}
