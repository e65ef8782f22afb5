package receipts

import (
	"context"
	"sync"
	"time"
)

// CursorStore keeps the monotonic (room, peer) -> lastReadAt map.
type CursorStore interface {
	// Advance moves the cursor to at unless it already points later. It
	// returns the cursor after the call and whether it moved.
	Advance(ctx context.Context, roomID string, peerID int64, at time.Time) (time.Time, bool, error)
	Get(ctx context.Context, roomID string, peerID int64) (time.Time, bool, error)
	ResetRoom(ctx context.Context, roomID string) error
}

type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]map[int64]time.Time
}

// NewMemoryCursorStore creates a process-local cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]map[int64]time.Time)}
}

func (s *MemoryCursorStore) Advance(_ context.Context, roomID string, peerID int64, at time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.cursors[roomID]
	if !ok {
		room = make(map[int64]time.Time)
		s.cursors[roomID] = room
	}
	cur, ok := room[peerID]
	if ok && !at.After(cur) {
		return cur, false, nil
	}
	room[peerID] = at
	return at, true, nil
}

func (s *MemoryCursorStore) Get(_ context.Context, roomID string, peerID int64) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.cursors[roomID][peerID]
	return at, ok, nil
}

func (s *MemoryCursorStore) ResetRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.cursors, roomID)
	s.mu.Unlock()
	return nil
}
