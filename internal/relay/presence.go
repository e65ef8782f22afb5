package relay

import (
	"context"
	"sync"
	"time"
)

// PresenceStore counts live connections per user. Connect reports the first
// connection, Disconnect the last one along with the lastSeen it recorded.
type PresenceStore interface {
	Connect(ctx context.Context, userID int64, connID string) (bool, error)
	Disconnect(ctx context.Context, userID int64, connID string) (bool, time.Time, error)
}

// Heartbeater is implemented by presence stores whose entries expire unless
// refreshed while the socket lives.
type Heartbeater interface {
	Heartbeat(ctx context.Context, userID int64) error
}

type MemoryPresence struct {
	mu    sync.Mutex
	conns map[int64]map[string]struct{}
	seen  map[int64]time.Time
}

// NewMemoryPresence creates a single-process presence store.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		conns: make(map[int64]map[string]struct{}),
		seen:  make(map[int64]time.Time),
	}
}

func (p *MemoryPresence) Connect(_ context.Context, userID int64, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		p.conns[userID] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

func (p *MemoryPresence) Disconnect(_ context.Context, userID int64, connID string) (bool, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.conns[userID]
	delete(set, connID)
	if len(set) > 0 {
		return false, time.Time{}, nil
	}
	delete(p.conns, userID)
	now := time.Now().UTC()
	p.seen[userID] = now
	return true, now, nil
}

func (p *MemoryPresence) LastSeen(userID int64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.seen[userID]
	return at, ok
}
