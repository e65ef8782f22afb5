package rooms

import (
	"sort"
	"sync"
	"time"

	"chatcore/internal/domain"
)

// Store is the local room list, ordered by recent activity.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]domain.Room
	onChange func([]domain.Room)
}

// NewStore creates an empty room list.
func NewStore() *Store {
	return &Store{rooms: make(map[string]domain.Room)}
}

// OnChange registers a callback that receives the ordered list after every
// mutation.
func (s *Store) OnChange(fn func([]domain.Room)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Upsert replaces the stored room. A local bump newer than the incoming
// LastMessageAt is kept so ordering reflects local send time.
func (s *Store) Upsert(room domain.Room) {
	s.mu.Lock()
	if prev, ok := s.rooms[room.ID]; ok && prev.LastMessageAt.After(room.LastMessageAt) {
		room.LastMessageAt = prev.LastMessageAt
	}
	s.rooms[room.ID] = room
	s.mu.Unlock()
	s.notify()
}

// Bump moves a room to the top. Unknown rooms get a placeholder entry.
func (s *Store) Bump(roomID string, at time.Time) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = domain.Room{ID: roomID}
	}
	if at.After(room.LastMessageAt) {
		room.LastMessageAt = at
	}
	s.rooms[roomID] = room
	s.mu.Unlock()
	s.notify()
}

// Get returns the cached descriptor of roomID.
func (s *Store) Get(roomID string) (domain.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

// List returns the rooms, most recently active first.
func (s *Store) List() []domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *Store) Remove(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	s.notify()
}

// Reset empties the list on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.rooms = make(map[string]domain.Room)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) sortedLocked() []domain.Room {
	out := make([]domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := activity(out[i]), activity(out[j])
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

func activity(r domain.Room) time.Time {
	if r.LastMessageAt.After(r.UpdatedAt) {
		return r.LastMessageAt
	}
	return r.UpdatedAt
}

func (s *Store) notify() {
	s.mu.RLock()
	fn := s.onChange
	var list []domain.Room
	if fn != nil {
		list = s.sortedLocked()
	}
	s.mu.RUnlock()
	if fn != nil {
		fn(list)
	}
}
