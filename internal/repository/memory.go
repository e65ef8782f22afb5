package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatcore/internal/domain"
	chat_errors "chatcore/pkg/errors"
)

// MemoryStore is the relay's default store. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[string]domain.Room
	messages map[string][]domain.ChatMessage // room id -> ordered by seq
	byID     map[string]domain.ChatMessage
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]domain.Room),
		messages: make(map[string][]domain.ChatMessage),
		byID:     make(map[string]domain.ChatMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateRoom(_ context.Context, room domain.Room) (domain.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[room.ID]; ok {
		return existing, false, nil
	}
	if room.UpdatedAt.IsZero() {
		room.UpdatedAt = s.now()
	}
	room.Participants = append([]domain.Participant(nil), room.Participants...)
	s.rooms[room.ID] = room
	return room, true, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return domain.Room{}, chat_errors.ErrNotFound
	}
	return room, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, bool, error) {
	if msg.ID == "" || msg.RoomID == "" {
		return domain.ChatMessage{}, false, chat_errors.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[msg.ID]; ok {
		return existing, false, nil
	}

	list := s.messages[msg.RoomID]
	msg.Seq = int64(len(list)) + 1
	msg.Status = domain.MessageStatusSent
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.messages[msg.RoomID] = append(list, msg)
	s.byID[msg.ID] = msg

	if room, ok := s.rooms[msg.RoomID]; ok {
		room.LastMessageAt = msg.CreatedAt
		room.UpdatedAt = s.now()
		s.rooms[msg.RoomID] = room
	}
	return msg, true, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID string, before int64, limit int) ([]domain.ChatMessage, bool, error) {
	if limit <= 0 {
		limit = 30
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[roomID]

	end := len(list)
	if before > 0 {
		end = sort.Search(len(list), func(i int) bool { return list[i].Seq >= before })
	}
	start := max(end-limit, 0)
	page := append([]domain.ChatMessage(nil), list[start:end]...)
	return page, start > 0, nil
}
