package repository

import (
	"context"

	"chatcore/internal/domain"
)

type RoomRepository interface {
	// CreateRoom stores room unless a room with the same id exists, in which
	// case the stored one is returned with created=false.
	CreateRoom(ctx context.Context, room domain.Room) (domain.Room, bool, error)
	GetRoom(ctx context.Context, id string) (domain.Room, error)
}

type MessageRepository interface {
	// AppendMessage assigns the next per-room sequence number and stores msg.
	// Appending an id that is already stored returns the stored copy with
	// created=false.
	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, bool, error)
	// ListMessages returns up to limit messages of roomID with seq below
	// before (0 for the newest), oldest first, and whether older ones exist.
	ListMessages(ctx context.Context, roomID string, before int64, limit int) ([]domain.ChatMessage, bool, error)
}

type Store interface {
	RoomRepository
	MessageRepository
	Ping(ctx context.Context) error
	Close()
}
