package httpdto

import (
	"encoding/json"
	"time"

	"chatcore/internal/domain"
)

// ListMessagesRequest holds query parameters for GET /v1/rooms/:id/messages.
// Before is an exclusive sequence cursor; zero means the newest page.
type ListMessagesRequest struct {
	Before int64 `form:"before"`
	Limit  int   `form:"limit"`
}

type MessageDTO struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id,omitempty"`
	RoomID    string          `json:"room_id"`
	SenderID  int64           `json:"sender_id"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	Seq       int64           `json:"seq"`
}

// MessagePage lists messages oldest first. NextCursor feeds the next
// request's Before.
type MessagePage struct {
	Messages   []MessageDTO `json:"messages"`
	NextCursor int64        `json:"next_cursor,omitempty"`
	HasMore    bool         `json:"has_more"`
}

// FromMessage converts a domain message to its DTO.
func FromMessage(m domain.ChatMessage) MessageDTO {
	return MessageDTO{
		ID:        m.ID,
		ClientID:  m.ClientID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Seq:       m.Seq,
	}
}

func (d MessageDTO) ToDomain() domain.ChatMessage {
	return domain.ChatMessage{
		ID:        d.ID,
		ClientID:  d.ClientID,
		RoomID:    d.RoomID,
		SenderID:  d.SenderID,
		Content:   d.Content,
		CreatedAt: d.CreatedAt,
		Status:    domain.MessageStatusSent,
		Seq:       d.Seq,
	}
}
