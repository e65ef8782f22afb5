package domain

import (
	"encoding/json"
	"fmt"
	"time"

	chat_errors "chatcore/pkg/errors"
)

type ChatMessage struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"clientId,omitempty"`
	RoomID    string          `json:"roomId"`
	SenderID  int64           `json:"senderId"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
	Status    MessageStatus   `json:"status,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
}

// Keys returns the ids the message can be matched by: its id and, when the
// server assigned a different one, the original client id.
func (m ChatMessage) Keys() []string {
	if m.ClientID != "" && m.ClientID != m.ID {
		return []string{m.ID, m.ClientID}
	}
	return []string{m.ID}
}

// Transition moves the message to a new status.
func (m *ChatMessage) Transition(to MessageStatus) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%s -> %s: %w", m.Status, to, chat_errors.ErrInvalidTransition)
	}
	m.Status = to
	return nil
}

// TextContent wraps plain text as message content.
func TextContent(text string) json.RawMessage {
	b, _ := json.Marshal(text)
	return b
}

// PendingSend is a message waiting for transport confirmation.
type PendingSend struct {
	Message ChatMessage
	SentAt  time.Time
	Retries int
}
