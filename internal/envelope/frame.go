package envelope

import (
	"encoding/json"
	"time"
)

// Event names on the wire.
const (
	EventChatMessage      = "chat:message"
	EventTyping           = "chat:typing"
	EventReadUpTo         = "readUpTo"
	EventDelivered        = "chat:delivered"
	EventMessageDelivered = "message:delivered"
	EventChatUpdate       = "chat:update"
	EventRoomUpdate       = "room:update"
	EventWorkflowUpdate   = "workflow:update"
	EventSignal           = "chats:signal"
	EventJoin             = "room:join"
	EventLeave            = "room:leave"
	EventPing             = "ping"
	EventPong             = "pong"
)

// Signal kinds carried in the payload of chats:signal frames.
const (
	SignalPresence       = "presence"
	SignalGlobalPresence = "globalPresence"
)

type Sender struct {
	ID int64 `json:"id"`
}

// Frame is the JSON shape of every inbound and outbound socket message.
type Frame struct {
	Event             string          `json:"event,omitempty"`
	Type              string          `json:"type,omitempty"`
	RoomID            string          `json:"roomId,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Sender            *Sender         `json:"sender,omitempty"`
	Typing            *bool           `json:"typing,omitempty"`
	LastReadMessageID string          `json:"lastReadMessageId,omitempty"`
	ReaderID          int64           `json:"readerId,omitempty"`
	UpdatedAt         string          `json:"updatedAt,omitempty"`
}

// Name returns the discriminator, preferring event over type.
func (f Frame) Name() string {
	if f.Event != "" {
		return f.Event
	}
	return f.Type
}

// SenderID returns the stamped sender, 0 when absent.
func (f Frame) SenderID() int64 {
	if f.Sender == nil {
		return 0
	}
	return f.Sender.ID
}

// NewFrame builds an outbound frame with a JSON payload.
func NewFrame(event, roomID string, payload any) (Frame, error) {
	frame := Frame{Event: event, RoomID: roomID}
	if payload == nil {
		return frame, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		frame.Payload = raw
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	frame.Payload = data
	return frame, nil
}

// TypingFrame builds a typing state frame.
func TypingFrame(roomID string, typing bool) Frame {
	return Frame{Event: EventTyping, RoomID: roomID, Typing: &typing}
}

// ReadUpToFrame builds a read receipt up to at.
func ReadUpToFrame(roomID string, at time.Time, lastMessageID string) Frame {
	return Frame{
		Event:             EventReadUpTo,
		RoomID:            roomID,
		UpdatedAt:         FormatTime(at),
		LastReadMessageID: lastMessageID,
	}
}

// DeliveredFrame builds a delivery ack for messageID.
func DeliveredFrame(roomID, messageID string, at time.Time) Frame {
	payload, _ := json.Marshal(DeliveryPayload{MessageID: messageID, DeliveredAt: FormatTime(at)})
	return Frame{Event: EventDelivered, RoomID: roomID, Payload: payload}
}

func JoinFrame(roomID string) Frame  { return Frame{Event: EventJoin, RoomID: roomID} }
func LeaveFrame(roomID string) Frame { return Frame{Event: EventLeave, RoomID: roomID} }

// MessagePayload is the payload of chat:message frames.
type MessagePayload struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"clientId,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"createdAt,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
}

type DeliveryPayload struct {
	MessageID   string `json:"messageId"`
	DeliveredAt string `json:"deliveredAt,omitempty"`
}

// SignalPayload is the payload of chats:signal frames.
type SignalPayload struct {
	Kind     string `json:"kind"`
	Action   string `json:"action,omitempty"`
	UserID   int64  `json:"userId"`
	Online   *bool  `json:"online,omitempty"`
	At       string `json:"at,omitempty"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// FormatTime renders timestamps the way the wire expects them.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime accepts RFC 3339 timestamps with or without fractional seconds.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
