package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"chatcore/internal/domain"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindChatMessage
	KindTyping
	KindReadReceipt
	KindDeliveryAck
	KindRoomUpdate
	KindPresence
)

func (k Kind) String() string {
	switch k {
	case KindChatMessage:
		return "chat_message"
	case KindTyping:
		return "typing"
	case KindReadReceipt:
		return "read_receipt"
	case KindDeliveryAck:
		return "delivery_ack"
	case KindRoomUpdate:
		return "room_update"
	case KindPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// Event is the closed set of inbound frame kinds. Only types in this package
// implement it.
type Event interface {
	Kind() Kind
	Room() string
	event()
}

type ChatMessageEvent struct {
	Frame   Frame
	Message domain.ChatMessage
}

type TypingEvent struct {
	RoomID   string
	SenderID int64
	Typing   bool
}

type ReadReceiptEvent struct {
	RoomID            string
	ReaderID          int64
	ReadAt            time.Time
	LastReadMessageID string
}

type DeliveryAckEvent struct {
	RoomID      string
	MessageID   string
	SenderID    int64
	DeliveredAt time.Time
}

type RoomUpdateEvent struct {
	Name     string
	RoomID   string
	SenderID int64
	Payload  json.RawMessage
}

type PresenceAction string

const (
	PresenceJoin    PresenceAction = "join"
	PresenceLeave   PresenceAction = "leave"
	PresenceOnline  PresenceAction = "online"
	PresenceOffline PresenceAction = "offline"
)

type PresenceEvent struct {
	RoomID   string
	Global   bool
	UserID   int64
	Action   PresenceAction
	At       time.Time
	LastSeen time.Time
}

// Online reports whether the action brings the user online.
func (e PresenceEvent) Online() bool {
	return e.Action == PresenceJoin || e.Action == PresenceOnline
}

// UnknownEvent carries frames no classifier claimed, unchanged.
type UnknownEvent struct {
	Frame Frame
	Raw   json.RawMessage
}

func (ChatMessageEvent) Kind() Kind { return KindChatMessage }
func (TypingEvent) Kind() Kind      { return KindTyping }
func (ReadReceiptEvent) Kind() Kind { return KindReadReceipt }
func (DeliveryAckEvent) Kind() Kind { return KindDeliveryAck }
func (RoomUpdateEvent) Kind() Kind  { return KindRoomUpdate }
func (PresenceEvent) Kind() Kind    { return KindPresence }
func (UnknownEvent) Kind() Kind     { return KindUnknown }

func (e ChatMessageEvent) Room() string { return e.Message.RoomID }
func (e TypingEvent) Room() string      { return e.RoomID }
func (e ReadReceiptEvent) Room() string { return e.RoomID }
func (e DeliveryAckEvent) Room() string { return e.RoomID }
func (e RoomUpdateEvent) Room() string  { return e.RoomID }
func (e PresenceEvent) Room() string    { return e.RoomID }
func (e UnknownEvent) Room() string     { return e.Frame.RoomID }

func (ChatMessageEvent) event() {}
func (TypingEvent) event()      {}
func (ReadReceiptEvent) event() {}
func (DeliveryAckEvent) event() {}
func (RoomUpdateEvent) event()  {}
func (PresenceEvent) event()    {}
func (UnknownEvent) event()     {}

// Decode parses a raw frame and classifies it.
func Decode(raw []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	ev, err := Classify(frame)
	if err != nil {
		return nil, err
	}
	if u, ok := ev.(UnknownEvent); ok {
		u.Raw = append(json.RawMessage(nil), raw...)
		return u, nil
	}
	return ev, nil
}

// Classify maps a decoded frame onto its event kind. A frame whose name is
// known but whose body is unusable is an error, not an unknown event.
func Classify(f Frame) (Event, error) {
	switch f.Name() {
	case EventChatMessage:
		return classifyMessage(f)
	case EventTyping:
		if f.Typing == nil {
			return nil, fmt.Errorf("%s: missing typing flag", EventTyping)
		}
		return TypingEvent{RoomID: f.RoomID, SenderID: f.SenderID(), Typing: *f.Typing}, nil
	case EventReadUpTo:
		return classifyReadUpTo(f)
	case EventDelivered, EventMessageDelivered:
		return classifyDelivery(f)
	case EventChatUpdate, EventRoomUpdate, EventWorkflowUpdate:
		if f.RoomID == "" {
			return nil, fmt.Errorf("%s: missing roomId", f.Name())
		}
		return RoomUpdateEvent{Name: f.Name(), RoomID: f.RoomID, SenderID: f.SenderID(), Payload: f.Payload}, nil
	case EventSignal:
		return classifySignal(f)
	default:
		return UnknownEvent{Frame: f}, nil
	}
}

func classifyMessage(f Frame) (Event, error) {
	var p MessagePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", EventChatMessage, err)
	}
	if p.ID == "" && p.ClientID == "" {
		return nil, fmt.Errorf("%s: missing message id", EventChatMessage)
	}
	id := p.ID
	if id == "" {
		id = p.ClientID
	}
	created, _ := ParseTime(p.CreatedAt)
	return ChatMessageEvent{
		Frame: f,
		Message: domain.ChatMessage{
			ID:        id,
			ClientID:  p.ClientID,
			RoomID:    f.RoomID,
			SenderID:  f.SenderID(),
			Content:   p.Content,
			CreatedAt: created,
			Seq:       p.Seq,
		},
	}, nil
}

func classifyReadUpTo(f Frame) (Event, error) {
	at, ok := ParseTime(f.UpdatedAt)
	if !ok {
		return nil, fmt.Errorf("%s: bad updatedAt %q", EventReadUpTo, f.UpdatedAt)
	}
	reader := f.ReaderID
	if reader == 0 {
		reader = f.SenderID()
	}
	return ReadReceiptEvent{
		RoomID:            f.RoomID,
		ReaderID:          reader,
		ReadAt:            at,
		LastReadMessageID: f.LastReadMessageID,
	}, nil
}

func classifyDelivery(f Frame) (Event, error) {
	var p DeliveryPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), err)
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("%s: missing messageId", f.Name())
	}
	at, _ := ParseTime(p.DeliveredAt)
	return DeliveryAckEvent{RoomID: f.RoomID, MessageID: p.MessageID, SenderID: f.SenderID(), DeliveredAt: at}, nil
}

func classifySignal(f Frame) (Event, error) {
	var p SignalPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", EventSignal, err)
	}
	at, _ := ParseTime(p.At)
	lastSeen, _ := ParseTime(p.LastSeen)
	ev := PresenceEvent{RoomID: f.RoomID, UserID: p.UserID, At: at, LastSeen: lastSeen}
	if ev.UserID == 0 {
		ev.UserID = f.SenderID()
	}

	switch p.Kind {
	case SignalPresence:
		switch PresenceAction(p.Action) {
		case PresenceJoin, PresenceLeave:
			ev.Action = PresenceAction(p.Action)
		default:
			return nil, fmt.Errorf("%s: unknown presence action %q", EventSignal, p.Action)
		}
	case SignalGlobalPresence:
		ev.Global = true
		switch {
		case p.Online != nil && *p.Online, p.Action == string(PresenceOnline):
			ev.Action = PresenceOnline
		case p.Online != nil, p.Action == string(PresenceOffline):
			ev.Action = PresenceOffline
		default:
			return nil, fmt.Errorf("%s: global presence without status", EventSignal)
		}
	default:
		// Other signal kinds are application-defined.
		return UnknownEvent{Frame: f}, nil
	}
	if ev.UserID == 0 {
		return nil, fmt.Errorf("%s: missing userId", EventSignal)
	}
	return ev, nil
}
