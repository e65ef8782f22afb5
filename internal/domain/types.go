package domain

type RoomType string

const (
	RoomTypeDM    RoomType = "DM"
	RoomTypeGroup RoomType = "GROUP"
)

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusDropped   MessageStatus = "dropped"
)

var transitions = map[MessageStatus][]MessageStatus{
	MessageStatusPending:   {MessageStatusSent, MessageStatusFailed},
	MessageStatusSent:      {MessageStatusDelivered, MessageStatusRead},
	MessageStatusDelivered: {MessageStatusRead},
	MessageStatusFailed:    {MessageStatusPending, MessageStatusDropped},
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to MessageStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Rank orders statuses along the happy path so later acks never regress an
// earlier promotion.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusPending:
		return 1
	case MessageStatusSent:
		return 2
	case MessageStatusDelivered:
		return 3
	case MessageStatusRead:
		return 4
	default:
		return 0
	}
}
