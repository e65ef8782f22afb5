package domain

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

type Participant struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name,omitempty"`
}

type Room struct {
	ID            string        `json:"id"`
	Type          RoomType      `json:"type"`
	Participants  []Participant `json:"participants"`
	PostID        int64         `json:"postId,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	LastMessageAt time.Time     `json:"lastMessageAt,omitempty"`
}

// PeerOf returns the first participant that is not self.
func (r Room) PeerOf(self int64) (int64, bool) {
	for _, p := range r.Participants {
		if p.UserID != self {
			return p.UserID, true
		}
	}
	return 0, false
}

// HasMember reports whether userID participates in r.
func (r Room) HasMember(userID int64) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// DMRoomID derives the id of the direct-message room between two users,
// optionally scoped to a post (postID 0 means none). The result is 16 hex
// characters and does not depend on argument order.
func DMRoomID(userA, userB, postID int64) string {
	lo, hi := min(userA, userB), max(userA, userB)
	h, _ := blake2b.New(8, nil)
	fmt.Fprintf(h, "dm:%d:%d:%d", lo, hi, postID)
	return hex.EncodeToString(h.Sum(nil))
}

// NewDMRoom builds the room descriptor both participants agree on.
func NewDMRoom(userA, userB, postID int64, now time.Time) Room {
	lo, hi := min(userA, userB), max(userA, userB)
	return Room{
		ID:           DMRoomID(userA, userB, postID),
		Type:         RoomTypeDM,
		Participants: []Participant{{UserID: lo}, {UserID: hi}},
		PostID:       postID,
		UpdatedAt:    now,
	}
}
