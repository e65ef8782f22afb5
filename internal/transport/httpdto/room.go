package httpdto

import (
	"time"

	"chatcore/internal/domain"
)

// CreateRoomRequest is used for POST /v1/rooms. A DM with a post id gets the
// deterministic DM room id.
type CreateRoomRequest struct {
	Type           string  `json:"type" binding:"required,oneof=DM GROUP"`
	ParticipantIDs []int64 `json:"participant_ids" binding:"required,min=1"`
	PostID         int64   `json:"post_id,omitempty"`
}

type ParticipantDTO struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type RoomDTO struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Participants  []ParticipantDTO `json:"participants"`
	PostID        int64            `json:"post_id,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty"`
}

// FromRoom converts a domain room to its DTO.
func FromRoom(r domain.Room) RoomDTO {
	dto := RoomDTO{
		ID:           r.ID,
		Type:         string(r.Type),
		Participants: make([]ParticipantDTO, 0, len(r.Participants)),
		PostID:       r.PostID,
		UpdatedAt:    r.UpdatedAt,
	}
	for _, p := range r.Participants {
		dto.Participants = append(dto.Participants, ParticipantDTO{UserID: p.UserID, Name: p.Name})
	}
	if !r.LastMessageAt.IsZero() {
		at := r.LastMessageAt
		dto.LastMessageAt = &at
	}
	return dto
}

func (d RoomDTO) ToDomain() domain.Room {
	r := domain.Room{
		ID:        d.ID,
		Type:      domain.RoomType(d.Type),
		PostID:    d.PostID,
		UpdatedAt: d.UpdatedAt,
	}
	for _, p := range d.Participants {
		r.Participants = append(r.Participants, domain.Participant{UserID: p.UserID, Name: p.Name})
	}
	if d.LastMessageAt != nil {
		r.LastMessageAt = *d.LastMessageAt
	}
	return r
}
