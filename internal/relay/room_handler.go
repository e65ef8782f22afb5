package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"chatcore/internal/domain"
	"chatcore/internal/middleware"
	"chatcore/internal/repository"
	"chatcore/internal/transport/httpdto"
	chat_errors "chatcore/pkg/errors"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

type RoomHandler struct {
	store    repository.Store
	pageSize int
	now      func() time.Time
}

// NewRoomHandler creates a room handler. pageSize 0 uses the default.
func NewRoomHandler(store repository.Store, pageSize int) *RoomHandler {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &RoomHandler{store: store, pageSize: pageSize, now: time.Now}
}

// Create opens a DM or group room. A DM room already created by either side
// is returned with 200 instead of 201.
func (h *RoomHandler) Create(c *gin.Context) {
	self, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(chat_errors.ErrUnauthorized)
		return
	}
	var req httpdto.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", httpdto.CodeInvalidRequest))
		return
	}

	others := make([]int64, 0, len(req.ParticipantIDs))
	seen := map[int64]bool{self: true}
	for _, id := range req.ParticipantIDs {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		others = append(others, id)
	}

	now := h.now().UTC()
	var room domain.Room
	switch domain.RoomType(req.Type) {
	case domain.RoomTypeDM:
		if len(others) != 1 {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("a DM needs exactly one other participant", httpdto.CodeInvalidRequest))
			return
		}
		room = domain.NewDMRoom(self, others[0], req.PostID, now)
	default:
		if len(others) == 0 {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("a group needs other participants", httpdto.CodeInvalidRequest))
			return
		}
		room = domain.Room{
			ID:           ulid.Make().String(),
			Type:         domain.RoomTypeGroup,
			Participants: []domain.Participant{{UserID: self}},
			PostID:       req.PostID,
			UpdatedAt:    now,
		}
		for _, id := range others {
			room.Participants = append(room.Participants, domain.Participant{UserID: id})
		}
	}

	stored, created, err := h.store.CreateRoom(c.Request.Context(), room)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !stored.HasMember(self) {
		c.JSON(http.StatusForbidden, httpdto.NewErrorResponse("not a member of this room", httpdto.CodeForbidden))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, httpdto.NewSuccessResponse(httpdto.FromRoom(stored)))
}

// Get returns a room the caller belongs to.
func (h *RoomHandler) Get(c *gin.Context) {
	room, ok := h.memberRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromRoom(room)))
}

// Messages pages history backwards by sequence number. Rooms the relay has
// no descriptor for are readable by anyone who knows the id.
func (h *RoomHandler) Messages(c *gin.Context) {
	self, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(chat_errors.ErrUnauthorized)
		return
	}
	var req httpdto.ListMessagesRequest
	if err := c.ShouldBindQuery(&req); err != nil || req.Before < 0 || req.Limit < 0 {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", httpdto.CodeInvalidRequest))
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = h.pageSize
	}
	limit = min(limit, maxPageSize)

	roomID := c.Param("id")
	room, err := h.store.GetRoom(c.Request.Context(), roomID)
	switch {
	case err == nil && !room.HasMember(self):
		c.JSON(http.StatusForbidden, httpdto.NewErrorResponse("not a member of this room", httpdto.CodeForbidden))
		return
	case err != nil && !errors.Is(err, chat_errors.ErrNotFound):
		_ = c.Error(err)
		return
	}

	msgs, hasMore, err := h.store.ListMessages(c.Request.Context(), roomID, req.Before, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	page := httpdto.MessagePage{Messages: make([]httpdto.MessageDTO, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		page.Messages = append(page.Messages, httpdto.FromMessage(m))
	}
	if len(msgs) > 0 {
		page.NextCursor = msgs[0].Seq
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(page))
}

func (h *RoomHandler) memberRoom(c *gin.Context) (domain.Room, bool) {
	self, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(chat_errors.ErrUnauthorized)
		return domain.Room{}, false
	}
	room, err := h.store.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return domain.Room{}, false
	}
	if !room.HasMember(self) {
		c.JSON(http.StatusForbidden, httpdto.NewErrorResponse("not a member of this room", httpdto.CodeForbidden))
		return domain.Room{}, false
	}
	return room, true
}
