package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	chat_errors "chatcore/pkg/errors"
)

func seedMessages(t *testing.T, s *MemoryStore, room string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, created, err := s.AppendMessage(context.Background(), domain.ChatMessage{
			ID:       "m" + string(rune('0'+i)),
			RoomID:   room,
			SenderID: 10,
			Content:  json.RawMessage(`"hi"`),
		})
		require.NoError(t, err)
		require.True(t, created)
	}
}

func TestMemoryRooms(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := domain.NewDMRoom(10, 20, 5, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	got, created, err := s.CreateRoom(ctx, room)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, room.ID, got.ID)

	again := room
	again.PostID = 99
	got, created, err = s.CreateRoom(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), got.PostID, "existing room wins")

	_, err = s.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, chat_errors.ErrNotFound)
}

func TestMemoryAppendIsIdempotentAndSequenced(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := domain.NewDMRoom(10, 20, 0, time.Now())
	_, _, err := s.CreateRoom(ctx, room)
	require.NoError(t, err)

	first, created, err := s.AppendMessage(ctx, domain.ChatMessage{ID: "a", RoomID: room.ID, SenderID: 10})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, domain.MessageStatusSent, first.Status)

	dup, created, err := s.AppendMessage(ctx, domain.ChatMessage{ID: "a", RoomID: room.ID, SenderID: 20})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, dup)

	second, _, err := s.AppendMessage(ctx, domain.ChatMessage{ID: "b", RoomID: room.ID, SenderID: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)

	other, _, err := s.AppendMessage(ctx, domain.ChatMessage{ID: "c", RoomID: "other", SenderID: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Seq, "sequences are per room")

	stored, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, second.CreatedAt, stored.LastMessageAt)

	_, _, err = s.AppendMessage(ctx, domain.ChatMessage{RoomID: room.ID})
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)
}

func TestMemoryListMessagesPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMessages(t, s, "r1", 5)

	page, more, err := s.ListMessages(ctx, "r1", 0, 2)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{4, 5}, []int64{page[0].Seq, page[1].Seq})

	page, more, err = s.ListMessages(ctx, "r1", 4, 2)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []int64{2, 3}, []int64{page[0].Seq, page[1].Seq})

	page, more, err = s.ListMessages(ctx, "r1", 2, 2)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Seq)

	page, more, err = s.ListMessages(ctx, "empty", 0, 10)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, page)
}
