package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/transport/httpdto"
	chat_errors "chatcore/pkg/errors"
)

func newTestServer(t *testing.T, register func(r *gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRoom(t *testing.T) {
	room := domain.NewDMRoom(10, 20, 5, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	var auth string
	srv := newTestServer(t, func(r *gin.Engine) {
		r.GET("/v1/rooms/:id", func(c *gin.Context) {
			auth = c.GetHeader("Authorization")
			if c.Param("id") != room.ID {
				c.JSON(http.StatusNotFound, httpdto.NewErrorResponse("room not found", httpdto.CodeNotFound))
				return
			}
			c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromRoom(room)))
		})
	})

	client := NewClient(Options{BaseURL: srv.URL + "/", Token: "tok"})
	got, err := client.FetchRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, domain.RoomTypeDM, got.Type)
	assert.Len(t, got.Participants, 2)
	assert.Equal(t, "Bearer tok", auth)

	_, err = client.FetchRoom(context.Background(), "missing")
	assert.ErrorIs(t, err, chat_errors.ErrNotFound)
}

func TestStatusMapping(t *testing.T) {
	srv := newTestServer(t, func(r *gin.Engine) {
		r.POST("/v1/rooms", func(c *gin.Context) {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", httpdto.CodeUnauthorized))
		})
		r.POST("/v1/uploads/presign", func(c *gin.Context) {
			c.String(http.StatusBadGateway, "upstream down")
		})
	})
	client := NewClient(Options{BaseURL: srv.URL})

	_, err := client.CreateRoom(context.Background(), httpdto.CreateRoomRequest{Type: "DM", ParticipantIDs: []int64{10, 20}})
	assert.ErrorIs(t, err, chat_errors.ErrUnauthorized)

	_, err = client.PresignUpload(context.Background(), httpdto.PresignUploadRequest{RoomID: "r1", FileName: "a.png", ContentType: "image/png", FileSize: 1})
	assert.ErrorIs(t, err, chat_errors.ErrServiceUnavailable)
}

func TestFetchMessagesPage(t *testing.T) {
	var before, limit string
	srv := newTestServer(t, func(r *gin.Engine) {
		r.GET("/v1/rooms/:id/messages", func(c *gin.Context) {
			before, limit = c.Query("before"), c.Query("limit")
			c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.MessagePage{
				Messages: []httpdto.MessageDTO{
					{ID: "m4", RoomID: c.Param("id"), SenderID: 20, Seq: 4},
					{ID: "m5", RoomID: c.Param("id"), SenderID: 10, Seq: 5},
				},
				NextCursor: 4,
				HasMore:    true,
			}))
		})
	})
	client := NewClient(Options{BaseURL: srv.URL})

	page, err := client.FetchMessages(context.Background(), "r1", 6, 2)
	require.NoError(t, err)
	assert.Equal(t, "6", before)
	assert.Equal(t, "2", limit)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m4", page.Messages[0].ID)
	assert.Equal(t, domain.MessageStatusSent, page.Messages[0].Status)
	assert.Equal(t, int64(4), page.NextCursor)
	assert.True(t, page.HasMore)
	assert.False(t, page.TimedOut)
}

func TestFetchMessagesTimeoutIsSoft(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(r *gin.Engine) {
		r.GET("/v1/rooms/:id/messages", func(c *gin.Context) {
			select {
			case <-release:
			case <-c.Request.Context().Done():
			}
		})
	})
	defer close(release)
	client := NewClient(Options{BaseURL: srv.URL, FetchTimeout: 50 * time.Millisecond})

	page, err := client.FetchMessages(context.Background(), "r1", 0, 30)
	require.NoError(t, err)
	assert.True(t, page.TimedOut)
	assert.Empty(t, page.Messages)
}

func TestFetchMessagesCallerCancelIsAnError(t *testing.T) {
	srv := newTestServer(t, func(r *gin.Engine) {
		r.GET("/v1/rooms/:id/messages", func(c *gin.Context) {
			<-c.Request.Context().Done()
		})
	})
	client := NewClient(Options{BaseURL: srv.URL, FetchTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.FetchMessages(ctx, "r1", 0, 30)
	assert.Error(t, err)
}
