package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/config"
	"chatcore/internal/api"
	"chatcore/internal/auth"
	"chatcore/internal/domain"
	"chatcore/internal/envelope"
	"chatcore/internal/repository"
	"chatcore/internal/session"
	"chatcore/internal/transport"
	"chatcore/internal/transport/httpdto"
	chat_errors "chatcore/pkg/errors"
)

const (
	userA int64 = 10
	userB int64 = 20
	userC int64 = 30
	postID      = 5
)

type testRelay struct {
	server *Server
	http   *httptest.Server
	issuer *auth.Issuer
	store  *repository.MemoryStore
}

func newTestRelay(t *testing.T, uploader Uploader) *testRelay {
	t.Helper()
	issuer := auth.NewIssuer("relay-test-secret", time.Hour)
	store := repository.NewMemoryStore()
	srv, err := NewServer(Deps{Store: store, Issuer: issuer, Uploader: uploader}, Options{AppMode: TestMode})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Engine())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})
	return &testRelay{server: srv, http: hs, issuer: issuer, store: store}
}

func (r *testRelay) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := r.issuer.Issue(userID)
	require.NoError(t, err)
	return tok
}

func (r *testRelay) socketURL() string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
}

func (r *testRelay) apiClient(t *testing.T, userID int64) *api.Client {
	return api.NewClient(api.Options{BaseURL: r.http.URL, Token: r.token(t, userID)})
}

func (r *testRelay) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.socketURL()+"?token="+r.token(t, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f envelope.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil reads frames until match accepts one. Batched writes carry
// several frames per message.
func readUntil(t *testing.T, conn *websocket.Conn, match func(envelope.Frame) bool) envelope.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			var f envelope.Frame
			if json.Unmarshal(part, &f) == nil && match(f) {
				return f
			}
		}
	}
}

func isEvent(name string) func(envelope.Frame) bool {
	return func(f envelope.Frame) bool { return f.Name() == name }
}

func (r *testRelay) waitMembers(t *testing.T, roomID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.server.Hub().Members(roomID)) == n
	}, 3*time.Second, 10*time.Millisecond)
}

func (r *testRelay) openSession(t *testing.T, self int64, roomID string) *session.Session {
	t.Helper()
	tok := r.token(t, self)
	adapter := transport.NewWebSocketAdapter(transport.Options{
		URL:      r.socketURL(),
		Token:    tok,
		RoomID:   roomID,
		SenderID: self,
	})
	s, err := session.New(session.Deps{
		Adapter: adapter,
		API:     api.NewClient(api.Options{BaseURL: r.http.URL, Token: tok}),
	}, session.Options{SelfID: self, RoomID: roomID, Chat: config.DefaultChatConfig()}, session.Hooks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Open(context.Background()))
	return s
}

func TestDirectMessageBetweenTwoSessions(t *testing.T) {
	r := newTestRelay(t, nil)
	ctx := context.Background()

	room, err := r.apiClient(t, userA).CreateRoom(ctx, httpdto.CreateRoomRequest{
		Type:           string(domain.RoomTypeDM),
		ParticipantIDs: []int64{userB},
		PostID:         postID,
	})
	require.NoError(t, err)
	require.Equal(t, domain.DMRoomID(userA, userB, postID), room.ID)

	a := r.openSession(t, userA, room.ID)
	b := r.openSession(t, userB, room.ID)
	r.waitMembers(t, room.ID, 2)

	assert.Eventually(t, func() bool { return a.IsPeerOnline(userB) && b.IsPeerOnline(userA) },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SendTyping(ctx, true))
	assert.Eventually(t, b.IsPartnerTyping, 3*time.Second, 10*time.Millisecond)

	sent, err := a.SendMessage(ctx, "a1", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "a1", sent.ID)

	assert.Eventually(t, func() bool {
		msgs := b.Messages()
		return len(msgs) == 1 && msgs[0].ID == "a1" && msgs[0].SenderID == userA
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !b.IsPartnerTyping() }, 3*time.Second, 10*time.Millisecond)

	// The echo settles the local copy and the peer's receipts advance it to read.
	assert.Eventually(t, func() bool {
		msgs := a.Messages()
		return len(msgs) == 1 && msgs[0].Seq == 1 && msgs[0].Status == domain.MessageStatusRead
	}, 3*time.Second, 10*time.Millisecond)

	cursor, ok, err := a.ReadCursor(ctx, userB)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, cursor.Before(a.Messages()[0].CreatedAt))

	readAt := time.Now().UTC()
	require.NoError(t, b.SendReadReceipt(ctx, room.ID, readAt))
	assert.Eventually(t, func() bool {
		cursor, ok, err := a.ReadCursor(ctx, userB)
		return err == nil && ok && cursor.Equal(readAt)
	}, 3*time.Second, 10*time.Millisecond)

	page, err := r.apiClient(t, userB).FetchMessages(ctx, room.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.JSONEq(t, `{"text":"hi"}`, string(page.Messages[0].Content))
}

func TestJoinDeniedForNonMember(t *testing.T) {
	r := newTestRelay(t, nil)
	room := domain.NewDMRoom(userA, userB, postID, time.Now())
	_, _, err := r.store.CreateRoom(context.Background(), room)
	require.NoError(t, err)

	conn := r.dial(t, userC)
	writeFrame(t, conn, envelope.Frame{Event: envelope.EventJoin, RoomID: room.ID})
	f := readUntil(t, conn, isEvent(EventError))

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, envelope.EventJoin, p.Event)
	assert.Equal(t, httpdto.CodeUnauthorized, p.Code)
	assert.Empty(t, r.server.Hub().Members(room.ID))
}

func TestDuplicateMessageEchoesToSenderOnly(t *testing.T) {
	r := newTestRelay(t, nil)
	roomID := "open-room"

	a := r.dial(t, userA)
	b := r.dial(t, userB)
	writeFrame(t, a, envelope.Frame{Event: envelope.EventJoin, RoomID: roomID})
	writeFrame(t, b, envelope.Frame{Event: envelope.EventJoin, RoomID: roomID})
	r.waitMembers(t, roomID, 2)

	msg, err := envelope.NewFrame(envelope.EventChatMessage, roomID, envelope.MessagePayload{
		ID:      "m-1",
		Content: json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)
	writeFrame(t, a, msg)

	first := readUntil(t, b, isEvent(envelope.EventChatMessage))
	assert.Equal(t, userA, first.SenderID())
	echo := readUntil(t, a, isEvent(envelope.EventChatMessage))
	var p envelope.MessagePayload
	require.NoError(t, json.Unmarshal(echo.Payload, &p))
	assert.Equal(t, int64(1), p.Seq)

	writeFrame(t, a, msg)
	again := readUntil(t, a, isEvent(envelope.EventChatMessage))
	require.NoError(t, json.Unmarshal(again.Payload, &p))
	assert.Equal(t, int64(1), p.Seq)

	// b sees the next frame, not a second copy of m-1.
	typingOn := true
	writeFrame(t, a, envelope.Frame{Event: envelope.EventTyping, RoomID: roomID, Typing: &typingOn})
	next := readUntil(t, b, func(f envelope.Frame) bool {
		return f.Name() == envelope.EventChatMessage || f.Name() == envelope.EventTyping
	})
	assert.Equal(t, envelope.EventTyping, next.Name())
	assert.Equal(t, userA, next.SenderID())
}

func TestPingIsAnsweredDirectly(t *testing.T) {
	r := newTestRelay(t, nil)
	conn := r.dial(t, userA)
	writeFrame(t, conn, envelope.Frame{Event: envelope.EventPing})
	readUntil(t, conn, isEvent(envelope.EventPong))
}

func TestRoomEndpoints(t *testing.T) {
	r := newTestRelay(t, nil)
	ctx := context.Background()
	req := httpdto.CreateRoomRequest{Type: "DM", ParticipantIDs: []int64{userB}, PostID: postID}

	w := httptest.NewRecorder()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/rooms", bytes.NewReader(body))
	httpReq.Header.Set("Authorization", "Bearer "+r.token(t, userA))
	r.server.Engine().ServeHTTP(w, httpReq)
	assert.Equal(t, http.StatusCreated, w.Code)

	// The peer opening the same DM gets the existing room.
	room, err := r.apiClient(t, userB).CreateRoom(ctx, httpdto.CreateRoomRequest{
		Type: "DM", ParticipantIDs: []int64{userA}, PostID: postID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DMRoomID(userA, userB, postID), room.ID)

	_, err = r.apiClient(t, userC).FetchRoom(ctx, room.ID)
	assert.ErrorIs(t, err, chat_errors.ErrUnauthorized)

	_, err = r.apiClient(t, userA).FetchRoom(ctx, "missing")
	assert.ErrorIs(t, err, chat_errors.ErrNotFound)

	for i := 0; i < 5; i++ {
		_, _, err := r.store.AppendMessage(ctx, domain.ChatMessage{
			ID:        "m" + string(rune('a'+i)),
			RoomID:    room.ID,
			SenderID:  userA,
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	client := r.apiClient(t, userB)
	page, err := client.FetchMessages(ctx, room.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(4), page.Messages[0].Seq)
	assert.Equal(t, int64(4), page.NextCursor)
	assert.True(t, page.HasMore)

	page, err = client.FetchMessages(ctx, room.ID, page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.False(t, page.HasMore)

	_, err = r.apiClient(t, userC).FetchMessages(ctx, room.ID, 0, 10)
	assert.ErrorIs(t, err, chat_errors.ErrUnauthorized)
}

func TestPresignWithoutUploader(t *testing.T) {
	r := newTestRelay(t, nil)
	_, err := r.apiClient(t, userA).PresignUpload(context.Background(), httpdto.PresignUploadRequest{
		RoomID: "r1", FileName: "a.png", ContentType: "image/png", FileSize: 10,
	})
	assert.ErrorIs(t, err, chat_errors.ErrServiceUnavailable)
}

func TestUnauthenticatedSocketIsRejected(t *testing.T) {
	r := newTestRelay(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(r.socketURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
