package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/envelope"
	chat_errors "chatcore/pkg/errors"
)

type echoServer struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	query    map[string]string
	auth     string
	received []envelope.Frame
	conns    []*websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	es := &echoServer{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.query = map[string]string{
			"token":    r.URL.Query().Get("token"),
			"topic":    r.URL.Query().Get("topic"),
			"roomId":   r.URL.Query().Get("roomId"),
			"senderId": r.URL.Query().Get("senderId"),
		}
		es.auth = r.Header.Get("Authorization")
		es.conns = append(es.conns, conn)
		es.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f envelope.Frame
			if json.Unmarshal(data, &f) == nil {
				es.mu.Lock()
				es.received = append(es.received, f)
				es.mu.Unlock()
			}
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *echoServer) url() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

func (es *echoServer) frames() []envelope.Frame {
	es.mu.Lock()
	defer es.mu.Unlock()
	return append([]envelope.Frame(nil), es.received...)
}

func (es *echoServer) lastConn() *websocket.Conn {
	es.mu.Lock()
	defer es.mu.Unlock()
	if len(es.conns) == 0 {
		return nil
	}
	return es.conns[len(es.conns)-1]
}

func TestAdapterConnectEmitAndReceive(t *testing.T) {
	es := newEchoServer(t)
	adapter := NewWebSocketAdapter(Options{
		URL:      es.url(),
		Token:    "tok",
		Topic:    "chat",
		RoomID:   "r1",
		SenderID: 10,
	})

	var mu sync.Mutex
	var opened int
	var inbound []string
	adapter.SetHandlers(Handlers{
		OnOpen: func() { mu.Lock(); opened++; mu.Unlock() },
		OnMessage: func(raw []byte) {
			mu.Lock()
			inbound = append(inbound, string(raw))
			mu.Unlock()
		},
	})

	ctx := context.Background()
	require.NoError(t, adapter.Connect(ctx))
	require.NoError(t, adapter.Connect(ctx), "second connect is a no-op")
	assert.True(t, adapter.Connected())

	require.NoError(t, adapter.Join(ctx, "r1"))
	require.NoError(t, adapter.Emit(ctx, envelope.TypingFrame("r1", true)))

	require.Eventually(t, func() bool { return len(es.frames()) == 2 }, 2*time.Second, 10*time.Millisecond)
	frames := es.frames()
	assert.Equal(t, envelope.EventJoin, frames[0].Event)
	assert.Equal(t, envelope.EventTyping, frames[1].Event)

	es.mu.Lock()
	assert.Equal(t, "tok", es.query["token"])
	assert.Equal(t, "chat", es.query["topic"])
	assert.Equal(t, "r1", es.query["roomId"])
	assert.Equal(t, "10", es.query["senderId"])
	assert.Equal(t, "Bearer tok", es.auth)
	es.mu.Unlock()

	// Two frames batched in one websocket message arrive as two callbacks.
	conn := es.lastConn()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{\"event\":\"a\"}\n{\"event\":\"b\"}")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inbound) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, opened)
	assert.Equal(t, []string{`{"event":"a"}`, `{"event":"b"}`}, inbound)
	mu.Unlock()
}

func TestAdapterServerDropFiresErrorThenClose(t *testing.T) {
	es := newEchoServer(t)
	adapter := NewWebSocketAdapter(Options{URL: es.url()})

	var mu sync.Mutex
	var order []string
	adapter.SetHandlers(Handlers{
		OnError: func(error) { mu.Lock(); order = append(order, "error"); mu.Unlock() },
		OnClose: func(err error) {
			mu.Lock()
			order = append(order, "close")
			mu.Unlock()
		},
	})
	require.NoError(t, adapter.Connect(context.Background()))
	require.Eventually(t, func() bool { return es.lastConn() != nil }, time.Second, 10*time.Millisecond)

	es.lastConn().Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"error", "close"}, order)
	mu.Unlock()
	assert.False(t, adapter.Connected())
	assert.ErrorIs(t, adapter.Emit(context.Background(), envelope.JoinFrame("r1")), chat_errors.ErrNotConnected)
}

func TestAdapterCloseIsCleanAndSingle(t *testing.T) {
	es := newEchoServer(t)
	adapter := NewWebSocketAdapter(Options{URL: es.url()})

	var mu sync.Mutex
	var closes []error
	errorsSeen := 0
	adapter.SetHandlers(Handlers{
		OnError: func(error) { mu.Lock(); errorsSeen++; mu.Unlock() },
		OnClose: func(err error) { mu.Lock(); closes = append(closes, err); mu.Unlock() },
	})
	require.NoError(t, adapter.Connect(context.Background()))
	require.NoError(t, adapter.Close())
	require.NoError(t, adapter.Close())

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closes, 1)
	assert.NoError(t, closes[0])
	assert.Equal(t, 0, errorsSeen)
}

func TestAdapterDialFailure(t *testing.T) {
	adapter := NewWebSocketAdapter(Options{URL: "ws://127.0.0.1:1/ws"})
	var gotError, gotClose bool
	adapter.SetHandlers(Handlers{
		OnError: func(error) { gotError = true },
		OnClose: func(error) { gotClose = true },
	})

	err := adapter.Connect(context.Background())
	assert.Error(t, err)
	assert.True(t, gotError)
	assert.True(t, gotClose)
	assert.False(t, adapter.Connected())
}
