package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcore/internal/envelope"
	chat_errors "chatcore/pkg/errors"
	"chatcore/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

var newline = []byte{'\n'}

type Options struct {
	URL      string
	Token    string
	Topic    string
	RoomID   string
	SenderID int64
	// HeartbeatInterval is the ping period of a live connection.
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Logger            *logger.Logger
}

type outgoing struct {
	data   []byte
	result chan error
}

// WebSocketAdapter implements Adapter over a gorilla websocket connection.
type WebSocketAdapter struct {
	opts   Options
	dialer *websocket.Dialer
	logger *logger.Logger

	mu       sync.Mutex
	handlers Handlers
	conn     *websocket.Conn
	send     chan outgoing
	done     chan struct{}
}

// NewWebSocketAdapter creates an adapter. Nothing dials until Connect.
func NewWebSocketAdapter(opts Options) *WebSocketAdapter {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &WebSocketAdapter{
		opts:   opts,
		dialer: dialer,
		logger: logger.OrNop(opts.Logger).Named("transport").With(zap.Int64("user_id", opts.SenderID)),
	}
}

func (a *WebSocketAdapter) SetHandlers(h Handlers) {
	a.mu.Lock()
	a.handlers = h
	a.mu.Unlock()
}

func (a *WebSocketAdapter) RequiresManualJoin() bool { return true }

// Connected reports whether the socket is open.
func (a *WebSocketAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Connect dials the socket. Calling it on a live adapter is a no-op.
func (a *WebSocketAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	h := a.handlers
	a.mu.Unlock()

	target, err := a.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if a.opts.Token != "" {
		header.Set("Authorization", "Bearer "+a.opts.Token)
	}

	conn, resp, err := a.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("dial %s: %w", a.opts.URL, err)
		a.logger.Logger.Debug("dial failed", zap.Error(err))
		if h.OnError != nil {
			h.OnError(err)
		}
		if h.OnClose != nil {
			h.OnClose(err)
		}
		return err
	}

	a.mu.Lock()
	if a.conn != nil {
		// Lost a race with a concurrent Connect.
		a.mu.Unlock()
		conn.Close()
		return nil
	}
	a.conn = conn
	a.send = make(chan outgoing, sendBuffer)
	a.done = make(chan struct{})
	send, done := a.send, a.done
	h = a.handlers
	a.mu.Unlock()

	a.logger.Logger.Info("connected", zap.String("room_id", a.opts.RoomID))
	// The writer must run before OnOpen so open handlers can emit; the reader
	// starts after so no frame is dispatched ahead of the open signal.
	go a.writePump(conn, send, done)
	if h.OnOpen != nil {
		h.OnOpen()
	}
	go a.readPump(conn)
	return nil
}

// Close tears the connection down. The close handler fires with a nil error.
func (a *WebSocketAdapter) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	a.teardown(conn, nil)
	return nil
}

// Join subscribes the connection to roomID.
func (a *WebSocketAdapter) Join(ctx context.Context, roomID string) error {
	return a.Emit(ctx, envelope.JoinFrame(roomID))
}

// Leave unsubscribes the connection from roomID.
func (a *WebSocketAdapter) Leave(ctx context.Context, roomID string) error {
	return a.Emit(ctx, envelope.LeaveFrame(roomID))
}

// Emit queues a frame and waits until it has been written to the socket.
func (a *WebSocketAdapter) Emit(ctx context.Context, frame envelope.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	a.mu.Lock()
	send, done := a.send, a.done
	connected := a.conn != nil
	a.mu.Unlock()
	if !connected {
		return chat_errors.ErrNotConnected
	}

	out := outgoing{data: data, result: make(chan error, 1)}
	select {
	case send <- out:
	case <-done:
		return chat_errors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	default:
		return chat_errors.ErrQueueFull
	}

	select {
	case err := <-out.result:
		return err
	case <-done:
		return chat_errors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *WebSocketAdapter) dialURL() (string, error) {
	u, err := url.Parse(a.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	if a.opts.Token != "" {
		q.Set("token", a.opts.Token)
	}
	if a.opts.Topic != "" {
		q.Set("topic", a.opts.Topic)
	}
	if a.opts.RoomID != "" {
		q.Set("roomId", a.opts.RoomID)
	}
	if a.opts.SenderID != 0 {
		q.Set("senderId", strconv.FormatInt(a.opts.SenderID, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *WebSocketAdapter) readPump(conn *websocket.Conn) {
	pongWait := 2 * a.opts.HeartbeatInterval

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Logger.Warn("unexpected close", zap.Error(err))
			}
			a.teardown(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		a.mu.Lock()
		onMessage := a.handlers.OnMessage
		a.mu.Unlock()
		if onMessage == nil {
			continue
		}
		// The relay batches queued frames into one message, one per line.
		for _, part := range bytes.Split(message, newline) {
			part = bytes.TrimSpace(part)
			if len(part) > 0 {
				onMessage(part)
			}
		}
	}
}

// writePump owns all data writes on conn and carries the heartbeat ticker,
// which lives exactly as long as the connection.
func (a *WebSocketAdapter) writePump(conn *websocket.Conn, send <-chan outgoing, done <-chan struct{}) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case out := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.TextMessage, out.data)
			out.result <- err
			if err != nil {
				a.teardown(conn, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.teardown(conn, err)
				return
			}
		}
	}
}

// teardown closes conn once; later calls for the same conn are no-ops.
func (a *WebSocketAdapter) teardown(conn *websocket.Conn, err error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	close(a.done)
	h := a.handlers
	a.mu.Unlock()

	_ = conn.Close()
	if err != nil {
		a.logger.Logger.Debug("connection closed", zap.Error(err))
		if h.OnError != nil {
			h.OnError(err)
		}
	}
	if h.OnClose != nil {
		h.OnClose(err)
	}
}
