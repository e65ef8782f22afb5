package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcore/internal/envelope"
	"chatcore/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

var newline = []byte{'\n'}

var pongFrame = []byte(`{"event":"pong"}`)

// Client is one websocket connection. rooms is guarded by the hub's lock.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	userID       int64
	clientID     string
	rooms        map[string]bool
	rateLimiter  *ClientRateLimiter
	connectedAt  time.Time
	lastActivity atomic.Int64
	logger       *WebSocketLogger
}

// NewClient wraps an upgraded connection. The hub starts its pumps on Register.
func NewClient(hub *Hub, conn *websocket.Conn, userID int64, clientID string) *Client {
	now := time.Now()
	c := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		userID:      userID,
		clientID:    clientID,
		rooms:       make(map[string]bool),
		rateLimiter: NewClientRateLimiter(hub.opts.Limits),
		connectedAt: now,
		logger:      hub.logger,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket unexpected close", c.userID, c.clientID, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()

		for _, part := range bytes.Split(message, newline) {
			part = bytes.TrimSpace(part)
			if len(part) == 0 {
				continue
			}
			if err := c.handleMessage(part); err != nil {
				c.logger.Error("websocket handle message failed", c.userID, c.clientID, err)
			}
		}
	}
}

func (c *Client) handleMessage(raw []byte) error {
	var f envelope.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	name := f.Name()
	if name == "" {
		c.logger.Warn("frame without event", c.userID, c.clientID)
		return nil
	}

	if !c.rateLimiter.Allow(name) {
		metrics.RelayRateLimited.WithLabelValues(metricEvent(name)).Inc()
		c.logger.Warn("rate limit exceeded", c.userID, c.clientID, zap.String("frame", name))
		return nil
	}

	if name == envelope.EventPing {
		c.hub.send(c, pongFrame)
		return nil
	}
	return c.hub.publish(context.Background(), c, f.RoomID, raw)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				_, _ = w.Write(newline)
				_, _ = w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if time.Since(time.Unix(0, c.lastActivity.Load())) > pongWait*2 {
				c.logger.Info("client idle timeout", c.userID, c.clientID)
				return
			}
			c.hub.heartbeat(c)
		}
	}
}
