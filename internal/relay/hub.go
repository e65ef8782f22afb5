// Package relay is a development backend that speaks the chat wire protocol:
// a websocket hub with room membership plus the REST endpoints the chat core
// calls for rooms, history and uploads.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/domain"
	"chatcore/internal/envelope"
	"chatcore/internal/metrics"
	"chatcore/internal/middleware"
	"chatcore/internal/pubsub"
	"chatcore/internal/repository"
	chat_errors "chatcore/pkg/errors"
	"chatcore/pkg/logger"
)

const (
	framesTopic = "relay.frames"

	// EventError is sent back to a client whose frame was refused.
	EventError = "error"

	storeTimeout = 5 * time.Second
)

// ErrorPayload is the payload of error frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type Bus interface {
	pubsub.Publisher
	pubsub.Subscriber
}

type HubOptions struct {
	Store    repository.Store
	Presence PresenceStore
	// MessageLimiter is optional.
	MessageLimiter        MessageLimiter
	Bus                   Bus
	Limits                RateLimits
	MaxConnectionsPerUser int
	Logger                *logger.Logger
}

// Hub maintains the set of active clients and their room memberships.
// Inbound frames travel over the bus and are handled one at a time, in the
// order each client sent them.
type Hub struct {
	opts       HubOptions
	clients    map[int64]map[string]*Client
	conns      map[string]*Client
	rooms      map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	stopChan   chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	mu         sync.RWMutex
	logger     *WebSocketLogger
	log        *logger.Logger
}

// NewHub creates a hub. Unset options get in-memory defaults.
func NewHub(opts HubOptions) *Hub {
	if opts.Store == nil {
		opts.Store = repository.NewMemoryStore()
	}
	if opts.Presence == nil {
		opts.Presence = NewMemoryPresence()
	}
	if opts.Bus == nil {
		opts.Bus = pubsub.NewWatermillBridge(opts.Logger)
	}
	if opts.Limits == (RateLimits{}) {
		opts.Limits = DefaultRateLimits
	}
	if opts.MaxConnectionsPerUser <= 0 {
		opts.MaxConnectionsPerUser = 10
	}
	return &Hub{
		opts:       opts,
		clients:    make(map[int64]map[string]*Client),
		conns:      make(map[string]*Client),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     NewWebSocketLogger(opts.Logger),
		log:        logger.OrNop(opts.Logger).Named("hub"),
	}
}

// Start subscribes to the frame topic and runs the hub until ctx ends or
// Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.opts.Bus.Subscribe(ctx, framesTopic, h.handleFrame); err != nil {
		return fmt.Errorf("subscribe %s: %w", framesTopic, err)
	}
	go h.run(ctx)
	return nil
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.handleRegister(ctx, client)
		case client := <-h.unregister:
			h.handleUnregister(ctx, client)
		case <-ctx.Done():
			h.shutdown()
			return
		case <-h.stopChan:
			h.shutdown()
			return
		}
	}
}

// Stop disconnects every client and closes the bus. It must follow Start.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
	<-h.done
	if err := h.opts.Bus.Close(); err != nil {
		h.log.Logger.Warn("close bus", zap.Error(err))
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		h.removeClientLocked(c)
		metrics.RelayConnections.Dec()
	}
}

// Register hands an upgraded connection to the hub, which starts its pumps.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopChan:
		_ = c.conn.Close()
	case <-h.done:
		_ = c.conn.Close()
	}
}

// Unregister removes c and announces its departure.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) handleRegister(ctx context.Context, c *Client) {
	h.mu.Lock()
	userClients := h.clients[c.userID]
	if userClients == nil {
		userClients = make(map[string]*Client)
		h.clients[c.userID] = userClients
	}
	var evicted *Client
	if len(userClients) >= h.opts.MaxConnectionsPerUser {
		for _, old := range userClients {
			if evicted == nil || old.connectedAt.Before(evicted.connectedAt) {
				evicted = old
			}
		}
	}
	userClients[c.clientID] = c
	h.conns[c.clientID] = c
	h.mu.Unlock()

	if evicted != nil {
		h.logger.Warn("max connections per user reached", evicted.userID, evicted.clientID)
		h.handleUnregister(ctx, evicted)
	}

	metrics.RelayConnections.Inc()
	h.logger.Info("client connected", c.userID, c.clientID)
	go c.writePump()
	go c.readPump()

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	first, err := h.opts.Presence.Connect(storeCtx, c.userID, c.clientID)
	cancel()
	if err != nil {
		h.logger.Error("presence connect failed", c.userID, c.clientID, err)
		return
	}
	if first {
		online := true
		h.broadcastAll(signalFrame("", envelope.SignalPayload{
			Kind:   envelope.SignalGlobalPresence,
			Action: string(envelope.PresenceOnline),
			UserID: c.userID,
			Online: &online,
			At:     envelope.FormatTime(time.Now()),
		}), c.userID)
	}
}

func (h *Hub) handleUnregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	if _, ok := h.conns[c.clientID]; !ok {
		h.mu.Unlock()
		return
	}
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	h.removeClientLocked(c)
	h.mu.Unlock()

	metrics.RelayConnections.Dec()
	h.logger.Info("client disconnected", c.userID, c.clientID)
	for _, room := range rooms {
		h.broadcastRoom(room, presenceFrame(room, envelope.PresenceLeave, c.userID), nil)
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	last, lastSeen, err := h.opts.Presence.Disconnect(storeCtx, c.userID, c.clientID)
	cancel()
	if err != nil {
		h.logger.Error("presence disconnect failed", c.userID, c.clientID, err)
		return
	}
	if last {
		offline := false
		h.broadcastAll(signalFrame("", envelope.SignalPayload{
			Kind:     envelope.SignalGlobalPresence,
			Action:   string(envelope.PresenceOffline),
			UserID:   c.userID,
			Online:   &offline,
			LastSeen: envelope.FormatTime(lastSeen),
		}), c.userID)
	}
}

// heartbeat refreshes c's presence entry on every ping period.
func (h *Hub) heartbeat(c *Client) {
	hb, ok := h.opts.Presence.(Heartbeater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := hb.Heartbeat(ctx, c.userID); err != nil {
		h.logger.Warn("presence heartbeat failed", c.userID, c.clientID, zap.Error(err))
	}
}

// removeClientLocked forgets c and closes its send channel. Callers hold h.mu.
func (h *Hub) removeClientLocked(c *Client) {
	if _, ok := h.conns[c.clientID]; !ok {
		return
	}
	delete(h.conns, c.clientID)
	if userClients, ok := h.clients[c.userID]; ok {
		delete(userClients, c.clientID)
		if len(userClients) == 0 {
			delete(h.clients, c.userID)
		}
	}
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	c.rooms = nil
	close(c.send)
	_ = c.conn.Close()
}

// publish puts a client's frame on the bus. It returns once the hub has
// handled it.
func (h *Hub) publish(ctx context.Context, c *Client, roomID string, raw []byte) error {
	return h.opts.Bus.Publish(ctx, pubsub.Message{
		Topic:   framesTopic,
		RoomID:  roomID,
		Sender:  c.clientID,
		Payload: raw,
	})
}

func (h *Hub) handleFrame(ctx context.Context, msg pubsub.Message) error {
	h.mu.RLock()
	c := h.conns[msg.Sender]
	h.mu.RUnlock()
	if c == nil {
		return nil
	}

	var f envelope.Frame
	if err := json.Unmarshal(msg.Payload, &f); err != nil {
		return fmt.Errorf("decode frame from %s: %w", msg.Sender, err)
	}
	name := f.Name()

	switch name {
	case envelope.EventJoin:
		h.join(ctx, c, f.RoomID)
	case envelope.EventLeave:
		h.leave(c, f.RoomID)
	case envelope.EventChatMessage:
		h.chatMessage(ctx, c, f)
	case envelope.EventSignal:
		var p envelope.SignalPayload
		_ = json.Unmarshal(f.Payload, &p)
		if p.Kind == envelope.SignalPresence || p.Kind == envelope.SignalGlobalPresence {
			h.logger.Debug("client presence signal dropped", c.userID, c.clientID)
			return nil
		}
		h.forward(c, f)
	default:
		h.forward(c, f)
	}
	metrics.RelayFrames.WithLabelValues(metricEvent(name)).Inc()
	return nil
}

func metricEvent(name string) string {
	switch name {
	case envelope.EventChatMessage, envelope.EventTyping, envelope.EventReadUpTo,
		envelope.EventDelivered, envelope.EventMessageDelivered, envelope.EventChatUpdate,
		envelope.EventRoomUpdate, envelope.EventWorkflowUpdate, envelope.EventSignal,
		envelope.EventJoin, envelope.EventLeave, envelope.EventPing:
		return name
	default:
		return "other"
	}
}

func (h *Hub) join(ctx context.Context, c *Client, roomID string) {
	if roomID == "" {
		h.sendError(c, envelope.EventJoin, "", chat_errors.ErrInvalidInput)
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	room, err := h.opts.Store.GetRoom(storeCtx, roomID)
	cancel()
	switch {
	case err == nil && !room.HasMember(c.userID):
		h.sendError(c, envelope.EventJoin, roomID, chat_errors.ErrUnauthorized)
		return
	case err != nil && !errors.Is(err, chat_errors.ErrNotFound):
		h.sendError(c, envelope.EventJoin, roomID, err)
		return
	}

	h.mu.Lock()
	if _, ok := h.conns[c.clientID]; !ok {
		h.mu.Unlock()
		return
	}
	if c.rooms[roomID] {
		h.mu.Unlock()
		return
	}
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
	}
	present := make(map[int64]struct{})
	for m := range members {
		if m.userID != c.userID {
			present[m.userID] = struct{}{}
		}
	}
	members[c] = struct{}{}
	c.rooms[roomID] = true
	h.mu.Unlock()

	h.logger.Debug("room joined", c.userID, c.clientID, zap.String("room_id", roomID))
	h.broadcastRoom(roomID, presenceFrame(roomID, envelope.PresenceJoin, c.userID), c)
	for userID := range present {
		h.send(c, presenceFrame(roomID, envelope.PresenceJoin, userID))
	}
}

func (h *Hub) leave(c *Client, roomID string) {
	h.mu.Lock()
	if !c.rooms[roomID] {
		h.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	h.logger.Debug("room left", c.userID, c.clientID, zap.String("room_id", roomID))
	h.broadcastRoom(roomID, presenceFrame(roomID, envelope.PresenceLeave, c.userID), c)
}

func (h *Hub) isMember(c *Client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.rooms[roomID]
}

// chatMessage persists the message and echoes it to the whole room, sender
// included. A resent id is echoed back to the sender only.
func (h *Hub) chatMessage(ctx context.Context, c *Client, f envelope.Frame) {
	if !h.isMember(c, f.RoomID) {
		h.sendError(c, f.Name(), f.RoomID, chat_errors.ErrUnauthorized)
		return
	}
	if h.opts.MessageLimiter != nil {
		res, err := h.opts.MessageLimiter.AllowMessage(ctx, c.userID)
		if err != nil {
			h.logger.Error("message rate limit check failed", c.userID, c.clientID, err)
		} else if !res.Allowed {
			metrics.RelayRateLimited.WithLabelValues(envelope.EventChatMessage).Inc()
			h.sendError(c, f.Name(), f.RoomID, chat_errors.ErrRateLimited)
			return
		}
	}

	var p envelope.MessagePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || (p.ID == "" && p.ClientID == "") {
		h.sendError(c, f.Name(), f.RoomID, chat_errors.ErrInvalidInput)
		return
	}
	id := p.ID
	if id == "" {
		id = p.ClientID
	}
	clientID := p.ClientID
	if clientID == "" {
		clientID = id
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	stored, created, err := h.opts.Store.AppendMessage(storeCtx, domain.ChatMessage{
		ID:        id,
		ClientID:  clientID,
		RoomID:    f.RoomID,
		SenderID:  c.userID,
		Content:   p.Content,
		CreatedAt: time.Now().UTC(),
	})
	cancel()
	if err != nil {
		h.logger.Error("append message failed", c.userID, c.clientID, err, zap.String("room_id", f.RoomID))
		h.sendError(c, f.Name(), f.RoomID, err)
		return
	}

	out := messageFrame(stored)
	if created {
		h.broadcastRoom(f.RoomID, out, nil)
		return
	}
	h.send(c, out)
}

// forward relays a frame to the other members of its room with the sender
// stamped by the relay.
func (h *Hub) forward(c *Client, f envelope.Frame) {
	if f.RoomID == "" || !h.isMember(c, f.RoomID) {
		h.logger.Debug("frame outside joined rooms dropped", c.userID, c.clientID,
			zap.String("frame", f.Name()), zap.String("room_id", f.RoomID))
		return
	}
	f.Sender = &envelope.Sender{ID: c.userID}
	if f.Name() == envelope.EventReadUpTo {
		f.ReaderID = c.userID
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.broadcastRoom(f.RoomID, data, c)
}

func (h *Hub) send(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendLocked(c, data)
}

func (h *Hub) sendLocked(c *Client, data []byte) {
	if _, ok := h.conns[c.clientID]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("client send buffer full", c.userID, c.clientID)
	}
}

func (h *Hub) broadcastRoom(roomID string, data []byte, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c != except {
			h.sendLocked(c, data)
		}
	}
}

func (h *Hub) broadcastAll(data []byte, exceptUser int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, userClients := range h.clients {
		if userID == exceptUser {
			continue
		}
		for _, c := range userClients {
			h.sendLocked(c, data)
		}
	}
}

func (h *Hub) sendError(c *Client, event, roomID string, err error) {
	payload, _ := json.Marshal(ErrorPayload{
		Code:    middleware.ErrorCode(middleware.HTTPStatus(err)),
		Message: err.Error(),
		Event:   event,
	})
	data, _ := json.Marshal(envelope.Frame{Event: EventError, RoomID: roomID, Payload: payload})
	h.send(c, data)
}

// Connections returns how many sockets userID has open.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Members returns the user ids joined to roomID.
func (h *Hub) Members(roomID string) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[int64]struct{})
	var out []int64
	for c := range h.rooms[roomID] {
		if _, ok := seen[c.userID]; !ok {
			seen[c.userID] = struct{}{}
			out = append(out, c.userID)
		}
	}
	return out
}

func messageFrame(m domain.ChatMessage) []byte {
	payload, _ := json.Marshal(envelope.MessagePayload{
		ID:        m.ID,
		ClientID:  m.ClientID,
		Content:   m.Content,
		CreatedAt: envelope.FormatTime(m.CreatedAt),
		Seq:       m.Seq,
	})
	data, _ := json.Marshal(envelope.Frame{
		Event:   envelope.EventChatMessage,
		RoomID:  m.RoomID,
		Sender:  &envelope.Sender{ID: m.SenderID},
		Payload: payload,
	})
	return data
}

func presenceFrame(roomID string, action envelope.PresenceAction, userID int64) []byte {
	return signalFrame(roomID, envelope.SignalPayload{
		Kind:   envelope.SignalPresence,
		Action: string(action),
		UserID: userID,
		At:     envelope.FormatTime(time.Now()),
	})
}

func signalFrame(roomID string, p envelope.SignalPayload) []byte {
	payload, _ := json.Marshal(p)
	data, _ := json.Marshal(envelope.Frame{Event: envelope.EventSignal, RoomID: roomID, Payload: payload})
	return data
}
