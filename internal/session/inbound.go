package session

import (
	"context"

	"go.uber.org/zap"

	"chatcore/internal/domain"
	"chatcore/internal/envelope"
	"chatcore/internal/reconnect"
)

// inbound runs on the adapter's read goroutine, one frame at a time.
func (s *Session) inbound(raw []byte) {
	s.idle.Reset()
	s.router.Dispatch(s.ctx, raw)
}

func (s *Session) stateChanged(state reconnect.State) {
	switch state {
	case reconnect.StateConnected:
		s.idle.Reset()
	case reconnect.StateDisconnected, reconnect.StateError:
		s.mu.Lock()
		s.joined = ""
		s.mu.Unlock()
		s.idle.Stop()
	}
	if s.hooks.OnStateChange != nil {
		s.hooks.OnStateChange(state)
	}
}

func (s *Session) connected() {
	if err := s.ensureJoined(s.ctx); err != nil {
		s.logger.Logger.Warn("join after connect failed", zap.Error(err))
	}
}

// reconnected rejoins, then resyncs history and retries failed sends off the
// read path.
func (s *Session) reconnected(attempts int) {
	if err := s.ensureJoined(s.ctx); err != nil {
		s.logger.Logger.Warn("rejoin failed", zap.Int("attempts", attempts), zap.Error(err))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.syncLatest(s.ctx)
		if n, err := s.outbox.FlushPending(s.ctx); n > 0 || err != nil {
			s.logger.Logger.Info("flushed after reconnect", zap.Int("sent", n), zap.Error(err))
		}
	}()
}

func (s *Session) reconnectFailed(attempts int) {
	if s.hooks.OnReconnectFailed != nil {
		s.hooks.OnReconnectFailed(attempts)
	}
}

func (s *Session) inactive() {
	if err := s.ctrl.Suspend(); err != nil {
		s.logger.Logger.Debug("suspend failed", zap.Error(err))
	}
	if s.hooks.OnInactivityTimeout != nil {
		s.hooks.OnInactivityTimeout()
	}
}

func (s *Session) typingChanged(roomID string, userID int64, isTyping bool) {
	if s.hooks.OnTyping != nil {
		s.hooks.OnTyping(roomID, userID, isTyping)
	}
}

// outboundChanged mirrors outbox transitions into the timeline.
func (s *Session) outboundChanged(msg domain.ChatMessage) {
	s.mu.Lock()
	if msg.RoomID != s.roomID {
		s.mu.Unlock()
		return
	}
	s.upsertLocked(msg)
	s.mu.Unlock()
	s.notifyMessages()
}

func (s *Session) handleChatMessage(ctx context.Context, ev envelope.ChatMessageEvent) {
	msg := ev.Message
	if msg.Status == "" {
		msg.Status = domain.MessageStatusSent
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = s.clock.Now()
	}

	s.mu.Lock()
	current := s.roomID
	s.mu.Unlock()
	if msg.RoomID != "" && msg.RoomID != current {
		s.deps.Rooms.Bump(msg.RoomID, at)
		return
	}
	msg.RoomID = current

	if msg.SenderID == s.opts.SelfID || s.outbox.IsEcho(msg) {
		if merged, ok := s.outbox.ApplyEcho(msg); ok {
			msg = merged
		}
		s.mu.Lock()
		s.upsertLocked(msg)
		s.mu.Unlock()
		s.notifyMessages()
		return
	}

	s.mu.Lock()
	dup := s.indexLocked(msg) >= 0
	if !dup {
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()
	if dup {
		return
	}

	s.deps.Rooms.Bump(current, at)
	s.deps.Presence.Touch(msg.SenderID)
	s.typing.Observe(current, msg.SenderID, false)
	s.notifyMessages()

	if err := s.receipts.SendDeliveryAck(ctx, current, msg.ID); err != nil {
		s.logger.Logger.Debug("delivery ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	s.receipts.AutoAck(ctx, current, at)
}

func (s *Session) handleTyping(_ context.Context, ev envelope.TypingEvent) {
	if ev.SenderID == 0 {
		return
	}
	room := ev.RoomID
	if room == "" {
		room = s.RoomID()
	}
	s.typing.Observe(room, ev.SenderID, ev.Typing)
	s.deps.Presence.Touch(ev.SenderID)
}

func (s *Session) handleReadReceipt(ctx context.Context, ev envelope.ReadReceiptEvent) {
	if ev.RoomID == "" {
		ev.RoomID = s.RoomID()
	}
	s.deps.Presence.Touch(ev.ReaderID)
	cursor, moved, err := s.receipts.ApplyReadReceipt(ctx, ev)
	if err != nil {
		s.logger.Logger.Warn("apply read receipt failed", zap.String("room_id", ev.RoomID), zap.Error(err))
		return
	}
	if !moved {
		return
	}

	s.mu.Lock()
	if ev.RoomID != s.roomID {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID != s.opts.SelfID || m.CreatedAt.After(cursor) {
			continue
		}
		if domain.CanTransition(m.Status, domain.MessageStatusRead) {
			m.Status = domain.MessageStatusRead
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notifyMessages()
	}
}

func (s *Session) handleDeliveryAck(_ context.Context, ev envelope.DeliveryAckEvent) {
	if ev.RoomID == "" {
		ev.RoomID = s.RoomID()
	}
	s.deps.Presence.Touch(ev.SenderID)
	if !s.receipts.ApplyDeliveryAck(ev) {
		return
	}

	s.mu.Lock()
	changed := false
	if ev.RoomID == s.roomID {
		if i := s.indexLocked(domain.ChatMessage{ID: ev.MessageID}); i >= 0 {
			m := &s.messages[i]
			if domain.CanTransition(m.Status, domain.MessageStatusDelivered) {
				m.Status = domain.MessageStatusDelivered
				changed = true
			}
		}
	}
	s.mu.Unlock()
	if changed {
		s.notifyMessages()
	}
}

func (s *Session) handleRoomUpdate(_ context.Context, _ envelope.RoomUpdateEvent, room domain.Room) {
	if s.hooks.OnRoomUpdate != nil {
		s.hooks.OnRoomUpdate(room)
	}
}

func (s *Session) handlePresence(_ context.Context, ev envelope.PresenceEvent) {
	s.deps.Presence.Apply(ev)
}

// indexLocked finds a timeline entry sharing an id or client id with m.
func (s *Session) indexLocked(m domain.ChatMessage) int {
	keys := m.Keys()
	for i := len(s.messages) - 1; i >= 0; i-- {
		for _, k := range s.messages[i].Keys() {
			for _, want := range keys {
				if k == want {
					return i
				}
			}
		}
	}
	return -1
}

// upsertLocked replaces or appends m. A status further along the delivery
// path is never regressed by a late update.
func (s *Session) upsertLocked(m domain.ChatMessage) {
	i := s.indexLocked(m)
	if i < 0 {
		s.messages = append(s.messages, m)
		return
	}
	prev := s.messages[i]
	if prev.Status.Rank() > m.Status.Rank() && m.Status.Rank() > 0 {
		m.Status = prev.Status
	}
	if m.ClientID == "" {
		m.ClientID = prev.ClientID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = prev.CreatedAt
	}
	s.messages[i] = m
}

// insertBySeqLocked places a history message before the first timeline entry
// with a higher sequence number. Entries without one stay at the end.
func (s *Session) insertBySeqLocked(m domain.ChatMessage) {
	for i, cur := range s.messages {
		if cur.Seq == 0 || (m.Seq > 0 && cur.Seq > m.Seq) {
			s.messages = append(s.messages[:i], append([]domain.ChatMessage{m}, s.messages[i:]...)...)
			return
		}
	}
	s.messages = append(s.messages, m)
}

func (s *Session) notifyMessages() {
	if s.hooks.OnMessagesChanged == nil {
		return
	}
	s.mu.Lock()
	room := s.roomID
	msgs := append([]domain.ChatMessage(nil), s.messages...)
	s.mu.Unlock()
	s.hooks.OnMessagesChanged(room, msgs)
}
