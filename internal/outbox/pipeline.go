package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"chatcore/internal/clock"
	"chatcore/internal/domain"
	"chatcore/internal/envelope"
	"chatcore/internal/metrics"
	chat_errors "chatcore/pkg/errors"
	"chatcore/pkg/logger"
)

const maxIDLength = 128

type EmitFunc func(ctx context.Context, frame envelope.Frame) error

// Bumper moves a room to the top of the room list.
type Bumper interface {
	Bump(roomID string, at time.Time)
}

// Payload is what the caller hands to Send. ID may be left empty.
type Payload struct {
	ID      string
	RoomID  string
	Content json.RawMessage
}

type Options struct {
	SelfID      int64
	SendTimeout time.Duration
	// FailedCap bounds the failed queue; the oldest entry is dropped on
	// overflow.
	FailedCap int
	Clock     clock.Clock
	Logger    *logger.Logger
}

// Pipeline tracks outbound messages from Send until the server echo.
type Pipeline struct {
	opts   Options
	emit   EmitFunc
	rooms  Bumper
	clock  clock.Clock
	logger *logger.Logger

	mu       sync.Mutex
	inflight map[string]*domain.PendingSend
	sent     map[string]struct{}
	failed   []string
	onChange func(domain.ChatMessage)
}

// NewPipeline creates an outbound pipeline sending through emit.
func NewPipeline(opts Options, emit EmitFunc, rooms Bumper) *Pipeline {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.FailedCap <= 0 {
		opts.FailedCap = 50
	}
	return &Pipeline{
		opts:     opts,
		emit:     emit,
		rooms:    rooms,
		clock:    clock.OrReal(opts.Clock),
		logger:   logger.OrNop(opts.Logger).Named("outbox"),
		inflight: make(map[string]*domain.PendingSend),
		sent:     make(map[string]struct{}),
	}
}

// OnChange registers the callback for status transitions of outbound
// messages.
func (p *Pipeline) OnChange(fn func(domain.ChatMessage)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func validateID(id string) error {
	if len(id) > maxIDLength || strings.ContainsAny(id, " \t\r\n") {
		return fmt.Errorf("message id %q: %w", id, chat_errors.ErrInvalidInput)
	}
	return nil
}

// Send records the message as pending and transmits it. The returned
// message carries its final local status (sent or failed).
func (p *Pipeline) Send(ctx context.Context, payload Payload) (domain.ChatMessage, error) {
	if payload.RoomID == "" {
		return domain.ChatMessage{}, fmt.Errorf("room id: %w", chat_errors.ErrInvalidInput)
	}
	id := payload.ID
	if id == "" {
		id = ulid.Make().String()
	} else if err := validateID(id); err != nil {
		return domain.ChatMessage{}, err
	}

	now := p.clock.Now()
	entry := &domain.PendingSend{
		Message: domain.ChatMessage{
			ID:        id,
			ClientID:  id,
			RoomID:    payload.RoomID,
			SenderID:  p.opts.SelfID,
			Content:   payload.Content,
			CreatedAt: now,
			Status:    domain.MessageStatusPending,
		},
		SentAt: now,
	}

	p.mu.Lock()
	_, pending := p.inflight[id]
	_, done := p.sent[id]
	if pending || done {
		p.mu.Unlock()
		return domain.ChatMessage{}, fmt.Errorf("message %s: %w", id, chat_errors.ErrAlreadyExists)
	}
	p.inflight[id] = entry
	msg, fn := entry.Message, p.onChange
	p.mu.Unlock()

	if p.rooms != nil {
		p.rooms.Bump(payload.RoomID, now)
	}
	if fn != nil {
		fn(msg)
	}
	return p.transmit(ctx, id)
}

// transmit emits the pending message id and settles it as sent or failed.
func (p *Pipeline) transmit(ctx context.Context, id string) (domain.ChatMessage, error) {
	p.mu.Lock()
	entry, ok := p.inflight[id]
	if !ok {
		p.mu.Unlock()
		return domain.ChatMessage{}, chat_errors.ErrNotFound
	}
	msg := entry.Message
	p.mu.Unlock()

	frame, err := envelope.NewFrame(envelope.EventChatMessage, msg.RoomID, envelope.MessagePayload{
		ID:        msg.ID,
		ClientID:  msg.ClientID,
		Content:   msg.Content,
		CreatedAt: envelope.FormatTime(msg.CreatedAt),
	})
	if err == nil {
		frame.Sender = &envelope.Sender{ID: msg.SenderID}
		sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
		err = p.emit(sendCtx, frame)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = chat_errors.ErrSendTimeout
		}
		cancel()
	}

	p.mu.Lock()
	entry, ok = p.inflight[id]
	if !ok || entry.Message.Status != domain.MessageStatusPending {
		// The echo won the race and already settled the message.
		var settled domain.ChatMessage
		if ok {
			settled = entry.Message
		} else {
			settled = msg
			settled.Status = domain.MessageStatusSent
		}
		p.mu.Unlock()
		return settled, nil
	}

	if err == nil {
		_ = entry.Message.Transition(domain.MessageStatusSent)
		p.sent[id] = struct{}{}
		msg, fn := entry.Message, p.onChange
		p.mu.Unlock()

		metrics.MessagesSent.WithLabelValues("sent").Inc()
		if fn != nil {
			fn(msg)
		}
		return msg, nil
	}

	_ = entry.Message.Transition(domain.MessageStatusFailed)
	p.failed = append(p.failed, id)
	changed := []domain.ChatMessage{entry.Message}
	for len(p.failed) > p.opts.FailedCap {
		oldest := p.failed[0]
		p.failed = p.failed[1:]
		if dropped, ok := p.inflight[oldest]; ok {
			_ = dropped.Message.Transition(domain.MessageStatusDropped)
			delete(p.inflight, oldest)
			changed = append(changed, dropped.Message)
			metrics.MessagesSent.WithLabelValues("dropped").Inc()
		}
	}
	msg, fn := entry.Message, p.onChange
	p.mu.Unlock()

	metrics.MessagesSent.WithLabelValues("failed").Inc()
	p.logger.Logger.Warn("send failed", zap.String("message_id", id), zap.String("room_id", msg.RoomID), zap.Error(err))
	if fn != nil {
		for _, m := range changed {
			fn(m)
		}
	}
	return msg, fmt.Errorf("%w: %w", chat_errors.ErrSendFailed, err)
}

// IsEcho reports whether msg is the server's copy of a message sent here.
func (p *Pipeline) IsEcho(msg domain.ChatMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.knownLocked(msg)
}

func (p *Pipeline) knownLocked(msg domain.ChatMessage) bool {
	for _, key := range msg.Keys() {
		if _, ok := p.sent[key]; ok {
			return true
		}
		if _, ok := p.inflight[key]; ok {
			return true
		}
	}
	return false
}

// ApplyEcho settles the local record for an echoed message and returns the
// merged message. ok is false when msg did not originate here.
func (p *Pipeline) ApplyEcho(msg domain.ChatMessage) (domain.ChatMessage, bool) {
	p.mu.Lock()
	if !p.knownLocked(msg) {
		p.mu.Unlock()
		return domain.ChatMessage{}, false
	}

	var entry *domain.PendingSend
	for _, key := range msg.Keys() {
		if e, ok := p.inflight[key]; ok {
			entry = e
			break
		}
	}
	for _, key := range msg.Keys() {
		p.sent[key] = struct{}{}
	}
	if entry == nil {
		// Duplicate echo of a settled message.
		p.mu.Unlock()
		return msg, true
	}

	local := entry.Message
	delete(p.inflight, local.ID)
	if local.Status == domain.MessageStatusFailed {
		p.removeFailedLocked(local.ID)
		_ = local.Transition(domain.MessageStatusPending)
	}
	if local.Status == domain.MessageStatusPending {
		_ = local.Transition(domain.MessageStatusSent)
	}
	local.Seq = msg.Seq
	if !msg.CreatedAt.IsZero() {
		local.CreatedAt = msg.CreatedAt
	}
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn(local)
	}
	return local, true
}

// Resend retries a failed message with its original payload.
func (p *Pipeline) Resend(ctx context.Context, id string) (domain.ChatMessage, error) {
	p.mu.Lock()
	entry, ok := p.inflight[id]
	if !ok {
		p.mu.Unlock()
		return domain.ChatMessage{}, fmt.Errorf("message %s: %w", id, chat_errors.ErrNotFound)
	}
	if err := entry.Message.Transition(domain.MessageStatusPending); err != nil {
		p.mu.Unlock()
		return entry.Message, err
	}
	p.removeFailedLocked(id)
	entry.Retries++
	entry.SentAt = p.clock.Now()
	msg, fn := entry.Message, p.onChange
	p.mu.Unlock()

	metrics.MessagesSent.WithLabelValues("resent").Inc()
	if p.rooms != nil {
		p.rooms.Bump(msg.RoomID, p.clock.Now())
	}
	if fn != nil {
		fn(msg)
	}
	return p.transmit(ctx, id)
}

// FlushPending retries every failed message once, oldest first. It returns
// how many went through and the joined errors of the rest.
func (p *Pipeline) FlushPending(ctx context.Context) (int, error) {
	p.mu.Lock()
	ids := append([]string(nil), p.failed...)
	p.mu.Unlock()

	var errs []error
	sent := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := p.Resend(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Failed lists failed messages, oldest first.
func (p *Pipeline) Failed() []domain.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ChatMessage, 0, len(p.failed))
	for _, id := range p.failed {
		if e, ok := p.inflight[id]; ok {
			out = append(out, e.Message)
		}
	}
	return out
}

// Get returns the in-flight record of id.
func (p *Pipeline) Get(id string) (domain.PendingSend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.inflight[id]
	if !ok {
		return domain.PendingSend{}, false
	}
	return *e, true
}

// Reset forgets everything, e.g. on logout.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight = make(map[string]*domain.PendingSend)
	p.sent = make(map[string]struct{})
	p.failed = nil
}

func (p *Pipeline) removeFailedLocked(id string) {
	for i, f := range p.failed {
		if f == id {
			p.failed = append(p.failed[:i], p.failed[i+1:]...)
			return
		}
	}
}
