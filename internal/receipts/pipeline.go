package receipts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/clock"
	"chatcore/internal/envelope"
	"chatcore/internal/metrics"
	"chatcore/pkg/logger"
)

type EmitFunc func(ctx context.Context, frame envelope.Frame) error

type Options struct {
	SelfID int64
	// Cooldown spaces out automatic read acks per room.
	Cooldown time.Duration
	// RequiresVisible holds automatic acks while the view is hidden.
	RequiresVisible bool
	Clock           clock.Clock
	Logger          *logger.Logger
}

type ackState struct {
	lastSent time.Time // wall time of the last automatic ack
	sentUpTo time.Time // highest timestamp acked so far
	pending  time.Time // highest timestamp waiting for the cooldown or visibility
	timer    clock.Timer
	ctx      context.Context
}

// Pipeline sends and applies read receipts and delivery acks.
type Pipeline struct {
	opts    Options
	cursors CursorStore
	emit    EmitFunc
	clock   clock.Clock
	logger  *logger.Logger

	mu        sync.Mutex
	visible   bool
	acks      map[string]*ackState
	sentAcks  map[string]map[string]struct{}
	delivered map[string]map[string]time.Time
}

// NewPipeline creates an ack pipeline. A nil cursors gets an in-memory store.
func NewPipeline(opts Options, cursors CursorStore, emit EmitFunc) *Pipeline {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 900 * time.Millisecond
	}
	if cursors == nil {
		cursors = NewMemoryCursorStore()
	}
	return &Pipeline{
		opts:      opts,
		cursors:   cursors,
		emit:      emit,
		clock:     clock.OrReal(opts.Clock),
		logger:    logger.OrNop(opts.Logger).Named("receipts"),
		visible:   true,
		acks:      make(map[string]*ackState),
		sentAcks:  make(map[string]map[string]struct{}),
		delivered: make(map[string]map[string]time.Time),
	}
}

// SendReadReceipt tells the room the local user has read up to at. It does
// not touch any cursor: only the peer's own receipt moves those.
func (p *Pipeline) SendReadReceipt(ctx context.Context, roomID string, at time.Time) error {
	if err := p.emit(ctx, envelope.ReadUpToFrame(roomID, at, "")); err != nil {
		return err
	}
	metrics.Receipts.WithLabelValues("read", "out").Inc()

	p.mu.Lock()
	st := p.state(roomID)
	if at.After(st.sentUpTo) {
		st.sentUpTo = at
	}
	p.mu.Unlock()
	return nil
}

// ApplyReadReceipt advances the reader's cursor. Receipts from the local
// user are ignored.
func (p *Pipeline) ApplyReadReceipt(ctx context.Context, ev envelope.ReadReceiptEvent) (time.Time, bool, error) {
	if ev.ReaderID == 0 || ev.ReaderID == p.opts.SelfID {
		return time.Time{}, false, nil
	}
	metrics.Receipts.WithLabelValues("read", "in").Inc()
	return p.cursors.Advance(ctx, ev.RoomID, ev.ReaderID, ev.ReadAt)
}

// ReadCursor returns how far peerID has read in roomID.
func (p *Pipeline) ReadCursor(ctx context.Context, roomID string, peerID int64) (time.Time, bool, error) {
	return p.cursors.Get(ctx, roomID, peerID)
}

// AutoAck acknowledges an incoming message at most once per cooldown. Acks
// inside the cooldown collapse into one trailing ack of the latest
// timestamp.
func (p *Pipeline) AutoAck(ctx context.Context, roomID string, at time.Time) {
	p.mu.Lock()
	st := p.state(roomID)
	if !at.After(st.sentUpTo) {
		p.mu.Unlock()
		return
	}
	if at.After(st.pending) {
		st.pending = at
	}
	st.ctx = context.WithoutCancel(ctx)
	if p.opts.RequiresVisible && !p.visible {
		p.mu.Unlock()
		return
	}
	if st.timer != nil {
		p.mu.Unlock()
		return
	}
	wait := st.lastSent.Add(p.opts.Cooldown).Sub(p.clock.Now())
	if !st.lastSent.IsZero() && wait > 0 {
		st.timer = p.clock.AfterFunc(wait, func() { p.flush(roomID) })
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.flush(roomID)
}

func (p *Pipeline) flush(roomID string) {
	p.mu.Lock()
	st, ok := p.acks[roomID]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.timer = nil
	if p.opts.RequiresVisible && !p.visible {
		p.mu.Unlock()
		return
	}
	at := st.pending
	if !at.After(st.sentUpTo) {
		p.mu.Unlock()
		return
	}
	st.pending = time.Time{}
	st.sentUpTo = at
	st.lastSent = p.clock.Now()
	ctx := st.ctx
	p.mu.Unlock()

	if err := p.emit(ctx, envelope.ReadUpToFrame(roomID, at, "")); err != nil {
		p.logger.Logger.Debug("auto ack failed", zap.String("room_id", roomID), zap.Error(err))
		p.mu.Lock()
		if st, ok := p.acks[roomID]; ok && st.sentUpTo.Equal(at) {
			st.sentUpTo = time.Time{}
			if at.After(st.pending) {
				st.pending = at
			}
		}
		p.mu.Unlock()
		return
	}
	metrics.Receipts.WithLabelValues("read", "out").Inc()
}

// SetVisible records whether the conversation is on screen. Becoming visible
// flushes acks held while hidden.
func (p *Pipeline) SetVisible(visible bool) {
	p.mu.Lock()
	was := p.visible
	p.visible = visible
	var held []string
	if visible && !was {
		for roomID, st := range p.acks {
			if st.timer == nil && st.pending.After(st.sentUpTo) {
				held = append(held, roomID)
			}
		}
	}
	p.mu.Unlock()

	for _, roomID := range held {
		p.flush(roomID)
	}
}

func (p *Pipeline) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// SendDeliveryAck acknowledges receipt of a message once per id.
func (p *Pipeline) SendDeliveryAck(ctx context.Context, roomID, messageID string) error {
	p.mu.Lock()
	set, ok := p.sentAcks[roomID]
	if !ok {
		set = make(map[string]struct{})
		p.sentAcks[roomID] = set
	}
	if _, done := set[messageID]; done {
		p.mu.Unlock()
		return nil
	}
	set[messageID] = struct{}{}
	p.mu.Unlock()

	if err := p.emit(ctx, envelope.DeliveredFrame(roomID, messageID, p.clock.Now())); err != nil {
		p.mu.Lock()
		delete(p.sentAcks[roomID], messageID)
		p.mu.Unlock()
		return err
	}
	metrics.Receipts.WithLabelValues("delivery", "out").Inc()
	return nil
}

// ApplyDeliveryAck records that a peer received messageID. It reports false
// when the id was already acknowledged.
func (p *Pipeline) ApplyDeliveryAck(ev envelope.DeliveryAckEvent) bool {
	if ev.SenderID != 0 && ev.SenderID == p.opts.SelfID {
		return false
	}
	at := ev.DeliveredAt
	if at.IsZero() {
		at = p.clock.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.delivered[ev.RoomID]
	if !ok {
		set = make(map[string]time.Time)
		p.delivered[ev.RoomID] = set
	}
	if _, done := set[ev.MessageID]; done {
		return false
	}
	set[ev.MessageID] = at
	metrics.Receipts.WithLabelValues("delivery", "in").Inc()
	return true
}

func (p *Pipeline) IsDelivered(roomID, messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.delivered[roomID][messageID]
	return ok
}

// LeaveRoom drops the ack cooldown and delivery bookkeeping of roomID and
// cancels its pending ack. Read cursors are kept.
func (p *Pipeline) LeaveRoom(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.acks[roomID]; ok && st.timer != nil {
		st.timer.Stop()
	}
	delete(p.acks, roomID)
	delete(p.sentAcks, roomID)
	delete(p.delivered, roomID)
}

// ResetRoom tears roomID down completely, read cursors included.
func (p *Pipeline) ResetRoom(ctx context.Context, roomID string) error {
	p.LeaveRoom(roomID)
	return p.cursors.ResetRoom(ctx, roomID)
}

// Close cancels pending acks.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.acks {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

func (p *Pipeline) state(roomID string) *ackState {
	st, ok := p.acks[roomID]
	if !ok {
		st = &ackState{ctx: context.Background()}
		p.acks[roomID] = st
	}
	return st
}
