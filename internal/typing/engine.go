package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/clock"
	"chatcore/internal/envelope"
	"chatcore/pkg/logger"
)

// EmitFunc sends one frame to the current room.
type EmitFunc func(ctx context.Context, frame envelope.Frame) error

type Options struct {
	// SelfID is the local user; inbound typing from it is ignored.
	SelfID int64
	// Throttle bounds outbound typing=true frames to one per window.
	Throttle time.Duration
	// IdleStop is the pause after the last keystroke before typing=false
	// goes out.
	IdleStop time.Duration
	// Decay clears a peer's indicator when no refresh arrives in time.
	Decay  time.Duration
	Clock  clock.Clock
	Logger *logger.Logger
}

type peerKey struct {
	room string
	user int64
}

type peerTyping struct {
	until time.Time
	timer clock.Timer
}

// Engine throttles the local user's typing signal and tracks the decaying
// typing state of peers.
type Engine struct {
	opts   Options
	emit   EmitFunc
	clock  clock.Clock
	logger *logger.Logger

	mu       sync.Mutex
	onChange func(roomID string, userID int64, typing bool)
	closed   bool

	// outbound
	outRoom  string
	sentTrue bool
	lastTrue time.Time
	idle     clock.Timer
	idleCtx  context.Context

	// inbound
	peers map[peerKey]*peerTyping
}

// New creates a typing engine that sends its frames through emit.
func New(opts Options, emit EmitFunc) *Engine {
	if opts.Throttle <= 0 {
		opts.Throttle = 2 * time.Second
	}
	if opts.IdleStop <= 0 {
		opts.IdleStop = 3 * time.Second
	}
	if opts.Decay <= 0 {
		opts.Decay = 2 * time.Second
	}
	return &Engine{
		opts:   opts,
		emit:   emit,
		clock:  clock.OrReal(opts.Clock),
		logger: logger.OrNop(opts.Logger).Named("typing"),
		peers:  make(map[peerKey]*peerTyping),
	}
}

// OnChange registers the callback for peer typing transitions.
func (e *Engine) OnChange(fn func(roomID string, userID int64, typing bool)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Start records a keystroke in roomID.
func (e *Engine) Start(ctx context.Context, roomID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	var stopPrev string
	if e.sentTrue && e.outRoom != roomID {
		stopPrev = e.outRoom
		e.sentTrue = false
	}
	e.outRoom = roomID
	now := e.clock.Now()
	sendTrue := !e.sentTrue || now.Sub(e.lastTrue) >= e.opts.Throttle
	if sendTrue {
		e.sentTrue = true
		e.lastTrue = now
	}
	e.idleCtx = context.WithoutCancel(ctx)
	if e.idle != nil {
		e.idle.Reset(e.opts.IdleStop)
	} else {
		e.idle = e.clock.AfterFunc(e.opts.IdleStop, e.idleFire)
	}
	e.mu.Unlock()

	if stopPrev != "" {
		e.send(ctx, envelope.TypingFrame(stopPrev, false))
	}
	if !sendTrue {
		return nil
	}
	return e.send(ctx, envelope.TypingFrame(roomID, true))
}

// Stop sends typing=false once if typing=true went out.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	if !e.sentTrue {
		e.mu.Unlock()
		return nil
	}
	e.sentTrue = false
	room := e.outRoom
	e.mu.Unlock()

	return e.send(ctx, envelope.TypingFrame(room, false))
}

func (e *Engine) idleFire() {
	e.mu.Lock()
	e.idle = nil
	if !e.sentTrue || e.closed {
		e.mu.Unlock()
		return
	}
	e.sentTrue = false
	room, ctx := e.outRoom, e.idleCtx
	e.mu.Unlock()

	_ = e.send(ctx, envelope.TypingFrame(room, false))
}

func (e *Engine) send(ctx context.Context, frame envelope.Frame) error {
	if e.emit == nil {
		return nil
	}
	err := e.emit(ctx, frame)
	if err != nil {
		e.logger.Logger.Debug("typing emit failed", zap.String("room_id", frame.RoomID), zap.Error(err))
	}
	return err
}

// Observe applies an inbound typing signal.
func (e *Engine) Observe(roomID string, userID int64, typing bool) {
	if userID == e.opts.SelfID {
		return
	}
	key := peerKey{room: roomID, user: userID}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	entry, existed := e.peers[key]
	if !typing {
		if existed {
			entry.timer.Stop()
			delete(e.peers, key)
		}
		fn := e.onChange
		e.mu.Unlock()
		if existed && fn != nil {
			fn(roomID, userID, false)
		}
		return
	}

	until := e.clock.Now().Add(e.opts.Decay)
	if existed {
		entry.until = until
		entry.timer.Reset(e.opts.Decay)
		e.mu.Unlock()
		return
	}
	entry = &peerTyping{until: until}
	entry.timer = e.clock.AfterFunc(e.opts.Decay, func() { e.expire(key, entry) })
	e.peers[key] = entry
	fn := e.onChange
	e.mu.Unlock()

	if fn != nil {
		fn(roomID, userID, true)
	}
}

func (e *Engine) expire(key peerKey, entry *peerTyping) {
	e.mu.Lock()
	if e.peers[key] != entry || e.clock.Now().Before(entry.until) {
		e.mu.Unlock()
		return
	}
	delete(e.peers, key)
	fn := e.onChange
	e.mu.Unlock()

	if fn != nil {
		fn(key.room, key.user, false)
	}
}

// IsPartnerTyping reports whether any peer is typing in roomID.
func (e *Engine) IsPartnerTyping(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.peers {
		if k.room == roomID {
			return true
		}
	}
	return false
}

// Typing lists the peers typing in roomID.
func (e *Engine) Typing(roomID string) []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var users []int64
	for k := range e.peers {
		if k.room == roomID {
			users = append(users, k.user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// ClearRoom drops the indicators of roomID without notifying.
func (e *Engine) ClearRoom(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, entry := range e.peers {
		if k.room == roomID {
			entry.timer.Stop()
			delete(e.peers, k)
		}
	}
}

// Close cancels every timer. The engine is inert afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	for k, entry := range e.peers {
		entry.timer.Stop()
		delete(e.peers, k)
	}
}
