package inactivity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/clock"
	"chatcore/pkg/logger"
)

// Timer closes idle connections. Reset it on connect and on every frame sent
// or received; it fires once per quiet period.
type Timer struct {
	timeout     time.Duration
	clock       clock.Clock
	isConnected func() bool
	onTimeout   func()
	logger      *logger.Logger

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

type Options struct {
	Timeout time.Duration
	// Disabled turns Reset into a no-op.
	Disabled bool
	Clock    clock.Clock
	Logger   *logger.Logger
}

// New creates an idle timer. It is armed by the first Reset.
func New(opts Options, isConnected func() bool, onTimeout func()) *Timer {
	t := &Timer{
		timeout:     opts.Timeout,
		clock:       clock.OrReal(opts.Clock),
		isConnected: isConnected,
		onTimeout:   onTimeout,
		logger:      logger.OrNop(opts.Logger).Named("inactivity"),
	}
	if opts.Disabled || opts.Timeout <= 0 {
		t.stopped = true
	}
	return t
}

// Reset restarts the quiet period.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Reset(t.timeout)
		return
	}
	t.timer = t.clock.AfterFunc(t.timeout, t.fire)
}

// Stop cancels the pending timeout. A later Reset re-arms it unless the timer
// was disabled.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Close stops the timer for good.
func (t *Timer) Close() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.Stop()
}

func (t *Timer) fire() {
	t.mu.Lock()
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()

	if stopped || (t.isConnected != nil && !t.isConnected()) {
		return
	}
	t.logger.Logger.Info("closing idle connection", zap.Duration("timeout", t.timeout))
	if t.onTimeout != nil {
		t.onTimeout()
	}
}
