package reconnect

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/clock"
	"chatcore/internal/metrics"
	"chatcore/internal/transport"
	"chatcore/pkg/logger"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

type Options struct {
	AutoReconnect bool
	BaseInterval  time.Duration
	MaxAttempts   int
	Clock         clock.Clock
	Logger        *logger.Logger
}

// Hooks are signals for the layer above. All are optional and are never
// called with the controller lock held.
type Hooks struct {
	OnStateChange     func(State)
	OnConnected       func()
	OnReconnected     func(attempts int)
	OnReconnectFailed func(attempts int)
	OnMessage         func(raw []byte)
}

// Controller adds backoff reconnection on top of an Adapter.
type Controller struct {
	adapter transport.Adapter
	opts    Options
	hooks   Hooks
	clock   clock.Clock
	logger  *logger.Logger

	mu        sync.Mutex
	state     State
	attempts  int
	manual    bool
	suspended bool
	retry     clock.Timer
	dialCtx   context.Context
}

// NewController creates a controller for adapter. It takes over the
// adapter's handlers.
func NewController(adapter transport.Adapter, opts Options, hooks Hooks) *Controller {
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	c := &Controller{
		adapter: adapter,
		opts:    opts,
		hooks:   hooks,
		clock:   clock.OrReal(opts.Clock),
		logger:  logger.OrNop(opts.Logger).Named("reconnect"),
		state:   StateIdle,
		dialCtx: context.Background(),
	}
	adapter.SetHandlers(transport.Handlers{
		OnOpen:    c.onOpen,
		OnClose:   c.onClose,
		OnError:   c.onError,
		OnMessage: c.onMessage,
	})
	return c
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnection attempts since the last success.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Delay returns the backoff before the given attempt (1-based).
func (c *Controller) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.opts.BaseInterval * time.Duration(1<<(attempt-1))
}

// Connect is an explicit connect. It clears the manual flag and the attempt
// budget.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	c.suspended = false
	c.dialCtx = context.WithoutCancel(ctx)
	c.stopRetryLocked()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	c.emitState(StateConnecting)
	return c.adapter.Connect(ctx)
}

// Disconnect closes the connection and suppresses automatic reconnection
// until the next Connect.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	c.manual = true
	c.stopRetryLocked()
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if changed {
		c.emitState(StateDisconnected)
	}
	return c.adapter.Close()
}

// Suspend closes the connection without setting the manual flag, so a later
// Resume brings it back.
func (c *Controller) Suspend() error {
	c.mu.Lock()
	c.suspended = true
	c.stopRetryLocked()
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if changed {
		c.emitState(StateDisconnected)
	}
	return c.adapter.Close()
}

// Resume is called when the application regains visibility or focus. It
// reconnects right away unless already connected, connecting, or manually
// disconnected.
func (c *Controller) Resume(ctx context.Context) {
	c.mu.Lock()
	if c.manual || c.state == StateConnected || c.state == StateConnecting || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	if c.state == StateError {
		c.attempts = 0
	}
	c.suspended = false
	c.attempts++
	c.state = StateConnecting
	c.dialCtx = context.WithoutCancel(ctx)
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Logger.Info("resuming connection", zap.Int("attempt", attempt))
	c.emitState(StateConnecting)
	_ = c.adapter.Connect(ctx)
}

// Close stops retries and the connection for good.
func (c *Controller) Close() error {
	return c.Disconnect()
}

func (c *Controller) onOpen() {
	c.mu.Lock()
	retried := c.attempts
	c.attempts = 0
	c.state = StateConnected
	c.stopRetryLocked()
	c.mu.Unlock()

	c.emitState(StateConnected)
	if retried > 0 {
		c.logger.Logger.Info("reconnected", zap.Int("attempts", retried))
		if c.hooks.OnReconnected != nil {
			c.hooks.OnReconnected(retried)
		}
		return
	}
	if c.hooks.OnConnected != nil {
		c.hooks.OnConnected()
	}
}

func (c *Controller) onError(err error) {
	c.logger.Logger.Debug("transport error", zap.Error(err))
}

func (c *Controller) onMessage(raw []byte) {
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(raw)
	}
}

func (c *Controller) onClose(err error) {
	c.mu.Lock()
	if c.manual || c.suspended || !c.opts.AutoReconnect {
		changed := c.state != StateDisconnected
		c.state = StateDisconnected
		c.mu.Unlock()
		if changed {
			c.emitState(StateDisconnected)
		}
		return
	}

	if c.attempts >= c.opts.MaxAttempts {
		attempts := c.attempts
		c.state = StateError
		c.mu.Unlock()

		metrics.ReconnectFailures.Inc()
		c.logger.Logger.Warn("reconnect failed", zap.Int("attempts", attempts), zap.Error(err))
		c.emitState(StateError)
		if c.hooks.OnReconnectFailed != nil {
			c.hooks.OnReconnectFailed(attempts)
		}
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := c.Delay(attempt)
	c.state = StateDisconnected
	c.stopRetryLocked()
	c.retry = c.clock.AfterFunc(delay, func() { c.fireRetry(attempt) })
	c.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	c.logger.Logger.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	c.emitState(StateDisconnected)
}

func (c *Controller) fireRetry(attempt int) {
	c.mu.Lock()
	// A newer Connect, Resume or Disconnect superseded this timer.
	if c.manual || c.suspended || c.attempts != attempt || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.state = StateConnecting
	ctx := c.dialCtx
	c.mu.Unlock()

	c.emitState(StateConnecting)
	_ = c.adapter.Connect(ctx)
}

func (c *Controller) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Controller) emitState(s State) {
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}
