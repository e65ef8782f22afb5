// Package presence tracks two per-user signals that move independently:
// recent activity, derived from inbound traffic, and online status, derived
// from explicit presence frames.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/clock"
	"chatcore/internal/envelope"
	"chatcore/pkg/logger"
)

// Activity is the snapshot of one peer.
type Activity struct {
	UserID       int64
	LastActiveAt time.Time
	IsActive     bool
	IsOnline     bool
	OnlineSince  time.Time
	LastSeen     time.Time
}

type Options struct {
	SelfID int64
	// Window is how long a peer stays active after its last traffic.
	Window time.Duration
	// Throttle drops touches closer together than this.
	Throttle time.Duration
	Clock    clock.Clock
	Logger   *logger.Logger
}

type peer struct {
	Activity
	timer clock.Timer
}

type Tracker struct {
	opts   Options
	clock  clock.Clock
	logger *logger.Logger

	mu       sync.Mutex
	selfID   int64
	peers    map[int64]*peer
	onChange func(Activity)
}

// NewTracker creates a presence tracker.
func NewTracker(opts Options) *Tracker {
	if opts.Window <= 0 {
		opts.Window = 20 * time.Second
	}
	if opts.Throttle <= 0 {
		opts.Throttle = time.Second
	}
	return &Tracker{
		opts:   opts,
		clock:  clock.OrReal(opts.Clock),
		logger: logger.OrNop(opts.Logger).Named("presence"),
		selfID: opts.SelfID,
		peers:  make(map[int64]*peer),
	}
}

// OnChange registers fn for every activity change.
func (t *Tracker) OnChange(fn func(Activity)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// SetSelf changes the local user, e.g. after a login.
func (t *Tracker) SetSelf(userID int64) {
	t.mu.Lock()
	t.selfID = userID
	t.mu.Unlock()
}

func (t *Tracker) get(userID int64) *peer {
	p, ok := t.peers[userID]
	if !ok {
		p = &peer{Activity: Activity{UserID: userID}}
		t.peers[userID] = p
	}
	return p
}

// Touch marks userID active now.
func (t *Tracker) Touch(userID int64) {
	t.mu.Lock()
	if userID == 0 || userID == t.selfID {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	p := t.get(userID)
	if p.IsActive && now.Sub(p.LastActiveAt) < t.opts.Throttle {
		t.mu.Unlock()
		return
	}
	became := !p.IsActive
	p.LastActiveAt = now
	p.IsActive = true
	if p.timer == nil {
		p.timer = t.clock.AfterFunc(t.opts.Window, func() { t.checkActive(userID) })
	}
	snap, fn := p.Activity, t.onChange
	t.mu.Unlock()

	if became && fn != nil {
		fn(snap)
	}
}

// checkActive expires the peer or re-arms for the rest of its window.
func (t *Tracker) checkActive(userID int64) {
	t.mu.Lock()
	p, ok := t.peers[userID]
	if !ok || p.timer == nil {
		t.mu.Unlock()
		return
	}
	remaining := p.LastActiveAt.Add(t.opts.Window).Sub(t.clock.Now())
	if remaining > 0 {
		p.timer = t.clock.AfterFunc(remaining, func() { t.checkActive(userID) })
		t.mu.Unlock()
		return
	}
	p.timer = nil
	p.IsActive = false
	snap, fn := p.Activity, t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

// Apply folds an explicit presence frame into the online signal.
func (t *Tracker) Apply(ev envelope.PresenceEvent) {
	t.mu.Lock()
	if ev.UserID == 0 || ev.UserID == t.selfID {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	p := t.get(ev.UserID)
	prev := p.IsOnline

	if ev.Online() {
		at := ev.At
		if at.IsZero() {
			at = now
		}
		if !p.IsOnline {
			p.OnlineSince = at
		}
		p.IsOnline = true
	} else {
		seen := ev.LastSeen
		if seen.IsZero() {
			seen = ev.At
		}
		if seen.IsZero() {
			seen = now
		}
		p.IsOnline = false
		p.OnlineSince = time.Time{}
		p.LastSeen = seen
	}
	snap, fn := p.Activity, t.onChange
	t.mu.Unlock()

	t.logger.Logger.Debug("presence",
		zap.Int64("user_id", ev.UserID),
		zap.String("action", string(ev.Action)),
		zap.Bool("global", ev.Global))
	if fn != nil && (prev != snap.IsOnline || !ev.Online()) {
		fn(snap)
	}
}

// IsActive reports traffic from userID within the active window.
func (t *Tracker) IsActive(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[userID]
	return ok && p.IsActive
}

// IsOnline reports the last presence signal for userID.
func (t *Tracker) IsOnline(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[userID]
	return ok && p.IsOnline
}

func (t *Tracker) Get(userID int64) (Activity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[userID]
	if !ok {
		return Activity{}, false
	}
	return p.Activity, true
}

// Reset forgets every peer, e.g. on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(t.peers, id)
	}
}

// Close stops every decay timer.
func (t *Tracker) Close() {
	t.Reset()
}
