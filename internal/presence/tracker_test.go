package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/clock"
	"chatcore/internal/envelope"
)

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTracker() (*Tracker, *clock.Fake) {
	fc := clock.NewFake(start)
	return NewTracker(Options{SelfID: 10, Window: 20 * time.Second, Throttle: time.Second, Clock: fc}), fc
}

func TestActiveWindowWithSingleTimer(t *testing.T) {
	tr, fc := newTracker()

	tr.Touch(20)
	assert.True(t, tr.IsActive(20))
	for i := 0; i < 10; i++ {
		fc.Advance(time.Second)
		tr.Touch(20)
	}
	assert.Equal(t, 1, fc.Pending(), "one timer per peer regardless of traffic")

	// Last touch at +10s; the first check at +20s re-arms for the rest.
	fc.Advance(19 * time.Second)
	assert.True(t, tr.IsActive(20))
	fc.Advance(time.Second)
	assert.False(t, tr.IsActive(20))
	assert.Zero(t, fc.Pending())
}

func TestTouchIsThrottled(t *testing.T) {
	tr, fc := newTracker()
	tr.Touch(20)
	fc.Advance(500 * time.Millisecond)
	tr.Touch(20)

	a, ok := tr.Get(20)
	require.True(t, ok)
	assert.Equal(t, start, a.LastActiveAt)

	fc.Advance(500 * time.Millisecond)
	tr.Touch(20)
	a, _ = tr.Get(20)
	assert.Equal(t, start.Add(time.Second), a.LastActiveAt)
}

func TestSelfIsIgnored(t *testing.T) {
	tr, fc := newTracker()
	tr.Touch(10)
	tr.Apply(envelope.PresenceEvent{UserID: 10, Action: envelope.PresenceJoin})
	_, ok := tr.Get(10)
	assert.False(t, ok)
	assert.Zero(t, fc.Pending())
}

func TestJoinAndLeaveTimestamps(t *testing.T) {
	tr, fc := newTracker()
	joinedAt := start.Add(-time.Minute)

	tr.Apply(envelope.PresenceEvent{UserID: 20, Action: envelope.PresenceJoin, At: joinedAt})
	a, _ := tr.Get(20)
	assert.True(t, a.IsOnline)
	assert.Equal(t, joinedAt, a.OnlineSince)

	seen := start.Add(-10 * time.Second)
	tr.Apply(envelope.PresenceEvent{UserID: 20, Action: envelope.PresenceLeave, At: start, LastSeen: seen})
	a, _ = tr.Get(20)
	assert.False(t, a.IsOnline)
	assert.Equal(t, seen, a.LastSeen)

	tr.Apply(envelope.PresenceEvent{UserID: 20, Global: true, Action: envelope.PresenceOffline, At: start.Add(time.Second)})
	a, _ = tr.Get(20)
	assert.Equal(t, start.Add(time.Second), a.LastSeen, "falls back to the event time")

	fc.Advance(time.Minute)
	tr.Apply(envelope.PresenceEvent{UserID: 20, Global: true, Action: envelope.PresenceOffline})
	a, _ = tr.Get(20)
	assert.Equal(t, start.Add(time.Minute), a.LastSeen, "falls back to now")

	tr.Apply(envelope.PresenceEvent{UserID: 20, Global: true, Action: envelope.PresenceOnline})
	assert.True(t, tr.IsOnline(20))
}

func TestActiveAndOnlineAreIndependent(t *testing.T) {
	tr, fc := newTracker()
	tr.Apply(envelope.PresenceEvent{UserID: 20, Action: envelope.PresenceJoin})
	assert.True(t, tr.IsOnline(20))
	assert.False(t, tr.IsActive(20))

	tr.Touch(20)
	fc.Advance(time.Minute)
	assert.False(t, tr.IsActive(20))
	assert.True(t, tr.IsOnline(20))
}

func TestOnChangeAndReset(t *testing.T) {
	tr, fc := newTracker()
	var seen []Activity
	tr.OnChange(func(a Activity) { seen = append(seen, a) })

	tr.Touch(20)
	tr.Touch(20)
	fc.Advance(20 * time.Second)
	require.Len(t, seen, 2)
	assert.True(t, seen[0].IsActive)
	assert.False(t, seen[1].IsActive)

	tr.Touch(30)
	tr.Reset()
	assert.Zero(t, fc.Pending())
	_, ok := tr.Get(30)
	assert.False(t, ok)
}
