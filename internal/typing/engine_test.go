package typing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/clock"
	"chatcore/internal/envelope"
)

type frameLog struct {
	frames []envelope.Frame
}

func (l *frameLog) emit(_ context.Context, f envelope.Frame) error {
	l.frames = append(l.frames, f)
	return nil
}

func (l *frameLog) flags() []bool {
	var out []bool
	for _, f := range l.frames {
		out = append(out, *f.Typing)
	}
	return out
}

func newEngine(self int64) (*Engine, *frameLog, *clock.Fake) {
	fc := clock.NewFake(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	log := &frameLog{}
	e := New(Options{
		SelfID:   self,
		Throttle: 2 * time.Second,
		IdleStop: 3 * time.Second,
		Decay:    2 * time.Second,
		Clock:    fc,
	}, log.emit)
	return e, log, fc
}

func TestOutboundThrottleAndIdleStop(t *testing.T) {
	e, log, fc := newEngine(10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Start(ctx, "r1"))
		fc.Advance(300 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, log.flags(), "keystrokes inside the window send one frame")

	fc.Advance(500 * time.Millisecond)
	require.NoError(t, e.Start(ctx, "r1"))
	assert.Equal(t, []bool{true, true}, log.flags())

	fc.Advance(3 * time.Second)
	assert.Equal(t, []bool{true, true, false}, log.flags())

	fc.Advance(10 * time.Second)
	assert.Len(t, log.frames, 3, "a single stop frame")
}

func TestOutboundStopOnlyAfterStart(t *testing.T) {
	e, log, fc := newEngine(10)
	ctx := context.Background()

	require.NoError(t, e.Stop(ctx))
	assert.Empty(t, log.frames)

	require.NoError(t, e.Start(ctx, "r1"))
	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	fc.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, log.flags())
}

func TestOutboundRoomSwitchStopsPreviousRoom(t *testing.T) {
	e, log, _ := newEngine(10)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, "r1"))
	require.NoError(t, e.Start(ctx, "r2"))
	require.Len(t, log.frames, 3)
	assert.Equal(t, "r1", log.frames[1].RoomID)
	assert.False(t, *log.frames[1].Typing)
	assert.Equal(t, "r2", log.frames[2].RoomID)
	assert.True(t, *log.frames[2].Typing)
}

func TestInboundDecayAndRefresh(t *testing.T) {
	e, _, fc := newEngine(10)
	var changes []bool
	e.OnChange(func(_ string, _ int64, typing bool) { changes = append(changes, typing) })

	e.Observe("r1", 20, true)
	assert.True(t, e.IsPartnerTyping("r1"))

	fc.Advance(1500 * time.Millisecond)
	e.Observe("r1", 20, true)
	assert.Equal(t, 1, fc.Pending(), "one decay timer per peer")

	fc.Advance(1500 * time.Millisecond)
	assert.True(t, e.IsPartnerTyping("r1"), "refresh pushed the decay out")

	fc.Advance(500 * time.Millisecond)
	assert.False(t, e.IsPartnerTyping("r1"))
	assert.Equal(t, []bool{true, false}, changes)
	assert.Zero(t, fc.Pending())
}

func TestInboundFalseClearsImmediately(t *testing.T) {
	e, _, fc := newEngine(10)
	e.Observe("r1", 20, true)
	e.Observe("r1", 30, true)
	assert.Equal(t, []int64{20, 30}, e.Typing("r1"))

	e.Observe("r1", 20, false)
	assert.Equal(t, []int64{30}, e.Typing("r1"))
	assert.False(t, e.IsPartnerTyping("r2"))
	assert.Equal(t, 1, fc.Pending())
}

func TestInboundIgnoresSelf(t *testing.T) {
	e, _, fc := newEngine(10)
	called := false
	e.OnChange(func(string, int64, bool) { called = true })

	e.Observe("r1", 10, true)
	assert.False(t, e.IsPartnerTyping("r1"))
	assert.False(t, called)
	assert.Zero(t, fc.Pending())
}

func TestCloseCancelsTimers(t *testing.T) {
	e, log, fc := newEngine(10)
	require.NoError(t, e.Start(context.Background(), "r1"))
	e.Observe("r1", 20, true)
	e.Observe("r2", 21, true)
	require.Equal(t, 3, fc.Pending())

	e.Close()
	assert.Zero(t, fc.Pending())
	assert.False(t, e.IsPartnerTyping("r1"))

	e.Observe("r1", 20, true)
	fc.Advance(time.Minute)
	assert.False(t, e.IsPartnerTyping("r1"))
	assert.Len(t, log.frames, 1)
}
