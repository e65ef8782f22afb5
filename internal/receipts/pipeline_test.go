package receipts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/clock"
	"chatcore/internal/envelope"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type recorder struct {
	frames []envelope.Frame
	err    error
}

func (r *recorder) emit(_ context.Context, f envelope.Frame) error {
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) readUpTo() []string {
	var out []string
	for _, f := range r.frames {
		if f.Event == envelope.EventReadUpTo {
			out = append(out, f.UpdatedAt)
		}
	}
	return out
}

func newPipeline(requiresVisible bool) (*Pipeline, *recorder, *clock.Fake, *MemoryCursorStore) {
	fc := clock.NewFake(t0)
	rec := &recorder{}
	store := NewMemoryCursorStore()
	p := NewPipeline(Options{
		SelfID:          10,
		Cooldown:        900 * time.Millisecond,
		RequiresVisible: requiresVisible,
		Clock:           fc,
	}, store, rec.emit)
	return p, rec, fc, store
}

func TestReadCursorIsMonotonic(t *testing.T) {
	p, _, _, _ := newPipeline(false)
	ctx := context.Background()
	t1, t2 := t0.Add(time.Minute), t0.Add(2*time.Minute)

	for _, at := range []time.Time{t1, t2, t1} {
		_, _, err := p.ApplyReadReceipt(ctx, envelope.ReadReceiptEvent{RoomID: "r1", ReaderID: 20, ReadAt: at})
		require.NoError(t, err)
	}

	cur, ok, err := p.ReadCursor(ctx, "r1", 20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t2, cur)
}

func TestSendReadReceiptDoesNotMoveCursors(t *testing.T) {
	p, rec, _, store := newPipeline(false)
	ctx := context.Background()

	require.NoError(t, p.SendReadReceipt(ctx, "r1", t0))
	assert.Equal(t, []string{"2024-05-01T10:00:00Z"}, rec.readUpTo())

	for _, peer := range []int64{10, 20} {
		_, ok, _ := store.Get(ctx, "r1", peer)
		assert.False(t, ok)
	}
}

func TestSelfReceiptIgnored(t *testing.T) {
	p, _, _, store := newPipeline(false)
	ctx := context.Background()
	_, moved, err := p.ApplyReadReceipt(ctx, envelope.ReadReceiptEvent{RoomID: "r1", ReaderID: 10, ReadAt: t0})
	require.NoError(t, err)
	assert.False(t, moved)
	_, ok, _ := store.Get(ctx, "r1", 10)
	assert.False(t, ok)
}

func TestAutoAckCooldownWithTrailingFlush(t *testing.T) {
	p, rec, fc, _ := newPipeline(false)
	ctx := context.Background()

	p.AutoAck(ctx, "r1", t0.Add(1*time.Second))
	assert.Len(t, rec.readUpTo(), 1, "first ack goes out immediately")

	fc.Advance(100 * time.Millisecond)
	p.AutoAck(ctx, "r1", t0.Add(2*time.Second))
	fc.Advance(100 * time.Millisecond)
	p.AutoAck(ctx, "r1", t0.Add(3*time.Second))
	assert.Len(t, rec.readUpTo(), 1)

	fc.Advance(700 * time.Millisecond)
	assert.Equal(t, []string{"2024-05-01T10:00:01Z", "2024-05-01T10:00:03Z"}, rec.readUpTo())

	// Older timestamps never produce a new ack.
	fc.Advance(time.Second)
	p.AutoAck(ctx, "r1", t0.Add(2*time.Second))
	assert.Len(t, rec.readUpTo(), 2)
}

func TestAutoAckHeldWhileHidden(t *testing.T) {
	p, rec, fc, _ := newPipeline(true)
	ctx := context.Background()

	p.SetVisible(false)
	p.AutoAck(ctx, "r1", t0.Add(time.Second))
	p.AutoAck(ctx, "r1", t0.Add(2*time.Second))
	fc.Advance(time.Minute)
	assert.Empty(t, rec.readUpTo())

	p.SetVisible(true)
	assert.Equal(t, []string{"2024-05-01T10:00:02Z"}, rec.readUpTo())
}

func TestAutoAckIgnoresVisibilityWhenNotRequired(t *testing.T) {
	p, rec, _, _ := newPipeline(false)
	p.SetVisible(false)
	p.AutoAck(context.Background(), "r1", t0)
	assert.Len(t, rec.readUpTo(), 1)
}

func TestDeliveryAcksAreIdempotent(t *testing.T) {
	p, rec, _, _ := newPipeline(false)
	ctx := context.Background()

	require.NoError(t, p.SendDeliveryAck(ctx, "r1", "m1"))
	require.NoError(t, p.SendDeliveryAck(ctx, "r1", "m1"))
	assert.Len(t, rec.frames, 1)
	assert.Equal(t, envelope.EventDelivered, rec.frames[0].Event)

	ev := envelope.DeliveryAckEvent{RoomID: "r1", MessageID: "m9", SenderID: 20}
	assert.True(t, p.ApplyDeliveryAck(ev))
	assert.False(t, p.ApplyDeliveryAck(ev))
	assert.True(t, p.IsDelivered("r1", "m9"))
}

func TestDeliveryAckRetriesAfterFailure(t *testing.T) {
	p, rec, _, _ := newPipeline(false)
	ctx := context.Background()

	rec.err = errors.New("offline")
	assert.Error(t, p.SendDeliveryAck(ctx, "r1", "m1"))
	rec.err = nil
	require.NoError(t, p.SendDeliveryAck(ctx, "r1", "m1"))
	assert.Len(t, rec.frames, 1)
}

func TestResetRoom(t *testing.T) {
	p, _, fc, store := newPipeline(false)
	ctx := context.Background()

	_, _, _ = p.ApplyReadReceipt(ctx, envelope.ReadReceiptEvent{RoomID: "r1", ReaderID: 20, ReadAt: t0})
	p.AutoAck(ctx, "r1", t0)
	p.AutoAck(ctx, "r1", t0.Add(time.Second))
	require.Equal(t, 1, fc.Pending())

	require.NoError(t, p.ResetRoom(ctx, "r1"))
	assert.Zero(t, fc.Pending())
	_, ok, _ := store.Get(ctx, "r1", 20)
	assert.False(t, ok)
}

func TestLeaveRoomKeepsCursors(t *testing.T) {
	p, rec, fc, store := newPipeline(false)
	ctx := context.Background()

	_, _, _ = p.ApplyReadReceipt(ctx, envelope.ReadReceiptEvent{RoomID: "r1", ReaderID: 20, ReadAt: t0})
	p.AutoAck(ctx, "r1", t0)
	p.AutoAck(ctx, "r1", t0.Add(time.Second))
	require.Equal(t, 1, fc.Pending())

	p.LeaveRoom("r1")
	assert.Zero(t, fc.Pending())
	at, ok, _ := store.Get(ctx, "r1", 20)
	require.True(t, ok)
	assert.Equal(t, t0, at)

	p.AutoAck(ctx, "r1", t0)
	assert.Len(t, rec.readUpTo(), 2, "ack state starts over after leaving")
}
