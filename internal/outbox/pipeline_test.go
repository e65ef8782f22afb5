package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/clock"
	"chatcore/internal/domain"
	"chatcore/internal/envelope"
	chat_errors "chatcore/pkg/errors"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeWire struct {
	frames []envelope.Frame
	err    error
}

func (w *fakeWire) emit(_ context.Context, f envelope.Frame) error {
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, f)
	return nil
}

type bumpLog struct {
	rooms []string
}

func (b *bumpLog) Bump(roomID string, _ time.Time) { b.rooms = append(b.rooms, roomID) }

func newOutbox(failedCap int) (*Pipeline, *fakeWire, *bumpLog) {
	wire := &fakeWire{}
	bumps := &bumpLog{}
	p := NewPipeline(Options{
		SelfID:      10,
		SendTimeout: time.Second,
		FailedCap:   failedCap,
		Clock:       clock.NewFake(t0),
	}, wire.emit, bumps)
	return p, wire, bumps
}

func TestSendAssignsIDAndBumpsRoom(t *testing.T) {
	p, wire, bumps := newOutbox(0)
	var statuses []domain.MessageStatus
	p.OnChange(func(m domain.ChatMessage) { statuses = append(statuses, m.Status) })

	msg, err := p.Send(context.Background(), Payload{RoomID: "r1", Content: domain.TextContent("hi")})
	require.NoError(t, err)
	assert.Len(t, msg.ID, 26, "ulid")
	assert.Equal(t, domain.MessageStatusSent, msg.Status)
	assert.Equal(t, int64(10), msg.SenderID)
	assert.Equal(t, []string{"r1"}, bumps.rooms)
	assert.Equal(t, []domain.MessageStatus{domain.MessageStatusPending, domain.MessageStatusSent}, statuses)

	require.Len(t, wire.frames, 1)
	assert.Equal(t, envelope.EventChatMessage, wire.frames[0].Event)
	assert.Equal(t, int64(10), wire.frames[0].SenderID())
}

func TestSendRejectsDuplicateAndBadIDs(t *testing.T) {
	p, _, _ := newOutbox(0)
	ctx := context.Background()

	_, err := p.Send(ctx, Payload{ID: "a1", RoomID: "r1"})
	require.NoError(t, err)
	_, err = p.Send(ctx, Payload{ID: "a1", RoomID: "r1"})
	assert.ErrorIs(t, err, chat_errors.ErrAlreadyExists)

	_, err = p.Send(ctx, Payload{ID: "has space", RoomID: "r1"})
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)
	_, err = p.Send(ctx, Payload{ID: "a2"})
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)
}

func TestEchoIsDedupedOnce(t *testing.T) {
	p, _, _ := newOutbox(0)
	sent, err := p.Send(context.Background(), Payload{ID: "a1", RoomID: "r1"})
	require.NoError(t, err)

	echo := domain.ChatMessage{ID: "a1", RoomID: "r1", SenderID: 10, Seq: 7}
	assert.True(t, p.IsEcho(echo))
	merged, ok := p.ApplyEcho(echo)
	require.True(t, ok)
	assert.Equal(t, sent.ID, merged.ID)
	assert.Equal(t, int64(7), merged.Seq)
	assert.Equal(t, domain.MessageStatusSent, merged.Status)

	_, pending := p.Get("a1")
	assert.False(t, pending, "round trip clears the record")
	assert.True(t, p.IsEcho(echo), "a repeated echo is still recognised")

	_, err = p.Send(context.Background(), Payload{ID: "a1", RoomID: "r1"})
	assert.ErrorIs(t, err, chat_errors.ErrAlreadyExists)
}

func TestEchoMatchesByClientID(t *testing.T) {
	p, _, _ := newOutbox(0)
	_, err := p.Send(context.Background(), Payload{ID: "local-1", RoomID: "r1"})
	require.NoError(t, err)

	echo := domain.ChatMessage{ID: "srv-99", ClientID: "local-1", RoomID: "r1"}
	_, ok := p.ApplyEcho(echo)
	require.True(t, ok)
	assert.True(t, p.IsEcho(domain.ChatMessage{ID: "srv-99"}))
	assert.False(t, p.IsEcho(domain.ChatMessage{ID: "someone-else"}))
}

func TestFailedResendAndFlush(t *testing.T) {
	p, wire, _ := newOutbox(0)
	ctx := context.Background()

	wire.err = errors.New("socket gone")
	msg, err := p.Send(ctx, Payload{ID: "a1", RoomID: "r1"})
	assert.ErrorIs(t, err, chat_errors.ErrSendFailed)
	assert.Equal(t, domain.MessageStatusFailed, msg.Status)
	_, err = p.Send(ctx, Payload{ID: "a2", RoomID: "r1"})
	require.Error(t, err)
	require.Len(t, p.Failed(), 2)

	wire.err = nil
	msg, err = p.Resend(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, msg.Status)
	rec, _ := p.Get("a1")
	assert.Equal(t, 1, rec.Retries)

	_, err = p.Resend(ctx, "a1")
	assert.ErrorIs(t, err, chat_errors.ErrInvalidTransition)
	_, err = p.Resend(ctx, "nope")
	assert.ErrorIs(t, err, chat_errors.ErrNotFound)

	n, err := p.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, p.Failed())
	assert.Len(t, wire.frames, 2)
}

func TestFlushPendingJoinsErrors(t *testing.T) {
	p, wire, _ := newOutbox(0)
	ctx := context.Background()
	wire.err = errors.New("down")
	for i := 0; i < 3; i++ {
		_, _ = p.Send(ctx, Payload{ID: fmt.Sprintf("m%d", i), RoomID: "r1"})
	}

	n, err := p.FlushPending(ctx)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, chat_errors.ErrSendFailed)
	assert.Len(t, p.Failed(), 3)
}

func TestFailedQueueDropsOldest(t *testing.T) {
	p, wire, _ := newOutbox(2)
	ctx := context.Background()
	var dropped []string
	p.OnChange(func(m domain.ChatMessage) {
		if m.Status == domain.MessageStatusDropped {
			dropped = append(dropped, m.ID)
		}
	})

	wire.err = errors.New("down")
	for _, id := range []string{"m1", "m2", "m3"} {
		_, _ = p.Send(ctx, Payload{ID: id, RoomID: "r1"})
	}

	var ids []string
	for _, m := range p.Failed() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m2", "m3"}, ids)
	assert.Equal(t, []string{"m1"}, dropped)
	_, ok := p.Get("m1")
	assert.False(t, ok)
}

func TestEchoOfFailedMessageSettlesIt(t *testing.T) {
	p, wire, _ := newOutbox(0)
	wire.err = errors.New("timeout")
	_, _ = p.Send(context.Background(), Payload{ID: "a1", RoomID: "r1"})

	merged, ok := p.ApplyEcho(domain.ChatMessage{ID: "a1", RoomID: "r1"})
	require.True(t, ok)
	assert.Equal(t, domain.MessageStatusSent, merged.Status)
	assert.Empty(t, p.Failed())
}

func TestSendTimeout(t *testing.T) {
	p := NewPipeline(Options{SelfID: 10, SendTimeout: 10 * time.Millisecond}, func(ctx context.Context, _ envelope.Frame) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	_, err := p.Send(context.Background(), Payload{ID: "a1", RoomID: "r1"})
	assert.ErrorIs(t, err, chat_errors.ErrSendTimeout)
	assert.Len(t, p.Failed(), 1)
}

func TestRunnerStartsOneLoop(t *testing.T) {
	p, _, _ := newOutbox(0)
	var inside atomic.Int32
	release := make(chan struct{})
	r := NewRunner(p, 5*time.Millisecond, func() bool {
		inside.Add(1)
		<-release
		return false
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	r.Start(ctx)

	require.Eventually(t, func() bool { return inside.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), inside.Load(), "a second Start must not add a loop")

	cancel()
	close(release)
	r.Wait()
}
