package envelope

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/pkg/logger"
)

// RoomFetcher loads the authoritative state of a room.
type RoomFetcher interface {
	FetchRoom(ctx context.Context, roomID string) (domain.Room, error)
}

// RoomSink receives refreshed rooms.
type RoomSink interface {
	Upsert(room domain.Room)
}

// Handlers receive typed events. Nil handlers are skipped.
type Handlers struct {
	OnChatMessage func(ctx context.Context, ev ChatMessageEvent)
	OnTyping      func(ctx context.Context, ev TypingEvent)
	OnReadReceipt func(ctx context.Context, ev ReadReceiptEvent)
	OnDeliveryAck func(ctx context.Context, ev DeliveryAckEvent)
	OnRoomUpdate  func(ctx context.Context, ev RoomUpdateEvent, room domain.Room)
	OnPresence    func(ctx context.Context, ev PresenceEvent)
	// OnAny runs before the typed handler for every classified frame.
	OnAny func(ctx context.Context, ev Event)
}

type Router struct {
	handlers     Handlers
	fetcher      RoomFetcher
	rooms        RoomSink
	fetchTimeout time.Duration
	logger       *logger.Logger

	mu        sync.RWMutex
	listeners map[uint64]func(UnknownEvent)
	nextID    uint64
}

// NewRouter creates a router. fetcher may be nil, in which case room updates
// are dropped.
func NewRouter(h Handlers, fetcher RoomFetcher, rooms RoomSink, fetchTimeout time.Duration, l *logger.Logger) *Router {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Router{
		handlers:     h,
		fetcher:      fetcher,
		rooms:        rooms,
		fetchTimeout: fetchTimeout,
		logger:       logger.OrNop(l).Named("router"),
		listeners:    make(map[uint64]func(UnknownEvent)),
	}
}

// Subscribe registers a listener for frames no classifier claimed.
func (r *Router) Subscribe(fn func(UnknownEvent)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Dispatch decodes and routes one raw frame. It never panics into the
// transport and never returns an error: bad frames are logged and dropped.
func (r *Router) Dispatch(ctx context.Context, raw []byte) {
	ev, err := Decode(raw)
	if err != nil {
		metrics.FramesMalformed.Inc()
		r.logger.Logger.Debug("dropping malformed frame", zap.Error(err), zap.ByteString("frame", truncate(raw, 256)))
		return
	}
	r.Route(ctx, ev)
}

// Route hands a classified event to its handler.
func (r *Router) Route(ctx context.Context, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Logger.Error("frame handler panicked", zap.Any("panic", rec), zap.Stringer("kind", ev.Kind()))
		}
	}()

	metrics.FramesRouted.WithLabelValues(ev.Kind().String()).Inc()
	if r.handlers.OnAny != nil {
		r.handlers.OnAny(ctx, ev)
	}

	switch e := ev.(type) {
	case ChatMessageEvent:
		if r.handlers.OnChatMessage != nil {
			r.handlers.OnChatMessage(ctx, e)
		}
	case TypingEvent:
		if r.handlers.OnTyping != nil {
			r.handlers.OnTyping(ctx, e)
		}
	case ReadReceiptEvent:
		if r.handlers.OnReadReceipt != nil {
			r.handlers.OnReadReceipt(ctx, e)
		}
	case DeliveryAckEvent:
		if r.handlers.OnDeliveryAck != nil {
			r.handlers.OnDeliveryAck(ctx, e)
		}
	case RoomUpdateEvent:
		r.refreshRoom(ctx, e)
	case PresenceEvent:
		if r.handlers.OnPresence != nil {
			r.handlers.OnPresence(ctx, e)
		}
	case UnknownEvent:
		r.fanOut(e)
	}
}

// refreshRoom ignores the pushed payload and reloads the room from the API.
func (r *Router) refreshRoom(ctx context.Context, e RoomUpdateEvent) {
	if r.fetcher == nil {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	room, err := r.fetcher.FetchRoom(fetchCtx, e.RoomID)
	if err != nil {
		r.logger.Logger.Warn("room refresh failed", zap.String("room_id", e.RoomID), zap.String("event", e.Name), zap.Error(err))
		return
	}
	if r.rooms != nil {
		r.rooms.Upsert(room)
	}
	if r.handlers.OnRoomUpdate != nil {
		r.handlers.OnRoomUpdate(ctx, e, room)
	}
}

func (r *Router) fanOut(e UnknownEvent) {
	r.mu.RLock()
	listeners := make([]func(UnknownEvent), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.RUnlock()

	if len(listeners) == 0 {
		r.logger.Logger.Debug("unhandled frame", zap.String("event", e.Frame.Name()))
		return
	}
	for _, fn := range listeners {
		fn(e)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
