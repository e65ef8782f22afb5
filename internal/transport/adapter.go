package transport

import (
	"context"

	"chatcore/internal/envelope"
)

// Handlers are the four callbacks an adapter surfaces. Any of them may be nil.
// OnError is always followed by OnClose for the same connection.
type Handlers struct {
	OnOpen    func()
	OnClose   func(err error)
	OnError   func(err error)
	OnMessage func(raw []byte)
}

// Adapter is a single bidirectional channel to one room topic. It never
// retries on its own.
type Adapter interface {
	Connect(ctx context.Context) error
	Close() error
	Join(ctx context.Context, roomID string) error
	Leave(ctx context.Context, roomID string) error
	Emit(ctx context.Context, frame envelope.Frame) error
	// RequiresManualJoin reports whether Join/Leave must be called for the
	// connection to receive room traffic.
	RequiresManualJoin() bool
	Connected() bool
	SetHandlers(h Handlers)
}
