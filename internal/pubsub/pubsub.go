// Package pubsub is the relay's in-process bus. Read pumps publish inbound
// frames and the hub consumes them in publish order.
package pubsub

import "context"

// Message is what travels on the bus: a raw frame plus routing metadata.
type Message struct {
	Topic string
	// RoomID is the room the frame is addressed to.
	RoomID string
	// Sender is the relay connection id that produced the frame.
	Sender string
	// Payload is the encoded frame.
	Payload []byte
	// Metadata carries any extra routing hints.
	Metadata map[string]string
}

type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Subscriber interface {
	// Subscribe starts delivering messages of topic to handler and returns
	// once the subscription is active.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
