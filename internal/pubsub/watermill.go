package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"chatcore/pkg/logger"
)

// WatermillBridge implements Publisher and Subscriber on watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *logger.Logger
}

// Metadata keys that carry Message fields through a watermill message.
const (
	metaKeyRoomID = "room_id"
	metaKeySender = "sender"
	metaKeyTopic  = "topic"
)

// NewWatermillBridge creates the bus. Publish blocks until every subscriber
// has acked, which keeps one publisher's frames in order.
func NewWatermillBridge(log *logger.Logger) *WatermillBridge {
	log = logger.OrNop(log).Named("pubsub")
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		},
		NewZapLoggerAdapter(log.Logger),
	)
	return &WatermillBridge{
		pub:    goChannel,
		sub:    goChannel,
		logger: log,
	}
}

func mapToWatermillMessage(msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(metaKeyRoomID, msg.RoomID)
	wmMsg.Metadata.Set(metaKeySender, msg.Sender)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)
	return wmMsg
}

func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		switch k {
		case metaKeyRoomID, metaKeySender, metaKeyTopic:
		default:
			metadata[k] = v
		}
	}
	return Message{
		Topic:    wmMsg.Metadata.Get(metaKeyTopic),
		RoomID:   wmMsg.Metadata.Get(metaKeyRoomID),
		Sender:   wmMsg.Metadata.Get(metaKeySender),
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish blocks until the subscriber has handled msg.
func (wb *WatermillBridge) Publish(_ context.Context, msg Message) error {
	return wb.pub.Publish(msg.Topic, mapToWatermillMessage(msg))
}

// Subscribe consumes topic on its own goroutine until ctx ends or the bridge
// is closed. Handler errors are logged and the message is still acked, since
// a nack makes the GoChannel redeliver forever.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for wmMsg := range messages {
			msg := mapToPubSubMessage(wmMsg)
			if err := handler(ctx, msg); err != nil {
				wb.logger.Logger.Error("failed to handle message",
					zap.String("topic", topic),
					zap.String("msg_id", wmMsg.UUID),
					zap.Error(err))
			}
			wmMsg.Ack()
		}
		wb.logger.Logger.Debug("subscription loop ended", zap.String("topic", topic))
	}()
	return nil
}

func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}

// zapLoggerAdapter routes watermill's logs into zap.
type zapLoggerAdapter struct {
	logger *zap.Logger
}

// NewZapLoggerAdapter routes watermill logs to zap.
func NewZapLoggerAdapter(l *zap.Logger) watermill.LoggerAdapter {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLoggerAdapter{logger: l}
}

func toZapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (a *zapLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(toZapFields(fields), zap.Error(err))...)
}

func (a *zapLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, toZapFields(fields)...)
}

func (a *zapLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, toZapFields(fields)...)
}

func (a *zapLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, toZapFields(fields)...)
}

func (a *zapLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zapLoggerAdapter{logger: a.logger.With(toZapFields(fields)...)}
}
