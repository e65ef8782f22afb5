package relay

import (
	"go.uber.org/zap"

	"chatcore/pkg/logger"
)

// WebSocketLogger provides structured logging for websocket events.
type WebSocketLogger struct {
	logger *zap.Logger
}

// NewWebSocketLogger creates a logger for connection events.
func NewWebSocketLogger(l *logger.Logger) *WebSocketLogger {
	return &WebSocketLogger{
		logger: logger.OrNop(l).Named("websocket").Logger,
	}
}

func (l *WebSocketLogger) Info(event string, userID int64, clientID string, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.Int64("user_id", userID),
		zap.String("client_id", clientID),
	}, fields...)
	l.logger.Info("websocket_event", allFields...)
}

func (l *WebSocketLogger) Debug(event string, userID int64, clientID string, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.Int64("user_id", userID),
		zap.String("client_id", clientID),
	}, fields...)
	l.logger.Debug("websocket_event", allFields...)
}

func (l *WebSocketLogger) Error(event string, userID int64, clientID string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.Int64("user_id", userID),
		zap.String("client_id", clientID),
		zap.Error(err),
	}, fields...)
	l.logger.Error("websocket_error", allFields...)
}

func (l *WebSocketLogger) Warn(event string, userID int64, clientID string, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.Int64("user_id", userID),
		zap.String("client_id", clientID),
	}, fields...)
	l.logger.Warn("websocket_warning", allFields...)
}
