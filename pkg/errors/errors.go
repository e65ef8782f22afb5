package chat_errors

import "errors"

// Common errors
var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrQueueFull          = errors.New("queue full")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// Connection and delivery errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
	ErrSendFailed      = errors.New("send failed")
	ErrSendTimeout     = errors.New("send timed out")
	ErrClosed          = errors.New("closed")
)

