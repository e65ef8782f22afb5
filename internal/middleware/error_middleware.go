package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcore/internal/transport/httpdto"
	chat_errors "chatcore/pkg/errors"
	"chatcore/pkg/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error, unless
// the handler already wrote a response.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	l = logger.OrNop(l)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			l.WithContext(c.Request.Context()).Error("request error", zap.Error(err))
		}
		if c.Writer.Written() {
			return
		}
		msg := err.Error()
		if status >= http.StatusInternalServerError {
			msg = "internal error"
		}
		c.JSON(status, httpdto.NewErrorResponse(msg, ErrorCode(status)))
	}
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, chat_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, chat_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, chat_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat_errors.ErrConflict), errors.Is(err, chat_errors.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, chat_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, chat_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode maps a status to the error code sent to clients.
func ErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return httpdto.CodeInvalidRequest
	case http.StatusUnauthorized:
		return httpdto.CodeUnauthorized
	case http.StatusForbidden:
		return httpdto.CodeForbidden
	case http.StatusNotFound:
		return httpdto.CodeNotFound
	case http.StatusConflict:
		return httpdto.CodeConflict
	case http.StatusTooManyRequests:
		return httpdto.CodeRateLimited
	case http.StatusServiceUnavailable:
		return httpdto.CodeUnavailable
	default:
		return httpdto.CodeInternal
	}
}
