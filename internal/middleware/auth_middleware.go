package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatcore/internal/auth"
	"chatcore/internal/transport/httpdto"
	"chatcore/pkg/logger"
)

const userIDKey = "user_id"

// AuthMiddleware verifies the bearer token and stores the user id on both the
// gin context and the request context. Browsers cannot set headers on a
// websocket upgrade, so a token query parameter is accepted as well.
func AuthMiddleware(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			token = c.Query("token")
		}
		claims, err := issuer.Parse(token)
		if err != nil || claims.UserID == 0 {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", httpdto.CodeUnauthorized))
			c.Abort()
			return
		}

		c.Set(userIDKey, claims.UserID)
		ctx := context.WithValue(c.Request.Context(), logger.UserIdKey, claims.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// UserIDFromContext returns the id stored by AuthMiddleware.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(logger.UserIdKey).(int64)
	return id, ok && id != 0
}

// UserID returns the authenticated user set by AuthMiddleware.
func UserID(c *gin.Context) (int64, bool) {
	return UserIDFromContext(c.Request.Context())
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
