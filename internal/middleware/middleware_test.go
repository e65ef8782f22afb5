package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/auth"
	"chatcore/internal/transport/httpdto"
	chat_errors "chatcore/pkg/errors"
)

func newEngine(issuer *auth.Issuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware(), ErrorHandler(nil))
	authed := r.Group("/", AuthMiddleware(issuer))
	authed.GET("/me", func(c *gin.Context) {
		id, ok := UserID(c)
		if !ok {
			_ = c.Error(chat_errors.ErrUnauthorized)
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(id))
	})
	r.GET("/fail/:kind", func(c *gin.Context) {
		switch c.Param("kind") {
		case "missing":
			_ = c.Error(fmt.Errorf("room r1: %w", chat_errors.ErrNotFound))
		case "bad":
			_ = c.Error(chat_errors.ErrInvalidInput)
		default:
			_ = c.Error(fmt.Errorf("db exploded"))
		}
	})
	return r
}

func decode(t *testing.T, w *httptest.ResponseRecorder) httpdto.Response[json.RawMessage] {
	t.Helper()
	var resp httpdto.Response[json.RawMessage]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAuthMiddleware(t *testing.T) {
	issuer := auth.NewIssuer("secret", time.Hour)
	r := newEngine(issuer)
	token, err := issuer.Issue(10)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "10", string(decode(t, w).Data))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, httpdto.CodeUnauthorized, decode(t, w).Code)

	other := auth.NewIssuer("other", time.Hour)
	forged, err := other.Issue(10)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := newEngine(auth.NewIssuer("secret", time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/fail/missing", nil)
	req.Header.Set("X-Request-Id", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-Id"))
}

func TestErrorHandlerMapsSentinels(t *testing.T) {
	r := newEngine(auth.NewIssuer("secret", time.Hour))
	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"/fail/missing", http.StatusNotFound, httpdto.CodeNotFound},
		{"/fail/bad", http.StatusBadRequest, httpdto.CodeInvalidRequest},
		{"/fail/other", http.StatusInternalServerError, httpdto.CodeInternal},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.status, w.Code, tc.path)
		resp := decode(t, w)
		assert.False(t, resp.Success)
		assert.Equal(t, tc.code, resp.Code, tc.path)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail/other", nil))
	assert.Equal(t, "internal error", decode(t, w).Error)
}
