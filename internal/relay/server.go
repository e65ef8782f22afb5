package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatcore/internal/auth"
	"chatcore/internal/middleware"
	"chatcore/internal/repository"
	"chatcore/internal/transport/httpdto"
	"chatcore/pkg/logger"
)

const (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Deps struct {
	Store    repository.Store
	Presence PresenceStore
	// MessageLimiter and Uploader are optional.
	MessageLimiter MessageLimiter
	Uploader       Uploader
	Issuer         *auth.Issuer
	Logger         *logger.Logger
}

type Options struct {
	AppMode               string
	Port                  string
	PageSize              int
	Limits                RateLimits
	MaxConnectionsPerUser int
	ShutdownTimeout       time.Duration
}

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	hub        *Hub
	store      repository.Store
	cancel     context.CancelFunc
	opts       Options
	logger     *logger.Logger
}

// NewServer wires the relay and starts its hub. Close releases it.
func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Issuer == nil {
		return nil, errors.New("relay: token issuer is required")
	}
	switch opts.AppMode {
	case ReleaseMode:
		gin.SetMode(gin.ReleaseMode)
	case TestMode:
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if deps.Store == nil {
		deps.Store = repository.NewMemoryStore()
	}
	l := logger.OrNop(deps.Logger)

	hub := NewHub(HubOptions{
		Store:                 deps.Store,
		Presence:              deps.Presence,
		MessageLimiter:        deps.MessageLimiter,
		Limits:                opts.Limits,
		MaxConnectionsPerUser: opts.MaxConnectionsPerUser,
		Logger:                l,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.LoggingMiddleware(l))
	engine.Use(middleware.ErrorHandler(l))

	s := &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%s", opts.Port),
			Handler: engine,
		},
		engine: engine,
		hub:    hub,
		store:  deps.Store,
		cancel: cancel,
		opts:   opts,
		logger: l,
	}
	s.routes(deps)
	return s, nil
}

func (s *Server) routes(deps Deps) {
	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), httpdto.CodeUnavailable))
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requireAuth := middleware.AuthMiddleware(deps.Issuer)
	s.engine.GET("/ws", requireAuth, NewWebSocketHandler(s.hub).Handle)

	rooms := NewRoomHandler(deps.Store, s.opts.PageSize)
	uploads := NewUploadHandler(deps.Uploader)
	v1 := s.engine.Group("/v1", requireAuth)
	{
		v1.POST("/rooms", rooms.Create)
		v1.GET("/rooms/:id", rooms.Get)
		v1.GET("/rooms/:id/messages", rooms.Messages)
		v1.POST("/uploads/presign", uploads.Presign)
	}
}

// Engine returns the HTTP handler.
func (s *Server) Engine() http.Handler {
	return s.engine
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the relay on port %s...", s.opts.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Errorf("Error in starting the relay: %s", err)
			s.Close()
			return err
		}
	case <-ctx.Done():
		s.logger.Infof("Shutting down the relay")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		s.logger.Errorf("Error in the graceful shutdown of the relay: %s", err)
		return err
	}
	s.logger.Infof("Relay stopped gracefully")
	return nil
}

// Close stops the hub, dropping every websocket.
func (s *Server) Close() {
	s.hub.Stop()
	s.cancel()
}
