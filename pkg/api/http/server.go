package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/comfyrt/pkg/client"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Session is the part of the realtime client the server exposes
type Session interface {
	ClientID() string
	State() client.State
	Polling() bool
	Submit(ctx context.Context, priority int, wf client.Workflow, authToken string) (*client.PromptResponse, error)
	Interrupt(ctx context.Context) error
}

// EventStreamer serves the event relay endpoint
type EventStreamer interface {
	HandleEvents(*gin.Context)
}

// Server represents the local status server
type Server struct {
	router    *gin.Engine
	server    *http.Server
	session   Session
	authToken string
	logger    *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port    int
	Session Session
	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
	// AuthToken, when set, is required as a bearer token on /api/v1
	AuthToken string
	Logger    *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		session:   cfg.Session,
		authToken: cfg.AuthToken,
		logger:    logger,
	}

	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(cfg *Config) {
	s.router.GET("/health", s.handleHealth)

	metrics := promhttp.Handler()
	if cfg.Gatherer != nil {
		metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	s.router.GET("/metrics", gin.WrapH(metrics))

	v1 := s.router.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.AuthToken))
	{
		v1.GET("/session", s.handleGetSession)
		v1.POST("/prompts", s.handleSubmitPrompt)
		v1.POST("/interrupt", s.handleInterrupt)
	}
}

// SetupWebSocket adds the event relay to the server
func (s *Server) SetupWebSocket(handler EventStreamer) {
	s.router.GET("/api/v1/events/ws", AuthMiddleware(s.authToken), handler.HandleEvents)
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
