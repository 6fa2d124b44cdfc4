package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirsinexus/relay/internal/metrics"
	"github.com/sirsinexus/relay/internal/state"
)

// ServerOptions configures the HTTP surface in front of a Hub.
type ServerOptions struct {
	Addr           string
	AllowedOrigins []string
	Pump           PumpOptions
	Logger         *zap.Logger
	Metrics        *metrics.Collector
}

type Server struct {
	router   *gin.Engine
	server   *http.Server
	hub      *Hub
	logger   *zap.Logger
	metrics  *metrics.Collector
	pump     PumpOptions
	upgrader websocket.Upgrader

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	restCORS       []gin.HandlerFunc
}

func NewServer(hub *Hub, opts ServerOptions) *Server {
	gin.SetMode(gin.ReleaseMode)

	if opts.Logger == nil {
		opts.Logger = hub.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = hub.metrics
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(opts.Logger))
	router.Use(securityHeaders())

	s := &Server{
		router:         router,
		hub:            hub,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		pump:           opts.Pump,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	if len(s.allowedOrigins) > 0 {
		origins := make([]string, 0, len(s.allowedOrigins))
		for o := range s.allowedOrigins {
			origins = append(origins, o)
		}
		s.restCORS = []gin.HandlerFunc{cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodOptions},
			AllowHeaders: []string{"Accept", "Origin", "Cache-Control"},
			MaxAge:       12 * time.Hour,
		})}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/ws", s.handleWS)
	// Browser dashboards on allowed origins read the REST endpoints directly.
	rest := s.router.Group("", s.restCORS...)
	rest.GET("/health", s.handleHealth)
	rest.GET("/api/state", s.handleState)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("relay listening", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", s.server.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests. WebSocket connections are hijacked and
// are closed by the hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

// handleRoot upgrades WebSocket requests on the bare path, which is where
// browser clients connect.
func (s *Server) handleRoot(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		s.handleWS(c)
		return
	}
	c.String(http.StatusUpgradeRequired, "Upgrade Required")
}

func (s *Server) handleWS(c *gin.Context) {
	if limit := s.hub.opts.MaxConnections; limit > 0 && s.hub.ClientCount() >= limit {
		s.metrics.ConnectionRejected()
		s.logger.Warn("connection limit reached", zap.Int("limit", limit))
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("remote", c.Request.RemoteAddr),
			zap.Error(err))
		return
	}

	cl, err := s.hub.Register(conn)
	if err != nil {
		code := websocket.CloseTryAgainLater
		if errors.Is(err, ErrHubClosed) {
			code = websocket.CloseGoingAway
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	go cl.writePump(s.pump, s.logger)
	go cl.readPump(s.hub, s.pump)
}

func (s *Server) handleHealth(c *gin.Context) {
	select {
	case <-s.hub.Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopping"})
		return
	default:
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"clients":   s.hub.ClientCount(),
		"timestamp": state.Timestamp(time.Now()),
	})
}

func (s *Server) handleState(c *gin.Context) {
	snap, err := s.hub.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// checkOrigin accepts configured origins, same-host pages and loopback. An
// absent Origin header (non-browser clients) is always accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
