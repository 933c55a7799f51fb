package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"coinwatch/internal/cache"
	"coinwatch/internal/realtime"
	"coinwatch/internal/storage"
)

const defaultShutdownGrace = 5 * time.Second

// Options configure the HTTP server.
type Options struct {
	Addr           string
	JWTSecret      string
	AllowedOrigins []string
	ShutdownGrace  time.Duration
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) string
}

// Server exposes the alert CRUD and price read endpoints plus the websocket
// upgrade route.
type Server struct {
	engine *gin.Engine
	store  storage.AlertStore
	prices cache.PriceCache
	hub    *realtime.Hub
	opts   Options
	logger zerolog.Logger
}

// New builds the gin engine and registers routes. hub may be nil.
func New(store storage.AlertStore, prices cache.PriceCache, hub *realtime.Hub, opts Options, logger zerolog.Logger) *Server {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	s := &Server{
		engine: gin.New(),
		store:  store,
		prices: prices,
		hub:    hub,
		opts:   opts,
		logger: logger.With().Str("component", "http_api").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger(), s.cors())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)

	auth := s.authenticate()
	api := s.engine.Group("/api", auth)
	{
		api.POST("/alerts", s.createAlert)
		api.GET("/alerts", s.listAlerts)
		api.DELETE("/alerts/:id", s.deleteAlert)

		api.GET("/prices/:coinId", s.latestPrice)
		api.GET("/prices/:coinId/history", s.priceHistory)
	}

	if s.hub != nil {
		s.engine.GET("/ws", auth, s.websocket)
	}
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		evt := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			evt = s.logger.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if p, ok := s.prices.(Pinger); ok {
		body["cache"] = p.Ping(c.Request.Context())
	}
	if s.hub != nil {
		body["clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) websocket(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request, c.GetString(ctxOwnerKey))
}

func abortWithMessage(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"message": message})
}
