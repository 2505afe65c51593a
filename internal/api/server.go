// Package api exposes the analysis service over HTTP: indicator computation,
// signal analysis, settings inspection, usage reporting and the signal
// WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-analysis-service/config"
	"ai-analysis-service/internal/ai/llm"
	"ai-analysis-service/internal/cache"
	"ai-analysis-service/internal/database"
	"ai-analysis-service/internal/features"
	"ai-analysis-service/internal/indicators"
	"ai-analysis-service/internal/settings"
	"ai-analysis-service/internal/signal"
	"ai-analysis-service/internal/ws"
)

// RateLimiter provides simple in-memory rate limiting per client IP.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	logger     zerolog.Logger

	engine      *indicators.Engine
	settings    *settings.Cache
	model       *signal.ConfidenceModel
	analyzer    *llm.Analyzer
	features    *features.Engineer
	repo        *database.Repository // nil when persistence is disabled
	cacheSvc    *cache.CacheService  // nil when Redis is disabled
	hub         *ws.Hub
	rateLimiter *RateLimiter
}

// NewServer wires the API server. repo and cacheSvc may be nil.
func NewServer(
	cfg config.ServerConfig,
	logger zerolog.Logger,
	engine *indicators.Engine,
	settingsCache *settings.Cache,
	model *signal.ConfidenceModel,
	analyzer *llm.Analyzer,
	featureEngineer *features.Engineer,
	repo *database.Repository,
	cacheSvc *cache.CacheService,
	hub *ws.Hub,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Request-ID"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      cfg,
		logger:      logger.With().Str("component", "api").Logger(),
		engine:      engine,
		settings:    settingsCache,
		model:       model,
		analyzer:    analyzer,
		features:    featureEngineer,
		repo:        repo,
		cacheSvc:    cacheSvc,
		hub:         hub,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMin, time.Minute),
	}

	router.Use(server.requestIDMiddleware())
	router.Use(server.loggingMiddleware())
	router.Use(server.rateLimitMiddleware())

	server.setupRoutes()

	return server
}

// requestIDMiddleware tags every request with a UUID for log correlation.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// loggingMiddleware logs one structured line per request.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// rateLimitMiddleware limits requests per client IP. Health checks and the
// WebSocket upgrade are exempt.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	exempt := map[string]bool{
		"/health": true,
		"/ws":     true,
	}

	return func(c *gin.Context) {
		if exempt[c.Request.URL.Path] {
			c.Next()
			return
		}

		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.POST("/analysis", s.handleAnalysis)
		api.POST("/indicators", s.handleIndicators)
		api.POST("/features", s.handleFeatures)
		api.GET("/settings", s.handleGetSettings)
		api.POST("/settings/refresh", s.handleRefreshSettings)
		api.GET("/usage", s.handleUsage)
		api.GET("/signals", s.handleRecentSignals)
	}
}

// Start runs the HTTP server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeoutSec) * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
