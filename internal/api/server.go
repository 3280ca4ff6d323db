// Package api exposes the HTTP administration surface: usage ingestion,
// cost queries, budget management and migration control.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jscharber/tenantcost/pkg/logger"
	"github.com/jscharber/tenantcost/pkg/metrics"
)

// Config represents HTTP server configuration
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Debug           bool          `yaml:"debug" json:"debug"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Controller registers a group of routes.
type Controller interface {
	RegisterRoutes(router *gin.RouterGroup)
}

// Server is the HTTP server hosting the admin API, health checks and the
// metrics scrape endpoint.
type Server struct {
	config     *Config
	log        *logger.Logger
	httpServer *http.Server
	engine     *gin.Engine
}

// NewServer builds the gin engine, wires middleware and registers the given
// controllers under /api/v1.
func NewServer(config *Config, log *logger.Logger, reg *metrics.Registry, controllers ...Controller) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(requestLogMiddleware(log))

	engine.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	if reg != nil {
		engine.GET("/metrics", gin.WrapH(reg.Handler()))
	}

	v1 := engine.Group("/api/v1")
	for _, c := range controllers {
		c.RegisterRoutes(v1)
	}

	return &Server{
		config: config,
		log:    log,
		engine: engine,
		httpServer: &http.Server{
			Addr:         config.Addr(),
			Handler:      engine,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Engine returns the underlying gin engine, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening on %s", s.config.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := ctx.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx.Set("request_id", requestID)
		ctx.Header("X-Request-ID", requestID)
		ctx.Next()
	}
}

func requestLogMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		log.Debug("%s %s -> %d (%s)",
			ctx.Request.Method, ctx.Request.URL.Path, ctx.Writer.Status(), time.Since(start))
	}
}
