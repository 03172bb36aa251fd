// Package api is the HTTP surface of anchord.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/carbonanchor/internal/metrics"
	"go.uber.org/zap"
)

// HeaderRequestID carries the per-request ID on requests and responses.
const HeaderRequestID = "X-Request-ID"

// RouterConfig holds HTTP surface settings.
type RouterConfig struct {
	CORSOrigins []string
	// RateLimitRPS of zero disables rate limiting.
	RateLimitRPS int
	// MaxBodyBytes defaults to 1 MB.
	MaxBodyBytes int64
}

// Registrar mounts a handler's routes.
type Registrar interface {
	Register(rg *gin.RouterGroup)
}

// NewRouter builds the Gin engine: ambient middleware, /healthz, /metrics
// and every handler under /api/v1. ctx bounds background middleware work.
func NewRouter(ctx context.Context, cfg RouterConfig, healthz *HealthHandler, logger *zap.Logger, handlers ...Registrar) *gin.Engine {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", HeaderRequestID},
			ExposeHeaders:    []string{"Content-Length", HeaderRequestID},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(metrics.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	if healthz == nil {
		healthz = NewHealthHandler(nil, nil, "")
	}
	router.GET("/healthz", healthz.Healthz)
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	for _, h := range handlers {
		h.Register(v1)
	}
	return router
}

// requestID propagates or assigns an X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(HeaderRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(HeaderRequestID)),
		)
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
