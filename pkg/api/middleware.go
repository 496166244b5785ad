package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskmesh/taskmesh/pkg/config"
	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// UserIDHeader carries the caller identity in production auth mode
const UserIDHeader = "X-User-ID"

const userIDKey = "taskmesh.user_id"

// userID returns the authenticated user set by AuthMiddleware
func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// AuthMiddleware resolves the caller identity. Production mode reads the
// identity header; testing mode uses the configured test user. A request
// with no resolvable identity is rejected with FORBIDDEN — there is no
// fallback identity.
func AuthMiddleware(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var id string
		switch {
		case !cfg.Enabled:
			id = c.GetHeader(UserIDHeader)
		case cfg.Mode == config.AuthModeTesting:
			id = cfg.TestUserID
		default:
			id = c.GetHeader(UserIDHeader)
		}
		if id == "" {
			respondError(c, apperrors.Forbidden("missing caller identity"))
			c.Abort()
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

// RequestLogger logs one line per request with latency and status
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
}

// MetricsMiddleware records per-endpoint request counters and durations
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		labels := map[string]string{
			"path":   c.FullPath(),
			"method": c.Request.Method,
		}
		metrics.IncrementCounterWithLabels("http_requests_total", 1, labels)
		metrics.RecordDuration("http_request_duration_seconds", time.Since(start).Seconds(), labels)
	}
}
