package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"skill-sync/internal/logging"
)

// RequestLogger emits one structured line per request.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"user_id", UserIDFromContext(c),
		)
	}
}
