package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"skill-sync/internal/config"
)

const userIDKey = "userID"

// UserIDFromContext returns the verified user id set by Auth, or "".
func UserIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Auth enforces the static bearer token when one is configured and extracts
// the upstream-verified user id from X-User-ID. Without a token the server is
// in dev mode and a missing user id falls back to "default".
func Auth(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(cfg.AuthToken)
		enforceExplicitUser := token != ""
		if token != "" {
			h := strings.TrimSpace(c.GetHeader("Authorization"))
			if !strings.HasPrefix(strings.ToLower(h), "bearer ") || strings.TrimSpace(h[7:]) != token {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			if enforceExplicitUser {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-user-id required"})
				return
			}
			userID = "default"
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}
