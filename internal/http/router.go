package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"skill-sync/internal/config"
	"skill-sync/internal/handlers"
	"skill-sync/internal/logging"
	"skill-sync/internal/middleware"
)

func NewRouter(cfg config.Config, log *logging.Logger, h *handlers.SyncHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-User-ID"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/sync/v1")
	v1.Use(middleware.Auth(cfg))
	{
		v1.POST("/pull", h.Pull)
		v1.POST("/push", h.Push)
		v1.GET("/queue", h.Queue)
		v1.GET("/skills/:skill/reviews", h.Reviews)
	}
	return r
}
