// Package api exposes the management surface over HTTP: feed CRUD,
// filter rules, manual triggers and metrics.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer builds the gin engine with all routes configured. When
// accessKey is empty the /api group is open; otherwise every /api
// request must carry the key.
func NewServer(h *Handler, accessKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(requestLogger(h.log))
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	if accessKey != "" {
		api.Use(authMiddleware(accessKey))
	}
	{
		api.GET("/items", h.ListItems)

		sub := api.Group("/subscribers/:chat_id")
		sub.GET("/feeds", h.ListFeeds)
		sub.POST("/feeds", h.CreateFeed)
		sub.POST("/dedupe", h.DedupeFeeds)

		feed := sub.Group("/feeds/:id")
		feed.PATCH("", h.UpdateFeed)
		feed.DELETE("", h.DeleteFeed)
		feed.PUT("/rules", h.PutRules)
		feed.DELETE("/rules", h.DeleteRules)
		feed.POST("/poll", h.PollFeed)
		feed.POST("/digest", h.SendDigest)
		feed.POST("/events", h.AddEvents)
		feed.POST("/backfill", h.Backfill)
	}

	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// authMiddleware checks the X-API-Key header, with Authorization: Bearer
// as a fallback.
func authMiddleware(accessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
			return
		}
		if provided != accessKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}
