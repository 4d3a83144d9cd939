package dispatcher

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Routes registers a group of endpoints.
type Routes interface {
	RegisterRoutes(g *gin.RouterGroup)
}

// NewRouter builds the dispatcher engine with every route group mounted at the
// root.
func NewRouter(groups ...Routes) *gin.Engine {
	r := gin.New()

	r.Use(requestLogger(slog.Default().With("component", "http")))
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	root := r.Group("/")
	for _, g := range groups {
		g.RegisterRoutes(root)
	}
	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"bytes", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
