package router

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch-engine-go/internal/handler"
)

// SetupRouter configures the Gin router with routes and middleware
func SetupRouter(h *handler.Handlers, production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggerMiddleware())
	h.SetupRoutes(r)
	return r
}

// loggerMiddleware writes one access line per request; probes are skipped
func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
		Formatter: func(param gin.LogFormatterParams) string {
			sender, _ := param.Keys["senderID"].(string)
			if sender == "" {
				sender = "-"
			}
			return fmt.Sprintf("%s %s [%s] \"%s %s %s\" %d %d %s \"%s\" %s\n",
				param.ClientIP,
				sender,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.BodySize,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	})
}
