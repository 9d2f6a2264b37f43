package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/qgdispatch/core/logger"
)

// Logging writes one structured line per request.
func Logging(l logger.Logger) gin.HandlerFunc {
	l = logger.OrNop(l)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := map[string]any{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err := c.Errors.Last(); err != nil {
			fields["error"] = err.Error()
		}
		switch {
		case c.Writer.Status() >= 500:
			l.Warnw("http.request", fields)
		default:
			l.Debugw("http.request", fields)
		}
	}
}
