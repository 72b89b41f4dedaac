package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fuelledger/pkg/logger"
)

// Logger puts log into every request context and writes one line per request.
// Server errors log at error level, client errors at warn, probes at debug.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Service code logs through logger.FromContext.
		c.Request = c.Request.WithContext(logger.WithLogger(c.Request.Context(), log))

		c.Next()

		status := c.Writer.Status()
		reqLog := log.WithContext(c.Request.Context()).With(
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"route", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
		if len(c.Errors) > 0 {
			reqLog = reqLog.With("error", c.Errors.Last().Error())
		}

		switch {
		case status >= http.StatusInternalServerError:
			reqLog.Errorw("http request")
		case status >= http.StatusBadRequest:
			reqLog.Warnw("http request")
		case strings.HasPrefix(path, "/health"):
			reqLog.Debugw("http request")
		default:
			reqLog.Infow("http request")
		}
	}
}
