package wkhttp

import (
	"net/http"
	"time"

	"github.com/WuKongIM/kvraft/pkg/wklog"
	"go.uber.org/zap"
)

// 探活和监控抓取不记日志
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// LoggerWithWklog logs one line per request. Server errors are logged at
// warn level, everything else at debug.
func LoggerWithWklog(log wklog.Log) HandlerFunc {
	return func(c *Context) {
		start := time.Now()

		c.Next()

		path := c.Request.URL.Path
		if _, ok := quietPaths[path]; ok {
			return
		}
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.String("clientip", c.ClientIP()),
			zap.Int("size", c.Writer.Size()),
			zap.Duration("latency", latency),
		}
		if id := c.Writer.Header().Get("X-Request-Id"); id != "" {
			fields = append(fields, zap.String("requestId", id))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("http request failed", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}
