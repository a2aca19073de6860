// Package httpmw provides shared gin middleware for the sandbox HTTP surface.
package httpmw

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

// ProcessTimeHeader carries the handler wall time, in seconds, on every response.
const ProcessTimeHeader = "X-Process-Time"

// RequestLogger logs HTTP request details after the handler completes and
// stamps the X-Process-Time header with the elapsed handler time.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Writer = &timedWriter{ResponseWriter: c.Writer, start: start}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		if status >= 500 {
			log.Error("http",
				zap.String("server", serverName),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Int64("duration_ms", latency.Milliseconds()),
				zap.Int("bytes", size),
			)
		} else {
			log.Debug("http",
				zap.String("server", serverName),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Int64("duration_ms", latency.Milliseconds()),
				zap.Int("bytes", size),
			)
		}
	}
}

// timedWriter finalizes the X-Process-Time header right before headers flush.
type timedWriter struct {
	gin.ResponseWriter
	start   time.Time
	stamped bool
}

func (w *timedWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *timedWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}

func (w *timedWriter) stamp() {
	if w.stamped {
		return
	}
	w.stamped = true
	w.Header().Set(ProcessTimeHeader, fmt.Sprintf("%.4f", time.Since(w.start).Seconds()))
}
