package logger

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// Middleware tags each request with a request id, stores the request logger in
// the request context and logs one summary line when the handler returns.
// Server errors log at error, client errors at warn. Paths listed in quiet
// (health probes) and websocket upgrades log at debug.
func Middleware(l *slog.Logger, quiet ...string) gin.HandlerFunc {
	quietSet := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietSet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)
		c.Request = c.Request.WithContext(With(c.Request.Context(), l.With("request_id", rid)))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"client_ip", c.ClientIP(),
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		level := slog.LevelInfo
		_, isQuiet := quietSet[path]
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case isQuiet, status == http.StatusSwitchingProtocols:
			level = slog.LevelDebug
		}
		// The request logger picks up fields added by later middleware, such as user_id.
		From(c.Request.Context()).Log(context.Background(), level, "request", attrs...)
	}
}

// FromGin returns the request-scoped logger.
func FromGin(c *gin.Context) *slog.Logger {
	return From(c.Request.Context())
}
