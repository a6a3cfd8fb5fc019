package middleware

import (
	"net/http"
	"time"

	"tpia/pkg/logger"
)

// LoggingMiddleware records one structured line per request.
type LoggingMiddleware struct {
	logger logger.Logger
	quiet  map[string]bool
}

// NewLoggingMiddleware constructs a LoggingMiddleware. Successful requests to
// quietPaths are logged at debug so probes do not flood the log.
func NewLoggingMiddleware(log logger.Logger, quietPaths ...string) *LoggingMiddleware {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}
	return &LoggingMiddleware{logger: log, quiet: quiet}
}

func (m *LoggingMiddleware) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fields := map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          r.RemoteAddr,
			"request_id":  RequestID(r.Context()),
		}
		switch {
		case wrapped.statusCode >= http.StatusInternalServerError:
			m.logger.Warn("HTTP Request", fields)
		case m.quiet[r.URL.Path]:
			m.logger.Debug("HTTP Request", fields)
		default:
			m.logger.Info("HTTP Request", fields)
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
