package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture the status code for logging/metrics,
// grounded on the teacher's infrastructure/middleware responseWriter.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware assigns a trace id to every request and logs method/path/status/duration,
// grounded on the teacher's infrastructure/middleware.LoggingMiddleware.
func LoggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if logger != nil {
				logger.LogRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
			}
		})
	}
}

// RecoveryMiddleware converts a handler panic into a 500 response instead of crashing the
// process — the scheduler runs as a long-lived multi-tenant server (spec §5) where one bad
// request must not take the whole thing down.
func RecoveryMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.WithContext(r.Context()).WithField("panic", rec).Error("handler panicked")
					}
					WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Code: "SVC_5001", Message: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records an error counter for non-2xx responses, keyed by route template,
// grounded on the teacher's infrastructure/middleware.MetricsMiddleware.
func MetricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if wrapped.statusCode >= 400 {
				path := r.URL.Path
				if route := mux.CurrentRoute(r); route != nil {
					if tmpl, err := route.GetPathTemplate(); err == nil {
						path = tmpl
					}
				}
				metrics.Global().RecordError("httpapi", strconv.Itoa(wrapped.statusCode), path)
			}
		})
	}
}
