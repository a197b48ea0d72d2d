package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Header names carried end-to-end across the fleet.
const (
	HeaderRequestID  = "X-Request-Id"
	HeaderTraceID    = "X-Trace-Id"
	HeaderAdminToken = "X-Admin-Token"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyTraceID
)

// WithIDs returns a context carrying the correlation identifiers.
func WithIDs(ctx context.Context, requestID, traceID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyRequestID, requestID)
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}

// RequestIDFrom returns the request id from ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// TraceIDFrom returns the trace id from ctx, or "".
func TraceIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTraceID).(string)
	return v
}

// Middleware is the standard wrapper shape used by Chain.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares outermost-first: Chain(h, a, b) serves a(b(h)).
func Chain(h http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Trace propagates X-Request-Id / X-Trace-Id, minting fresh UUIDs when the
// caller did not supply them, and echoes both on the response.
func Trace() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			traceID := r.Header.Get(HeaderTraceID)
			if traceID == "" {
				traceID = uuid.NewString()
			}

			w.Header().Set(HeaderRequestID, requestID)
			w.Header().Set(HeaderTraceID, traceID)

			next.ServeHTTP(w, r.WithContext(WithIDs(r.Context(), requestID, traceID)))
		})
	}
}

// HTTPMetrics is implemented by the metrics registry; web stays free of a
// direct dependency so the packages compose in either direction.
type HTTPMetrics interface {
	ObserveHTTP(method, path string, status int, elapsed time.Duration)
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging emits one request log line and feeds the HTTP metrics when a
// collector is provided (nil is fine).
func Logging(logger *slog.Logger, m HTTPMetrics) Middleware {
	reqLogger := logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			reqLogger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"elapsed_ms", elapsed.Milliseconds(),
				"trace_id", TraceIDFrom(r.Context()),
			)
			if m != nil {
				m.ObserveHTTP(r.Method, r.URL.Path, rec.status, elapsed)
			}
		})
	}
}

// RequireAdmin rejects requests whose X-Admin-Token does not match the
// pre-shared token. An empty configured token disables admin access
// entirely rather than opening it up.
func RequireAdmin(token string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderAdminToken)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				Error(w, http.StatusUnauthorized, CodeUnauthenticated, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
