package logging

import (
	"context"
	"expvar"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
)

type ctxKey struct{}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromRequest returns the request-scoped logger, or fallback when the
// request did not pass through RequestLogger.
func FromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value(ctxKey{}).(*zap.Logger); ok {
		return logger
	}
	return fallback
}

// RequestLogger stores a request-scoped logger on the context and logs one
// line per completed request. It must be mounted on a chi router so the
// tenant path parameter is available once routing has run.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base
			if requestID := middleware.GetReqID(r.Context()); requestID != "" {
				logger = logger.With(zap.String("request_id", requestID))
			}
			logger = logger.With(
				zap.String("http_method", r.Method),
				zap.String("path", r.URL.Path),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithLogger(r.Context(), logger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			requestsTotal.Add(1)
			if status >= http.StatusBadRequest {
				requestsErrors.Add(1)
			}
			fields := []zap.Field{
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if tenant := chi.URLParam(r, "code"); tenant != "" {
				fields = append(fields, zap.String("tenant", tenant))
			}
			logger.Info("request completed", fields...)
		})
	}
}
