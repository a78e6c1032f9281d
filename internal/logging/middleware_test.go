package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLoggerRecordsCompletion(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(RequestLogger(base))
	router.Get("/api/tenants/{code}/settings", func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, FromRequest(r, nil))
		w.WriteHeader(http.StatusTeapot)
	})

	before := requestsErrors.Value()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tenants/A1/settings", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, requestsErrors.Value())

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, int64(http.StatusTeapot), fields["status"])
	require.Equal(t, "A1", fields["tenant"])
	require.Equal(t, "GET", fields["http_method"])
	require.NotEmpty(t, fields["request_id"])
}

func TestFromRequestFallback(t *testing.T) {
	fallback := zap.NewNop()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Same(t, fallback, FromRequest(req, fallback))
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	require.Error(t, err)

	logger, err := NewLogger(Config{Component: "clinic-queue", Level: "DEBUG"})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
