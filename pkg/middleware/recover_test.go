package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_PanicBecomes500WithRequestID(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.ErrorLevel)
	log := zap.New(core).Sugar()

	h := RequestID()(Recover(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/compliance/devices", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "req-123", fields["request_id"])
	require.Equal(t, "/api/v1/compliance/devices", fields["path"])
}

func TestRequestID_MintedWhenAbsent(t *testing.T) {
	t.Parallel()
	var got string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFrom(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, got)
	require.Equal(t, got, rec.Header().Get("X-Request-Id"))
}
