package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Patch("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Patch("/stream", func(w http.ResponseWriter, _ *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "wrapped writer must stay flushable")
		_, _ = w.Write([]byte("chunk"))
		w.(http.Flusher).Flush()
	})

	for _, path := range []string{"/test", "/stream"} {
		req := httptest.NewRequest(http.MethodPatch, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.NotZero(t, rec.Code)
	}

	assert.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PATCH", "202")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PATCH", "200")), 0)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
