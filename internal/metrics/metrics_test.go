package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempohq/tempo/internal/version"
)

func TestDomainCounters(t *testing.T) {
	m := New()

	m.ObserveRateLimit("ai_chat", "primary", true)
	m.ObserveRateLimit("ai_chat", "primary", false)
	m.ObserveRateLimit("ai_chat", "fallback", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateDecisions.WithLabelValues("ai_chat", "primary", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateDecisions.WithLabelValues("ai_chat", "fallback", "denied")))

	m.IncCacheResult("hit")
	m.IncCacheResult("hit")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheResults.WithLabelValues("hit")))

	m.IncStoreError("pipeline")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("pipeline")))

	m.SetActiveStreams(3)
	m.IncStreamClosed("max_age")
	m.AddFramesDelivered(5)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.streamsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsClosed.WithLabelValues("max_age")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.eventsDelivered))

	m.SetProfilingActive(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.profilingActive))
	m.IncFloodGuardDenied()
	m.IncHTTPPanic()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guardDenied))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.panicTotal))
}

func TestSetBuildInfo(t *testing.T) {
	m := New()
	modified := true
	m.SetBuildInfo(version.Info{AppName: "tempo", Version: "1.0.0", Commit: "abc", GoVersion: "go1.24", Modified: &modified})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildInfo.WithLabelValues("tempo", "1.0.0", "abc", "go1.24", "true")))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) })

	for _, id := range []string{"1", "2", "3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tasks/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "/api/tasks/{id}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorTotal.WithLabelValues("GET", "/boom")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.IncCacheResult("miss")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `response_cache_requests_total{result="miss"} 1`))
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
