// Package metrics owns the prometheus registry. ServerMetrics satisfies
// the small metrics interfaces declared by the limiter, cache, registry
// and store packages, so those packages never import prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tempohq/tempo/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight   prometheus.Gauge
	reqTotal   *prometheus.CounterVec
	reqDur     *prometheus.HistogramVec
	errorTotal *prometheus.CounterVec
	panicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	guardDenied     prometheus.Counter
	rateDecisions   *prometheus.CounterVec
	cacheResults    *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	streamsActive   prometheus.Gauge
	streamsClosed   *prometheus.CounterVec
	eventsDelivered prometheus.Counter
}

// New registers runtime collectors and all service metrics on a fresh
// registry. Labels are bounded: routes are chi patterns, operations come
// from the compiled-in quota table.
func New() *ServerMetrics {
	m := &ServerMetrics{
		reg: prometheus.NewRegistry(),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "In-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		errorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "5xx responses by method and route",
		}, []string{"method", "route"}),
		panicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (always 1)",
		}, []string{"app", "version", "commit", "go_version", "vcs_modified"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Continuous profiling running (1) or not (0)",
		}),
		guardDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_flood_guard_denied_total",
			Help: "Requests rejected by the per-IP flood guard",
		}),
		rateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by operation, path (primary|fallback|unknown) and outcome",
		}, []string{"operation", "path", "outcome"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "response_cache_requests_total",
			Help: "Response cache lookups by result (hit|miss|corrupt|error)",
		}, []string{"result"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvstore_errors_total",
			Help: "Key-value store call failures by operation",
		}, []string{"op"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_streams_active",
			Help: "Open event streams on this instance",
		}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_streams_closed_total",
			Help: "Closed event streams by reason",
		}, []string{"reason"}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_stream_frames_delivered_total",
			Help: "Event frames queued to open streams",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inflight, m.reqTotal, m.reqDur, m.errorTotal, m.panicTotal,
		m.buildInfo, m.profilingActive,
		m.guardDenied, m.rateDecisions, m.cacheResults, m.storeErrors,
		m.streamsActive, m.streamsClosed, m.eventsDelivered,
	)
	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) SetBuildInfo(vi version.Info) {
	modified := "unknown"
	if vi.Modified != nil {
		modified = strconv.FormatBool(*vi.Modified)
	}
	m.buildInfo.WithLabelValues(vi.AppName, vi.Version, vi.Commit, vi.GoVersion, modified).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) { m.profilingActive.Set(b2f(active)) }

func (m *ServerMetrics) IncHTTPPanic() { m.panicTotal.Inc() }

func (m *ServerMetrics) IncFloodGuardDenied() { m.guardDenied.Inc() }

func (m *ServerMetrics) ObserveRateLimit(operation, path string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.rateDecisions.WithLabelValues(operation, path, outcome).Inc()
}

func (m *ServerMetrics) IncCacheResult(result string) { m.cacheResults.WithLabelValues(result).Inc() }

func (m *ServerMetrics) IncStoreError(op string) { m.storeErrors.WithLabelValues(op).Inc() }

func (m *ServerMetrics) SetActiveStreams(n int) { m.streamsActive.Set(float64(n)) }

func (m *ServerMetrics) IncStreamClosed(reason string) { m.streamsClosed.WithLabelValues(reason).Inc() }

func (m *ServerMetrics) AddFramesDelivered(n int) { m.eventsDelivered.Add(float64(n)) }

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
