package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tempohq/tempo/internal/health"
	"github.com/tempohq/tempo/internal/httpmw"
	"github.com/tempohq/tempo/internal/log"
)

// RouteRegistrar mounts a group of routes on the public router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic is logged, e.g. to bump a counter

	// MetricsMW runs inside the router so it sees the matched pattern.
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	Routes []RouteRegistrar

	// MaxBodyBytes caps request bodies; 0 means 64 KiB.
	MaxBodyBytes int64
	// StreamPaths are served without compression so events flush as written.
	StreamPaths []string
}
