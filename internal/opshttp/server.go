package opshttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tempohq/tempo/internal/health"
	"github.com/tempohq/tempo/internal/httpmw"
	"github.com/tempohq/tempo/internal/httpserver"
	"github.com/tempohq/tempo/internal/log"
)

// profiles run for up to 30s by default
const opsWriteTimeout = 60 * time.Second

// NewHandler builds the ops mux: probes, status, metrics, pprof and the
// admin endpoints, all limited to non-public peers.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	L = log.OrNop(L)
	mux := http.NewServeMux()

	mux.Handle("GET /-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("GET /-/ready", health.ReadyzHandler(opts.Readiness))
	mux.Handle("GET /-/status", health.StatusHandler(opts.Status...))

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// pprof (or shadow with 404s)
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	if opts.Admin != nil {
		opts.Admin.register(mux)
	}

	var h http.Handler = mux
	h = httpmw.WithLogger(L.With("component", "ops"))(h)
	h = httpmw.RequestID(httpmw.CorrelationHeader)(h)
	h = requireNonPublicNetwork(L, h)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// Start serves the ops endpoints on opts.Port (9000 when zero) and returns
// stop(ctx) for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	srv := httpserver.NewServer(fmt.Sprintf(":%d", port), NewHandler(L, opts))
	srv.WriteTimeout = opsWriteTimeout
	return httpserver.Serve(ctx, L, "ops http server", srv)
}
