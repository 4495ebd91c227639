package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tempohq/tempo/internal/health"
	"github.com/tempohq/tempo/internal/httpmw"
	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/xerrors"
)

const (
	healthPath = "/-/healthy"
	readyPath  = "/-/ready"

	defaultMaxBody = 64 << 10
)

// NewHandler builds the public handler: probes, registered routes and the
// middleware stack. main() owns the *http.Server so it can shut down
// gracefully.
func NewHandler(opts *Options) http.Handler {
	logger := log.OrNop(opts.Logger)
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	r := chi.NewRouter()

	r.Use(skipPaths(opts.StreamPaths, middleware.Compress(5, "application/json", "text/plain")))

	// rename the server span to the chi pattern once routing resolves
	r.Use(httpmw.AnnotateRoute)

	if opts.MetricsMW != nil {
		r.Use(opts.MetricsMW)
	}

	r.Use(httpmw.AccessLog(healthPath, readyPath))
	r.Use(httpmw.MaxBody(maxBody))

	r.Get(healthPath, health.HealthzHandler(opts.Health))
	r.Get(readyPath, health.ReadyzHandler(opts.Readiness))

	for _, rr := range opts.Routes {
		if rr != nil {
			rr.RegisterRoutes(r)
		}
	}

	r.NotFound(jsonStatus(http.StatusNotFound, "not found"))
	r.MethodNotAllowed(jsonStatus(http.StatusMethodNotAllowed, "method not allowed"))

	// Middleware below wraps the router, innermost first.
	var h http.Handler = r

	// request-scoped logger (inside otel so it can see the span)
	h = httpmw.WithLogger(logger)(h)

	h = httpmw.TraceResponseHeaders(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// probes are polled constantly and carry no signal
			return r.URL.Path != healthPath && r.URL.Path != readyPath
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// per-address flood guard, after client ip resolution
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}

	h = httpmw.ClientIP(opts.ClientIPOpts)(h)

	h = httpmw.RequestID(httpmw.CorrelationHeader)(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(logger, opts.OnPanic)(h)
	}

	// outermost so every response carries them, including panics
	h = httpmw.SecurityHeaders(h)

	return h
}

// skipPaths applies mw to every request except those under prefixes.
func skipPaths(prefixes []string, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range prefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

func jsonStatus(code int, msg string) http.HandlerFunc {
	body := []byte(`{"error":"` + msg + `"}`)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	}
}

// Server timeout defaults, shared with opshttp. Event streams lift the
// write deadline per connection.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Serve runs srv on a tcp4 listener for addr and returns stop(ctx) for
// graceful shutdown. stop is safe to call more than once.
func Serve(ctx context.Context, logger log.Logger, name string, srv *http.Server) (func(context.Context) error, error) {
	logger = log.OrNop(logger)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", srv.Addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s on %s", name, srv.Addr)
	}

	go func() {
		logger.Info(ctx, name+" listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, err, name+" error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			logger.Info(sctx, name+" shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

// Start serves the public API on opts.Port (8080 when zero).
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	srv := NewServer(fmt.Sprintf(":%d", port), NewHandler(opts))
	return Serve(ctx, opts.Logger, "http server", srv)
}
