package httpserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tempohq/tempo/internal/health"
	"github.com/tempohq/tempo/internal/httpmw"
	"github.com/tempohq/tempo/internal/log"
)

// test helpers

type registrar func(chi.Router)

func (f registrar) RegisterRoutes(r chi.Router) { f(r) }

func defaultOpts() *Options {
	return &Options{Logger: log.Nop()}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestNewHandler_SecurityHeaders(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), http.MethodGet, "/anything")

	for _, name := range []string{
		"Strict-Transport-Security",
		"Content-Security-Policy",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Referrer-Policy",
	} {
		if rec.Header().Get(name) == "" {
			t.Errorf("missing %s", name)
		}
	}
}

func TestNewHandler_NotFoundIsJSON(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestNewHandler_CorrelationID(t *testing.T) {
	var seen string
	opts := defaultOpts()
	opts.Routes = []RouteRegistrar{registrar(func(r chi.Router) {
		r.Get("/id", func(w http.ResponseWriter, r *http.Request) {
			seen = httpmw.RequestIDFromContext(r.Context())
		})
	})}
	h := NewHandler(opts)

	rec := doRequest(t, h, http.MethodGet, "/id")
	minted := rec.Header().Get(httpmw.CorrelationHeader)
	if minted == "" || minted != seen {
		t.Fatalf("minted %q, handler saw %q", minted, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(httpmw.CorrelationHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(httpmw.CorrelationHeader); got != "abc-123" || seen != "abc-123" {
		t.Fatalf("propagated %q, handler saw %q", got, seen)
	}
}

func TestNewHandler_Probes(t *testing.T) {
	var gate health.ShutdownGate
	opts := defaultOpts()
	opts.Health = health.Fixed(true, "")
	opts.Readiness = gate.Probe()
	h := NewHandler(opts)

	if rec := doRequest(t, h, http.MethodGet, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("draining")
	if rec := doRequest(t, h, http.MethodGet, "/-/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready while draining = %d, want 503", rec.Code)
	}
}

func TestNewHandler_RecoverCallsOnPanic(t *testing.T) {
	panics := 0
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.OnPanic = func() { panics++ }
	opts.Routes = []RouteRegistrar{registrar(func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})}

	rec := doRequest(t, NewHandler(opts), http.MethodGet, "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic called %d times, want 1", panics)
	}
	if rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("security headers missing on panic response")
	}
}

func TestNewHandler_RateLimitSeesClientIP(t *testing.T) {
	var seen string
	opts := defaultOpts()
	opts.RateLimitMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = httpmw.ClientIPFromContext(r.Context())
			if seen == "203.0.113.9" {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodGet, "/-/healthy", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || seen != "203.0.113.9" {
		t.Fatalf("status = %d, seen = %q", rec.Code, seen)
	}
}

func TestNewHandler_MetricsSeesRoutePattern(t *testing.T) {
	var pattern string
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			pattern = httpmw.RoutePattern(r)
		})
	}
	opts.Routes = []RouteRegistrar{registrar(func(r chi.Router) {
		r.Get("/api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {})
	})}

	doRequest(t, NewHandler(opts), http.MethodGet, "/api/tasks/42")
	if pattern != "/api/tasks/{id}" {
		t.Fatalf("pattern = %q", pattern)
	}
}

func TestNewHandler_MaxBody(t *testing.T) {
	opts := defaultOpts()
	opts.MaxBodyBytes = 16
	opts.Routes = []RouteRegistrar{registrar(func(r chi.Router) {
		r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
			if _, err := io.ReadAll(r.Body); err != nil {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
			}
		})
	})}
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_StreamPathsSkipCompression(t *testing.T) {
	opts := defaultOpts()
	opts.StreamPaths = []string{"/api/events"}
	body := strings.Repeat(`{"k":"v"}`, 200)
	opts.Routes = []RouteRegistrar{registrar(func(r chi.Router) {
		write := func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}
		r.Get("/api/events", write)
		r.Get("/api/tasks", write)
	})}
	h := NewHandler(opts)

	for path, want := range map[string]string{"/api/tasks": "gzip", "/api/events": ""} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Content-Encoding"); got != want {
			t.Errorf("%s: Content-Encoding = %q, want %q", path, got, want)
		}
	}
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler())
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("timeouts = %v/%v", srv.ReadHeaderTimeout, srv.WriteTimeout)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	opts := defaultOpts()
	opts.Port = port

	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still accepting connections after stop")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	opts := defaultOpts()
	opts.Port = port

	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop(ctx)

	if _, err := Start(ctx, opts); err == nil {
		t.Fatal("expected error for port conflict")
	}
}
