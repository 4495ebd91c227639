package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tempohq/tempo/internal/apiroute"
	"github.com/tempohq/tempo/internal/auth"
	"github.com/tempohq/tempo/internal/cfg"
	"github.com/tempohq/tempo/internal/health"
	"github.com/tempohq/tempo/internal/httpmw"
	"github.com/tempohq/tempo/internal/httpserver"
	"github.com/tempohq/tempo/internal/kvstore"
	"github.com/tempohq/tempo/internal/llm"
	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/metrics"
	"github.com/tempohq/tempo/internal/opshttp"
	"github.com/tempohq/tempo/internal/otelx"
	"github.com/tempohq/tempo/internal/prof"
	"github.com/tempohq/tempo/internal/ratelimit"
	"github.com/tempohq/tempo/internal/respcache"
	"github.com/tempohq/tempo/internal/stream"
	"github.com/tempohq/tempo/internal/taskhttp"
	"github.com/tempohq/tempo/internal/tasks"
	v "github.com/tempohq/tempo/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion,
			vi.Modified != nil && *vi.Modified,
		)
		os.Exit(0)
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	if err := cfg.LoadDotEnv(".env"); err != nil {
		stderrf("ignoring .env: %v", err)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, stderrf)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate already rejected bad levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	errorLinks := 0
	if conf.IncludeErrorLinks {
		errorLinks = conf.MaxErrorLinks
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
		ErrorLinks:      errorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildID,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"kv_remote", conf.KVURL != "",
		"db_path", conf.DBPath,
		"llm_enabled", conf.AnthropicAPIKey != "",
	)

	m := metrics.New()
	m.SetBuildInfo(vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	store, err := openStore(ctx, L, conf, m)
	if err != nil {
		L.Error(ctx, err, "failed to configure key-value store")
		os.Exit(1)
	}
	defer store.Close()

	// background sweepers outlive the signal so they keep running through
	// the drain period
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	fallback := ratelimit.NewFallback()
	fallback.Start(workCtx)
	defer fallback.Stop()

	limiter := ratelimit.New(ratelimit.Options{
		Store:    store,
		Fallback: fallback,
		Logger:   L,
		Metrics:  m,
	})

	cache := respcache.New(respcache.Options{
		Store:   store,
		Logger:  L,
		Metrics: m,
	})

	streams := stream.New(stream.Options{
		Store:         store,
		Logger:        L,
		Metrics:       m,
		MaxAge:        conf.StreamMaxAge,
		MaxConns:      conf.StreamMaxConns,
		SweepInterval: conf.StreamSweepInterval,
		Buffer:        conf.StreamBuffer,
	})
	streams.Start(workCtx)

	repo, err := tasks.OpenSQLite(ctx, conf.DBPath)
	if err != nil {
		L.Error(ctx, err, "failed to open task database", "db_path", conf.DBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var prioritizer llm.Prioritizer = llm.Heuristic{}
	if conf.AnthropicAPIKey != "" {
		prioritizer = llm.NewAnthropic(llm.AnthropicOptions{
			APIKey: conf.AnthropicAPIKey,
			Model:  conf.AnthropicModel,
			Logger: L,
		})
	} else {
		L.Info(ctx, "no anthropic api key, prioritization uses the due-date heuristic")
	}

	composer := apiroute.New(apiroute.Options{
		Auth:    auth.NewJWT(conf.JWTSecret),
		Limiter: limiter,
		Cache:   cache,
	})

	taskRoutes := taskhttp.New(taskhttp.Options{
		Composer:    composer,
		Repo:        repo,
		Cache:       cache,
		Streams:     streams,
		Prioritizer: prioritizer,
		Logger:      L,
	})

	var gate health.ShutdownGate

	// the key-value store is left out: every consumer fails open without it
	readiness := health.All(
		gate.Probe(),
		health.Ping("db", repo, 500*time.Millisecond),
	)

	guard := ratelimit.NewIPGuard(workCtx,
		ratelimit.WithGuardLogger(L),
		ratelimit.WithGuardOnDenied(func(string) { m.IncFloodGuardDenied() }),
	)

	apiHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHTTPPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  guard.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Routes:       []httpserver.RouteRegistrar{taskRoutes},
		StreamPaths:  []string{"/api/events"},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// ops listener rejects public and proxied clients itself in case the
	// network boundary is misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Status: []health.Component{
			{Name: "db", Probe: health.Ping("db", repo, 500*time.Millisecond), Critical: true},
			{Name: "kv", Probe: health.Ping("kv", store, conf.KVTimeout)},
			{Name: "shutdown", Probe: gate.Probe()},
		},
		Admin: &opshttp.Admin{
			Limiter: limiter,
			Cache:   cache,
			Streams: streams,
		},
		UseRecoverMW: true,
		OnPanic:      m.IncHTTPPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this matters
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_delay", conf.DrainDelay)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	// streams hold their requests open; close them first so the listeners
	// can finish without waiting out their own timeout
	streams.Stop(shutdownCtx)

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}

	stopWork()
	fallback.Stop()
	if err := store.Close(); err != nil {
		L.Error(bg, err, "key-value store close")
	}
	if err := repo.Close(); err != nil {
		L.Error(bg, err, "task database close")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
	_ = lg.Sync()
	os.Exit(0)
}

// openStore connects to the remote store when one is configured and falls
// back to an in-process store otherwise. A remote store that is down at
// startup is not fatal.
func openStore(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (kvstore.Store, error) {
	if conf.KVURL == "" {
		L.Warn(ctx, "no kv-url configured, using in-process store; limits and caches are per instance")
		return kvstore.NewMemory(), nil
	}

	token := conf.KVToken
	if conf.KVTokenSSMParam != "" {
		client, err := cfg.NewSSMClient(ctx)
		if err != nil {
			return nil, err
		}
		token, err = cfg.ResolveParameter(ctx, client, conf.KVTokenSSMParam)
		if err != nil {
			return nil, err
		}
	}

	store, err := kvstore.NewRedis(kvstore.RedisOptions{
		URL:     conf.KVURL,
		Token:   token,
		Timeout: conf.KVTimeout,
		Logger:  L,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		L.Warn(ctx, "key-value store unreachable at startup, failing open until it recovers", "error", err)
	}
	return store, nil
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
