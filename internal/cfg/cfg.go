// Package cfg binds the process configuration to command-line flags with
// environment fallbacks. Flag "kv-url" maps to TEMPO_KV_URL.
//
// Precedence is cli flag > environment (including .env) > default.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tempohq/tempo/internal/log"
)

const EnvPrefix = "TEMPO_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int
	DrainDelay  time.Duration

	EnablePprof     bool
	EnableTracing   bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	KVURL           string
	KVToken         string
	KVTokenSSMParam string
	KVTimeout       time.Duration

	JWTSecret string

	AnthropicAPIKey string
	AnthropicModel  string

	DBPath string

	StreamMaxAge        time.Duration
	StreamMaxConns      int
	StreamSweepInterval time.Duration
	StreamBuffer        int
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "include wrap sites in error records")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max wrap sites per error record (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public API listen port")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen port (metrics, health, pprof, admin)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of the API that append X-Forwarded-For")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 60*time.Second, "time between failing readiness and stopping listeners")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the ops port")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to -otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (X-Scope-OrgID)")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.KVURL, "kv-url", "", "key-value store endpoint (redis:// or rediss://); empty uses an in-process store")
	fs.StringVar(&c.KVToken, "kv-token", "", "key-value store access token")
	fs.StringVar(&c.KVTokenSSMParam, "kv-token-ssm-param", "", "SSM parameter holding the key-value store token")
	fs.DurationVar(&c.KVTimeout, "kv-timeout", 500*time.Millisecond, "per-call key-value store timeout")

	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HS256 secret for bearer tokens")

	fs.StringVar(&c.AnthropicAPIKey, "anthropic-api-key", "", "API key for task prioritization; empty uses the due-date heuristic")
	fs.StringVar(&c.AnthropicModel, "anthropic-model", "claude-3-5-haiku-latest", "model used for task prioritization")

	fs.StringVar(&c.DBPath, "db-path", "tempo.db", "sqlite database file (\":memory:\" for ephemeral)")

	fs.DurationVar(&c.StreamMaxAge, "stream-max-age", 30*time.Minute, "maximum lifetime of an event stream")
	fs.IntVar(&c.StreamMaxConns, "stream-max-conns", 1000, "maximum concurrent event streams per instance")
	fs.DurationVar(&c.StreamSweepInterval, "stream-sweep-interval", 5*time.Minute, "event stream sweep interval")
	fs.IntVar(&c.StreamBuffer, "stream-buffer", 32, "queued events per stream before it is treated as dead")
}

// LoadDotEnv reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// FillFromEnv sets every flag not given on the command line from
// PREFIX_FLAG_NAME when present.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			logf("flag -%s set on command line, ignoring %s", f.Name, key)
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			logf("flag -%s: ignoring invalid %s: %v", f.Name, key, err)
		}
	})
}

func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate reports every invalid field at once.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		add("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops)
	}
	if c.DrainDelay < 0 || c.DrainDelay > 5*time.Minute {
		add("DRAIN_DELAY must be 0..5m (got %s)", c.DrainDelay)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL: %w", err)
	}
	if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
		add("invalid STACKTRACE_LEVEL: %w", err)
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q)", c.OTLPEndpoint)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	if c.KVURL != "" {
		if u, err := url.Parse(c.KVURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") || u.Host == "" {
			add("KV_URL must be redis://host:port or rediss://host:port (got %q)", c.KVURL)
		}
	}
	if c.KVToken != "" && c.KVTokenSSMParam != "" {
		add("set only one of KV_TOKEN and KV_TOKEN_SSM_PARAM")
	}
	if c.KVTimeout <= 0 {
		add("KV_TIMEOUT must be positive (got %s)", c.KVTimeout)
	}

	if len(c.JWTSecret) < 32 {
		add("JWT_SECRET must be at least 32 bytes")
	}
	if c.DBPath == "" {
		add("DB_PATH is required")
	}

	if c.StreamMaxAge <= 0 {
		add("STREAM_MAX_AGE must be positive (got %s)", c.StreamMaxAge)
	}
	if c.StreamMaxConns < 1 {
		add("STREAM_MAX_CONNS must be >= 1 (got %d)", c.StreamMaxConns)
	}
	if c.StreamSweepInterval < time.Second {
		add("STREAM_SWEEP_INTERVAL must be >= 1s (got %s)", c.StreamSweepInterval)
	}
	if c.StreamBuffer < 1 {
		add("STREAM_BUFFER must be >= 1 (got %d)", c.StreamBuffer)
	}

	return errors.Join(errs...)
}
