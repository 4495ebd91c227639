package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tempohq/tempo/internal/httpmw"
	"github.com/tempohq/tempo/internal/log"
)

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	reported bool
}

// IPGuard is a per-IP token bucket in front of the API. It bounds how fast
// one address can reach the composer at all; per-operation quotas are the
// Limiter's job.
type IPGuard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry

	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	maxActive int

	logger   log.Logger
	onDenied func(ip string)
}

type GuardOption func(*IPGuard)

// WithGuardRate allows burst requests at once, refilled at perSecond.
func WithGuardRate(perSecond float64, burst int) GuardOption {
	return func(g *IPGuard) {
		g.limit = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithGuardIdleTTL sets how long an address may stay idle before its
// bucket is forgotten.
func WithGuardIdleTTL(d time.Duration) GuardOption {
	return func(g *IPGuard) { g.idleTTL = d }
}

// WithGuardCapacity caps tracked addresses. New addresses beyond the cap
// share a single overflow bucket.
func WithGuardCapacity(n int) GuardOption {
	return func(g *IPGuard) { g.maxActive = n }
}

func WithGuardLogger(l log.Logger) GuardOption {
	return func(g *IPGuard) { g.logger = l }
}

// WithGuardOnDenied is called for every rejected request.
func WithGuardOnDenied(fn func(ip string)) GuardOption {
	return func(g *IPGuard) { g.onDenied = fn }
}

const overflowKey = "overflow"

// NewIPGuard starts the idle sweeper, which stops when ctx ends.
func NewIPGuard(ctx context.Context, opts ...GuardOption) *IPGuard {
	g := &IPGuard{
		entries:   make(map[string]*guardEntry),
		limit:     20,
		burst:     60,
		idleTTL:   5 * time.Minute,
		maxActive: 100_000,
		logger:    log.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	go g.sweep(ctx)
	return g
}

func (g *IPGuard) allow(ip string) bool {
	now := time.Now()
	g.mu.Lock()
	e, ok := g.entries[ip]
	if !ok {
		if len(g.entries) >= g.maxActive {
			ip = overflowKey
			e = g.entries[ip]
		}
		if e == nil {
			e = &guardEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
			g.entries[ip] = e
		}
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)
	first := !allowed && !e.reported
	if first {
		e.reported = true
	}
	g.mu.Unlock()

	if allowed {
		return true
	}
	if first {
		g.logger.Warn(context.Background(), "ip flood guard engaged", "client_ip", ip)
	}
	if g.onDenied != nil {
		g.onDenied(ip)
	}
	return false
}

func (g *IPGuard) sweep(ctx context.Context) {
	t := time.NewTicker(g.idleTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			g.mu.Lock()
			for ip, e := range g.entries {
				if now.Sub(e.lastSeen) > g.idleTTL {
					delete(g.entries, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects over-rate addresses with 429 before any routing work.
func (g *IPGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
