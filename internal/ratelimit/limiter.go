package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tempohq/tempo/internal/kvstore"
	"github.com/tempohq/tempo/internal/log"
)

// Metrics receives one observation per decision. path is primary,
// fallback or unknown.
type Metrics interface {
	ObserveRateLimit(operation, path string, allowed bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRateLimit(string, string, bool) {}

type Options struct {
	Store    kvstore.Store
	Configs  map[string]Config
	Fallback *FallbackLimiter
	Logger   log.Logger
	Metrics  Metrics

	Now   func() time.Time
	NewID func() string
}

// Limiter is safe for concurrent use.
type Limiter struct {
	store    kvstore.Store
	configs  map[string]Config
	fallback *FallbackLimiter
	logger   log.Logger
	metrics  Metrics
	now      func() time.Time
	newID    func() string

	// denial logs are emitted once per key per window
	mu       sync.Mutex
	lastWarn map[string]time.Time
}

func New(opts Options) *Limiter {
	if opts.Configs == nil {
		opts.Configs = DefaultConfigs()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Fallback == nil {
		opts.Fallback = NewFallback(WithFallbackClock(opts.Now))
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Limiter{
		store:    opts.Store,
		configs:  opts.Configs,
		fallback: opts.Fallback,
		logger:   log.OrNop(opts.Logger).With("component", "ratelimit"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		newID:    opts.NewID,
		lastWarn: make(map[string]time.Time),
	}
}

// Key is the store key of an (operation config, subject) pair.
func Key(cfg Config, subject string) string {
	return "rl:" + cfg.KeyPrefix + ":" + subject
}

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

// BlockKey marks a manual block for the pair; it expires with the block.
func BlockKey(cfg Config, subject string) string {
	return Key(cfg, subject) + ":blocked"
}

// windowReply is the decoded result of the sliding-window pipeline.
type windowReply struct {
	blocked bool
	removed int64
	count   int64
}

// slide checks the block marker, prunes the window, counts what is left
// and records this request, all in one atomic round trip. count is the
// pre-insert count.
func (l *Limiter) slide(ctx context.Context, key, blockKey string, cfg Config, now time.Time) (windowReply, error) {
	var blocked, removed, card *kvstore.IntReply
	var expire *kvstore.BoolReply
	err := l.store.Pipelined(ctx, func(p kvstore.Pipe) {
		blocked = p.Exists(blockKey)
		removed = p.ZRemRangeByScore(key, "-inf", kvstore.Exclusive(ms(now.Add(-cfg.Window))))
		card = p.ZCard(key)
		p.ZAdd(key, ms(now), strconv.FormatInt(now.UnixMilli(), 10)+"-"+l.newID())
		expire = p.Expire(key, cfg.Window)
	})
	if err != nil {
		return windowReply{}, err
	}
	for _, e := range []error{blocked.Err(), removed.Err(), card.Err(), expire.Err()} {
		if e != nil {
			return windowReply{}, e
		}
	}
	return windowReply{blocked: blocked.Val() > 0, removed: removed.Val(), count: card.Val()}, nil
}

// Check counts one request for subject against operation and reports
// whether it may proceed. It never fails: store errors move the decision
// to the in-process fallback, unknown operations are allowed.
func (l *Limiter) Check(ctx context.Context, operation, subject string) Result {
	now := l.now()
	cfg, ok := l.configs[operation]
	if !ok {
		l.logger.Warn(ctx, "unknown rate limit operation, allowing", "operation", operation, "subject", subject)
		l.metrics.ObserveRateLimit(operation, "unknown", true)
		return Result{Allowed: true, ResetAt: now, Reason: ReasonUnknownOperation}
	}
	key := Key(cfg, subject)

	reply, err := l.slide(ctx, key, BlockKey(cfg, subject), cfg, now)
	if err != nil {
		l.logger.Warn(ctx, "rate limit store unavailable, using fallback",
			"operation", operation, "subject", subject, "err", err)
		res := l.fallback.Check(key, cfg)
		l.metrics.ObserveRateLimit(operation, "fallback", res.Allowed)
		if !res.Allowed {
			l.warnDenied(ctx, key, operation, subject, res)
		}
		return res
	}

	denied := reply.blocked || reply.count >= int64(cfg.MaxRequests)
	l.metrics.ObserveRateLimit(operation, "primary", !denied)
	if denied {
		res := Result{Allowed: false, ResetAt: now.Add(cfg.Window), Reason: ReasonLimited}
		l.warnDenied(ctx, key, operation, subject, res)
		return res
	}
	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests - int(reply.count) - 1,
		ResetAt:   now.Add(cfg.Window),
	}
}

func (l *Limiter) warnDenied(ctx context.Context, key, operation, subject string, res Result) {
	now := l.now()
	l.mu.Lock()
	until, seen := l.lastWarn[key]
	if seen && now.Before(until) {
		l.mu.Unlock()
		return
	}
	l.lastWarn[key] = res.ResetAt
	for k, t := range l.lastWarn {
		if !now.Before(t) {
			delete(l.lastWarn, k)
		}
	}
	l.mu.Unlock()

	l.logger.Warn(ctx, "rate limit exceeded",
		"operation", operation, "subject", subject,
		"reset_at", res.ResetAt.UTC().Format(time.RFC3339), "degraded", res.Degraded)
}

// Block denies subject for operation until d has passed. The block is a
// marker key with its own expiry, so it outlives the request log; the
// fallback bucket is pinned above the limit as well, so a store outage
// during the block does not lift it.
func (l *Limiter) Block(ctx context.Context, operation, subject string, d time.Duration) error {
	cfg, ok := l.configs[operation]
	if !ok {
		return errUnknownOperation(operation)
	}
	key := Key(cfg, subject)
	l.fallback.Block(key, cfg, d)

	// the marker holds its own expiry so Status can report when it lifts
	until := l.now().Add(d).UnixMilli()
	if err := l.store.Set(ctx, BlockKey(cfg, subject), []byte(strconv.FormatInt(until, 10)), d); err != nil {
		l.logger.Warn(ctx, "rate limit block not persisted, fallback only",
			"operation", operation, "subject", subject, "err", err)
		return err
	}
	l.logger.Info(ctx, "subject blocked", "operation", operation, "subject", subject, "duration", d.String())
	return nil
}

// Clear removes all recorded requests for subject.
func (l *Limiter) Clear(ctx context.Context, operation, subject string) error {
	cfg, ok := l.configs[operation]
	if !ok {
		return errUnknownOperation(operation)
	}
	key := Key(cfg, subject)
	l.fallback.Clear(key)
	if _, err := l.store.Del(ctx, key, BlockKey(cfg, subject)); err != nil {
		return err
	}
	l.logger.Info(ctx, "rate limit cleared", "operation", operation, "subject", subject)
	return nil
}

// Status reads the current quota without recording a request.
func (l *Limiter) Status(ctx context.Context, operation, subject string) (Status, error) {
	cfg, ok := l.configs[operation]
	if !ok {
		return Status{}, errUnknownOperation(operation)
	}
	key := Key(cfg, subject)
	now := l.now()

	n, err := l.store.ZCount(ctx, key, kvstore.FormatScore(ms(now.Add(-cfg.Window))), "+inf")
	if err == nil {
		var marker []byte
		marker, err = l.store.Get(ctx, BlockKey(cfg, subject))
		switch {
		case err == nil:
			resetAt := now.Add(cfg.Window)
			if until, perr := strconv.ParseInt(string(marker), 10, 64); perr == nil && until > now.UnixMilli() {
				resetAt = time.UnixMilli(until)
			}
			return Status{ResetAt: resetAt, Blocked: true}, nil
		case errors.Is(err, kvstore.ErrNil):
			err = nil
		}
	}
	if err != nil {
		l.logger.Warn(ctx, "rate limit status from fallback", "operation", operation, "subject", subject, "err", err)
		return l.fallback.Peek(key, cfg), nil
	}

	remaining := cfg.MaxRequests - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Remaining: remaining,
		ResetAt:   now.Add(cfg.Window),
		Blocked:   n >= int64(cfg.MaxRequests),
	}, nil
}

// Config returns the quota for operation.
func (l *Limiter) Config(operation string) (Config, bool) {
	cfg, ok := l.configs[operation]
	return cfg, ok
}
