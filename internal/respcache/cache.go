// Package respcache is a TTL get-or-compute cache on the shared
// key-value store. Entries live under "cache:{key}" and are wrapped in an
// envelope, so a stored zero value, false or null is still a hit.
//
// Store failures never fail a read: the value is computed and returned,
// and the write is best effort.
package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tempohq/tempo/internal/kvstore"
	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/xerrors"
)

const (
	keyPrefix = "cache:"
	hitsKey   = "cachestats:hits"
	missesKey = "cachestats:misses"

	scanCount    = 100
	scanAttempts = 3

	defaultComputeTimeout = 30 * time.Second
)

// Lookup results reported to Metrics.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultCorrupt = "corrupt"
	ResultError   = "error"
)

type Metrics interface {
	IncCacheResult(result string)
}

type noopMetrics struct{}

func (noopMetrics) IncCacheResult(string) {}

type Options struct {
	Store   kvstore.Store
	Logger  log.Logger
	Metrics Metrics
	Now     func() time.Time
	// ComputeTimeout bounds a shared computation, which no longer follows
	// the cancellation of the caller that started it. 30s when zero.
	ComputeTimeout time.Duration
}

type Cache struct {
	store   kvstore.Store
	logger  log.Logger
	metrics Metrics
	now     func() time.Time
	timeout time.Duration
	flight  singleflight.Group

	statsMu sync.Mutex
	hits    int64
	misses  int64
}

func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = defaultComputeTimeout
	}
	return &Cache{
		store:   opts.Store,
		logger:  log.OrNop(opts.Logger).With("component", "respcache"),
		metrics: opts.Metrics,
		now:     opts.Now,
		timeout: opts.ComputeTimeout,
	}
}

// flightValue carries a computed value through the flight group so a nil
// interface value still asserts back to its type.
type flightValue[T any] struct{ v T }

type envelope struct {
	V   json.RawMessage `json:"v"`
	At  int64           `json:"at"`
	Exp int64           `json:"exp"`
}

var errCorrupt = errors.New("corrupt cache entry")

// Get returns the cached value for key, or computes, stores and returns
// it. compute runs at most once per call and concurrent misses for the
// same key on this instance share one computation. A compute error is
// returned as is and nothing is stored.
func Get[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	v, _, err := Fetch(ctx, c, key, ttl, compute)
	return v, err
}

// Fetch is Get that also reports whether the value came from the store.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, bool, error) {
	if raw, ok := c.lookup(ctx, key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			c.recordHit(ctx)
			return v, true, nil
		}
		c.discard(ctx, key, errCorrupt)
	}
	c.recordMiss(ctx)

	// The shared computation is detached from the starting caller so its
	// disconnect does not fail the others; each caller still stops waiting
	// when its own context ends.
	ch := c.flight.DoChan(key, func() (_ any, err error) {
		// DoChan re-panics on its own goroutine, out of reach of the
		// request's recover middleware
		defer func() {
			if p := recover(); p != nil {
				err = xerrors.Newf("cache compute panicked: %v", p)
			}
		}()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		v, err := compute(fctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(fctx, key, v, ttl); err != nil {
			c.logger.Warn(fctx, "cache write failed, serving computed value", "key", key, "err", err)
		}
		return flightValue[T]{v: v}, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		if fv, ok := res.Val.(flightValue[T]); ok {
			return fv.v, false, nil
		}
	}
	// another caller shared the key with a different type
	v, err := compute(ctx)
	return v, false, err
}

// lookup returns the raw payload of a live entry.
func (c *Cache) lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	b, err := c.store.Get(ctx, keyPrefix+key)
	switch {
	case errors.Is(err, kvstore.ErrNil):
		return nil, false
	case err != nil:
		c.metrics.IncCacheResult(ResultError)
		c.logger.Warn(ctx, "cache read failed, treating as miss", "key", key, "err", err)
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil || env.V == nil {
		c.discard(ctx, key, errCorrupt)
		return nil, false
	}
	if env.Exp > 0 && env.Exp <= c.now().UnixMilli() {
		return nil, false
	}
	return env.V, true
}

func (c *Cache) discard(ctx context.Context, key string, cause error) {
	c.metrics.IncCacheResult(ResultCorrupt)
	c.logger.Warn(ctx, "discarding cache entry", "key", key, "reason", cause.Error())
	if _, err := c.store.Del(ctx, keyPrefix+key); err != nil {
		c.logger.Warn(ctx, "cache delete failed", "key", key, "err", err)
	}
}

// Set stores value under key for ttl. ttl <= 0 stores without expiry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrapf(err, "encode cache value %s", key)
	}
	now := c.now()
	env := envelope{V: raw, At: now.UnixMilli()}
	if ttl > 0 {
		env.Exp = now.Add(ttl).UnixMilli()
	}
	b, err := json.Marshal(env)
	if err != nil {
		return xerrors.Wrapf(err, "encode cache envelope %s", key)
	}
	return c.store.Set(ctx, keyPrefix+key, b, ttl)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.store.Del(ctx, keyPrefix+key)
	return err
}

// DeletePattern removes every entry whose key matches the glob pattern
// and returns how many were removed. A failed batch delete is logged and
// the scan continues; a scan that keeps failing ends the walk. Entries
// written concurrently may survive.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
		errs    []error
	)
	for {
		keys, next, err := c.scan(ctx, cursor, keyPrefix+pattern)
		if err != nil {
			errs = append(errs, xerrors.Wrapf(err, "scan %s at cursor %d", pattern, cursor))
			c.logger.Warn(ctx, "cache pattern scan aborted", "pattern", pattern, "cursor", cursor, "deleted", deleted, "err", err)
			return deleted, errors.Join(errs...)
		}
		if len(keys) > 0 {
			n, err := c.store.Del(ctx, keys...)
			if err != nil {
				errs = append(errs, xerrors.Wrapf(err, "delete batch of %d", len(keys)))
				c.logger.Warn(ctx, "cache batch delete failed, continuing", "pattern", pattern, "batch", len(keys), "err", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	c.logger.Debug(ctx, "cache pattern invalidated", "pattern", pattern, "deleted", deleted)
	return deleted, errors.Join(errs...)
}

func (c *Cache) scan(ctx context.Context, cursor uint64, match string) ([]string, uint64, error) {
	var err error
	for i := 0; i < scanAttempts; i++ {
		var (
			keys []string
			next uint64
		)
		keys, next, err = c.store.Scan(ctx, cursor, match, scanCount)
		if err == nil {
			return keys, next, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, 0, err
}
