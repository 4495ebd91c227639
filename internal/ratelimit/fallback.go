package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// FallbackLimiter is a process-local fixed-window counter. It is only
// consulted while the shared store is unreachable, so it trades accuracy
// at window edges for availability.
type FallbackLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	sweepEvery time.Duration
	stopOnce   sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
}

type FallbackOption func(*FallbackLimiter)

func WithFallbackClock(now func() time.Time) FallbackOption {
	return func(f *FallbackLimiter) { f.now = now }
}

func WithSweepInterval(d time.Duration) FallbackOption {
	return func(f *FallbackLimiter) { f.sweepEvery = d }
}

func NewFallback(opts ...FallbackOption) *FallbackLimiter {
	f := &FallbackLimiter{
		buckets:    make(map[string]*bucket),
		now:        time.Now,
		sweepEvery: time.Minute,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Check counts one request against key. A bucket whose resetAt has been
// reached is replaced, so a request landing exactly on the boundary opens
// the next window.
func (f *FallbackLimiter) Check(key string, cfg Config) Result {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(cfg.Window)}
		f.buckets[key] = b
		return Result{Allowed: true, Remaining: cfg.MaxRequests - 1, ResetAt: b.resetAt, Degraded: true}
	}

	if b.count > cfg.MaxRequests {
		return Result{Allowed: false, ResetAt: b.resetAt, Reason: ReasonLimited, Degraded: true}
	}
	b.count++
	if b.count > cfg.MaxRequests {
		return Result{Allowed: false, ResetAt: b.resetAt, Reason: ReasonLimited, Degraded: true}
	}
	return Result{Allowed: true, Remaining: cfg.MaxRequests - b.count, ResetAt: b.resetAt, Degraded: true}
}

// Block pins key one above the limit until now+d.
func (f *FallbackLimiter) Block(key string, cfg Config, d time.Duration) {
	f.mu.Lock()
	f.buckets[key] = &bucket{count: cfg.MaxRequests + 1, resetAt: f.now().Add(d)}
	f.mu.Unlock()
}

func (f *FallbackLimiter) Clear(key string) {
	f.mu.Lock()
	delete(f.buckets, key)
	f.mu.Unlock()
}

// Peek reports the bucket state without counting a request.
func (f *FallbackLimiter) Peek(key string, cfg Config) Status {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		return Status{Remaining: cfg.MaxRequests, ResetAt: now.Add(cfg.Window), Degraded: true}
	}
	remaining := cfg.MaxRequests - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Status{Remaining: remaining, ResetAt: b.resetAt, Blocked: b.count >= cfg.MaxRequests, Degraded: true}
}

// Len is the number of tracked buckets.
func (f *FallbackLimiter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buckets)
}

// Sweep drops buckets whose window has ended and returns how many went.
func (f *FallbackLimiter) Sweep() int {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, b := range f.buckets {
		if !now.Before(b.resetAt) {
			delete(f.buckets, k)
			n++
		}
	}
	return n
}

// Start runs Sweep on a ticker until ctx ends or Stop is called.
func (f *FallbackLimiter) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		t := time.NewTicker(f.sweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				f.Sweep()
			}
		}
	}()
}

// Stop ends the sweeper and waits for it. Safe to call more than once.
func (f *FallbackLimiter) Stop() {
	f.stopOnce.Do(func() {
		if f.cancel == nil {
			return
		}
		f.cancel()
		<-f.done
	})
}
