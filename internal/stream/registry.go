package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tempohq/tempo/internal/kvstore"
	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/xerrors"
)

const (
	countKeyPrefix = "stream:count:"
	countKeyTTL    = 24 * time.Hour
)

var ErrClosed = xerrors.E(xerrors.KindUnavailable, "stream registry is shut down")

// Event is the JSON body of one data frame.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type Metrics interface {
	SetActiveStreams(n int)
	IncStreamClosed(reason string)
	AddFramesDelivered(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetActiveStreams(int)   {}
func (noopMetrics) IncStreamClosed(string) {}
func (noopMetrics) AddFramesDelivered(int) {}

type Options struct {
	// Store mirrors per-subject counts. Nil keeps counts local only.
	Store   kvstore.Store
	Logger  log.Logger
	Metrics Metrics

	MaxAge        time.Duration // default 30m
	MaxConns      int           // global cap, <= 0 is unlimited
	SweepInterval time.Duration // default 60s
	Buffer        int           // per-connection frames, default 32
	Keepalive     time.Duration // SSE comment interval, default 25s

	Now   func() time.Time
	NewID func() string
}

type Registry struct {
	store   kvstore.Store
	logger  log.Logger
	metrics Metrics
	opts    Options

	mu       sync.Mutex
	subjects map[string]map[string]*Conn
	total    int
	closed   bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(opts Options) *Registry {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 25 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Registry{
		store:    opts.Store,
		logger:   log.OrNop(opts.Logger).With("component", "stream"),
		metrics:  opts.Metrics,
		opts:     opts,
		subjects: make(map[string]map[string]*Conn),
	}
}

func frame(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, xerrors.Wrapf(err, "encode %s event", ev.Type)
	}
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	return append(out, '\n', '\n'), nil
}

// Open registers a new connection for subject. Its first frame is the
// connection handshake. When the registry is at its cap the globally
// oldest connections are closed to make room.
func (r *Registry) Open(ctx context.Context, subject string) (*Conn, error) {
	now := r.opts.Now()
	c := &Conn{
		id:      r.opts.NewID(),
		subject: subject,
		created: now,
		frames:  make(chan []byte, r.opts.Buffer),
		done:    make(chan struct{}),
	}
	hello, err := frame(Event{
		Type:      "connection",
		Data:      map[string]string{"connectionId": c.id, "status": "connected"},
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	c.offer(hello)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	set := r.subjects[subject]
	if set == nil {
		set = make(map[string]*Conn)
		r.subjects[subject] = set
	}
	set[c.id] = c
	r.total++
	var evicted []*Conn
	if r.opts.MaxConns > 0 && r.total > r.opts.MaxConns {
		evicted = r.trimLocked(r.total-r.opts.MaxConns, c.id)
	}
	total := r.total
	r.mu.Unlock()

	r.metrics.SetActiveStreams(total)
	r.mirror(ctx, subject, 1)
	r.release(ctx, evicted, ReasonOverCapacity)
	r.logger.Debug(ctx, "stream opened", "subject", subject, "conn_id", c.id, "active", total)
	return c, nil
}

// Broadcast encodes ev once and queues it on every connection of subject.
// Connections that cannot take the frame are removed after the fan-out.
// It returns how many connections received the frame.
func (r *Registry) Broadcast(ctx context.Context, subject string, ev Event) (int, error) {
	if ev.Timestamp == 0 {
		ev.Timestamp = r.opts.Now().UnixMilli()
	}
	f, err := frame(ev)
	if err != nil {
		return 0, err
	}

	var dead []*Conn
	delivered := 0

	r.mu.Lock()
	for _, c := range r.subjects[subject] {
		if c.offer(f) {
			delivered++
		} else {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		r.unlinkLocked(c)
	}
	total := r.total
	r.mu.Unlock()

	r.metrics.AddFramesDelivered(delivered)
	if len(dead) > 0 {
		r.metrics.SetActiveStreams(total)
		r.logger.Warn(ctx, "dropping streams that could not keep up", "subject", subject, "dropped", len(dead))
		r.release(ctx, dead, ReasonSlowConsumer)
	}
	return delivered, nil
}

// Remove unregisters c. It reports false when c was already gone.
func (r *Registry) Remove(ctx context.Context, c *Conn, reason string) bool {
	r.mu.Lock()
	ok := r.unlinkLocked(c)
	total := r.total
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.metrics.SetActiveStreams(total)
	r.release(ctx, []*Conn{c}, reason)
	return true
}

// Sweep closes connections older than MaxAge, then trims to MaxConns
// oldest first. It returns how many connections it closed.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.opts.Now().Add(-r.opts.MaxAge)

	r.mu.Lock()
	var stale []*Conn
	for _, set := range r.subjects {
		for _, c := range set {
			if !c.created.After(cutoff) {
				stale = append(stale, c)
			}
		}
	}
	for _, c := range stale {
		r.unlinkLocked(c)
	}
	var over []*Conn
	if r.opts.MaxConns > 0 && r.total > r.opts.MaxConns {
		over = r.trimLocked(r.total-r.opts.MaxConns, "")
	}
	total := r.total
	r.mu.Unlock()

	r.metrics.SetActiveStreams(total)
	r.release(ctx, stale, ReasonMaxAge)
	r.release(ctx, over, ReasonOverCapacity)
	if n := len(stale) + len(over); n > 0 {
		r.logger.Info(ctx, "stream sweep", "max_age", len(stale), "over_capacity", len(over), "active", total)
		return n
	}
	return 0
}

// trimLocked unlinks the n oldest connections, never keep.
func (r *Registry) trimLocked(n int, keep string) []*Conn {
	all := make([]*Conn, 0, r.total)
	for _, set := range r.subjects {
		for _, c := range set {
			if c.id != keep {
				all = append(all, c)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].created.Equal(all[j].created) {
			return all[i].id < all[j].id
		}
		return all[i].created.Before(all[j].created)
	})
	if n > len(all) {
		n = len(all)
	}
	for _, c := range all[:n] {
		r.unlinkLocked(c)
	}
	return all[:n]
}

func (r *Registry) unlinkLocked(c *Conn) bool {
	set := r.subjects[c.subject]
	if _, ok := set[c.id]; !ok {
		return false
	}
	delete(set, c.id)
	if len(set) == 0 {
		delete(r.subjects, c.subject)
	}
	r.total--
	return true
}

// release closes already unlinked connections and updates the mirror.
func (r *Registry) release(ctx context.Context, conns []*Conn, reason string) {
	for _, c := range conns {
		if c.close(reason) {
			r.metrics.IncStreamClosed(reason)
		}
		r.mirror(ctx, c.subject, -1)
	}
}

func countKey(subject string) string { return countKeyPrefix + subject }

// mirror applies delta to the shared per-subject count. It runs on a
// context detached from cancellation: a disconnect cancels the request
// context but the decrement still has to land.
func (r *Registry) mirror(ctx context.Context, subject string, delta int) {
	if r.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	key := countKey(subject)
	var err error
	if delta > 0 {
		if _, err = r.store.Incr(ctx, key, countKeyTTL); err == nil {
			err = r.store.Expire(ctx, key, countKeyTTL)
		}
	} else {
		var n int64
		if n, err = r.store.Decr(ctx, key); err == nil && n <= 0 {
			_, err = r.store.Del(ctx, key)
		}
	}
	if err != nil {
		r.logger.Warn(ctx, "stream count mirror failed", "subject", subject, "delta", delta, "err", err)
	}
}

// Count is the number of local connections for subject.
func (r *Registry) Count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects[subject])
}

// Total is the number of local connections.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Counts returns local connections per subject.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.subjects))
	for s, set := range r.subjects {
		out[s] = len(set)
	}
	return out
}

// RemoteCount is the subject's connection count across all instances.
func (r *Registry) RemoteCount(ctx context.Context, subject string) (int64, error) {
	if r.store == nil {
		return int64(r.Count(subject)), nil
	}
	b, err := r.store.Get(ctx, countKey(subject))
	if errors.Is(err, kvstore.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, xerrors.Wrapf(err, "parse stream count for %s", subject)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Start runs Sweep every SweepInterval until ctx ends or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		t := time.NewTicker(r.opts.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the sweeper, closes every connection and refuses new ones.
// Safe to call more than once.
func (r *Registry) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}

		r.mu.Lock()
		r.closed = true
		var all []*Conn
		for _, set := range r.subjects {
			for _, c := range set {
				all = append(all, c)
			}
		}
		r.subjects = make(map[string]map[string]*Conn)
		r.total = 0
		r.mu.Unlock()

		r.metrics.SetActiveStreams(0)
		r.release(ctx, all, ReasonShutdown)
		r.logger.Info(ctx, "stream registry stopped", "closed", len(all))
	})
}
