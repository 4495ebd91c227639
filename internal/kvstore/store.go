// Package kvstore is the remote key-value client shared by the rate
// limiter, the response cache and the connection registry.
//
// Two implementations exist: Redis talks to a Redis-protocol endpoint
// through a circuit breaker, Memory keeps everything in process and backs
// tests and single-instance development.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNil reports an absent key.
	ErrNil = errors.New("kvstore: nil")
	// ErrUnavailable reports that the store could not be reached or the
	// breaker is open. Callers are expected to degrade.
	ErrUnavailable = errors.New("kvstore: unavailable")
)

type Store interface {
	// Get returns ErrNil when key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl 0 keeps it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	// Incr increments key and applies ttl when the increment created it.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Scan walks keys matching a glob pattern. A returned cursor of 0 ends
	// the iteration.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	// ZCount counts sorted-set members with min <= score <= max. Bounds use
	// the Redis syntax: "-inf", "+inf", "(1.5" for exclusive.
	ZCount(ctx context.Context, key, min, max string) (int64, error)
	// Pipelined queues the commands issued on Pipe and executes them as
	// one atomic unit. Replies are readable after Pipelined returns.
	Pipelined(ctx context.Context, fn func(Pipe)) error
	Ping(ctx context.Context) error
	Close() error
}

// Pipe queues commands for atomic execution.
type Pipe interface {
	ZRemRangeByScore(key, min, max string) *IntReply
	ZCard(key string) *IntReply
	ZAdd(key string, score float64, member string) *IntReply
	Expire(key string, ttl time.Duration) *BoolReply
	Del(key string) *IntReply
	Exists(key string) *IntReply
}

type IntReply struct {
	val int64
	err error
}

func (r *IntReply) Val() int64             { return r.val }
func (r *IntReply) Err() error             { return r.err }
func (r *IntReply) Result() (int64, error) { return r.val, r.err }

type BoolReply struct {
	val bool
	err error
}

func (r *BoolReply) Val() bool  { return r.val }
func (r *BoolReply) Err() error { return r.err }

// IsUnavailable reports whether err means the store could not serve the call.
func IsUnavailable(err error) bool {
	return err != nil && !errors.Is(err, ErrNil)
}

type unavailableError struct{ err error }

func (e *unavailableError) Error() string   { return "kvstore: unavailable: " + e.err.Error() }
func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{err: err}
}
