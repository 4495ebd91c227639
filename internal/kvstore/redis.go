package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/xerrors"
)

// Metrics receives store call failures.
type Metrics interface {
	IncStoreError(op string)
}

type noopMetrics struct{}

func (noopMetrics) IncStoreError(string) {}

type RedisOptions struct {
	// URL is redis://[user[:password]@]host:port[/db]; rediss:// for TLS.
	URL string
	// Token, when set, replaces the password from URL.
	Token string
	// Timeout bounds each call.
	Timeout time.Duration

	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Logger  log.Logger
	Metrics Metrics
}

// Redis is a Store backed by go-redis. Every call runs through a circuit
// breaker so an unreachable store fails fast instead of stacking timeouts
// on the request path.
type Redis struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	tracer  trace.Tracer
	logger  log.Logger
	metrics Metrics
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kv url")
	}
	if opts.Token != "" {
		ro.Password = opts.Token
	}
	if opts.Timeout > 0 {
		ro.DialTimeout = opts.Timeout
		ro.ReadTimeout = opts.Timeout
		ro.WriteTimeout = opts.Timeout
	}
	return NewRedisFromClient(redis.NewClient(ro), opts), nil
}

// NewRedisFromClient wraps an existing client; tests pass a redismock client.
func NewRedisFromClient(c redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	r := &Redis{
		client:  c,
		timeout: opts.Timeout,
		tracer:  otel.Tracer("github.com/tempohq/tempo/internal/kvstore"),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kvstore",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn(context.Background(), "kv store breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return r
}

// do runs fn under the breaker, a timeout and a span.
func (r *Redis) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "kv."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", op)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (any, error) { return nil, fn(ctx) })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNil
	}
	r.metrics.IncStoreError(op)
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	return Unavailable(err)
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get", func(ctx context.Context) error {
		b, err := r.client.Get(ctx, key).Bytes()
		out = b
		return err
	})
	return out, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.do(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := r.do(ctx, "del", func(ctx context.Context) error {
		var err error
		n, err = r.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// Incr sends INCR and EXPIRE NX in one transaction, so a key created by
// the increment always carries ttl. EXPIRE NX needs Redis 7 or later.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := r.do(ctx, "incr", func(ctx context.Context) error {
		var incr *redis.IntCmd
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			incr = p.Incr(ctx, key)
			if ttl > 0 {
				p.ExpireNX(ctx, key, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		n = incr.Val()
		return nil
	})
	return n, err
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.do(ctx, "decr", func(ctx context.Context) error {
		var err error
		n, err = r.client.Decr(ctx, key).Result()
		return err
	})
	return n, err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.do(ctx, "expire", func(ctx context.Context) error {
		return r.client.Expire(ctx, key, ttl).Err()
	})
}

func (r *Redis) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	var (
		keys []string
		next uint64
	)
	err := r.do(ctx, "scan", func(ctx context.Context) error {
		var err error
		keys, next, err = r.client.Scan(ctx, cursor, match, count).Result()
		return err
	})
	return keys, next, err
}

func (r *Redis) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	var n int64
	err := r.do(ctx, "zcount", func(ctx context.Context) error {
		var err error
		n, err = r.client.ZCount(ctx, key, min, max).Result()
		return err
	})
	return n, err
}

func (r *Redis) Pipelined(ctx context.Context, fn func(Pipe)) error {
	var p *redisPipe
	err := r.do(ctx, "pipeline", func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			p = &redisPipe{ctx: ctx, p: pipe}
			fn(p)
			return nil
		})
		return err
	})
	if p != nil {
		p.resolve(err)
	}
	return err
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

func (r *Redis) Close() error { return r.client.Close() }

type redisPipe struct {
	ctx      context.Context
	p        redis.Pipeliner
	resolves []func(error)
}

func (rp *redisPipe) intCmd(cmd *redis.IntCmd) *IntReply {
	out := &IntReply{}
	rp.resolves = append(rp.resolves, func(execErr error) {
		if execErr != nil && cmd.Err() == nil {
			out.err = execErr
			return
		}
		out.val, out.err = cmd.Result()
	})
	return out
}

// resolve copies command results into the replies handed out to callers.
func (rp *redisPipe) resolve(execErr error) {
	for _, f := range rp.resolves {
		f(execErr)
	}
}

func (rp *redisPipe) ZRemRangeByScore(key, min, max string) *IntReply {
	return rp.intCmd(rp.p.ZRemRangeByScore(rp.ctx, key, min, max))
}

func (rp *redisPipe) ZCard(key string) *IntReply {
	return rp.intCmd(rp.p.ZCard(rp.ctx, key))
}

func (rp *redisPipe) ZAdd(key string, score float64, member string) *IntReply {
	return rp.intCmd(rp.p.ZAdd(rp.ctx, key, redis.Z{Score: score, Member: member}))
}

func (rp *redisPipe) Expire(key string, ttl time.Duration) *BoolReply {
	cmd := rp.p.Expire(rp.ctx, key, ttl)
	out := &BoolReply{}
	rp.resolves = append(rp.resolves, func(execErr error) {
		if execErr != nil && cmd.Err() == nil {
			out.err = execErr
			return
		}
		out.val, out.err = cmd.Result()
	})
	return out
}

func (rp *redisPipe) Del(key string) *IntReply {
	return rp.intCmd(rp.p.Del(rp.ctx, key))
}

func (rp *redisPipe) Exists(key string) *IntReply {
	return rp.intCmd(rp.p.Exists(rp.ctx, key))
}
