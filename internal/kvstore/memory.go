package kvstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	str     []byte
	zset    map[string]float64
	expires time.Time
}

// maxOpenCursors bounds scans that were started and never finished.
// Resuming a cursor older than that ends the walk.
const maxOpenCursors = 1024

// Memory is an in-process Store. Expiry is evaluated lazily against its
// clock, so tests can move time with SetClock.
type Memory struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time
	fail error

	cursors    map[uint64]string
	lastCursor uint64
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]*memEntry), cursors: make(map[uint64]string), now: time.Now}
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Fail makes every subsequent call return err wrapped in ErrUnavailable.
// Fail(nil) heals the store.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fail != nil {
		return &unavailableError{err: m.fail}
	}
	return nil
}

// live returns the entry for key, dropping it if expired.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	e := m.live(key)
	if e == nil || e.str == nil {
		return nil, ErrNil
	}
	return append([]byte(nil), e.str...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.data[key] = &memEntry{str: append([]byte{}, value...), expires: m.expiry(ttl)}
	return nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if m.live(k) != nil {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return m.add(ctx, key, 1, ttl)
}

func (m *Memory) Decr(ctx context.Context, key string) (int64, error) {
	return m.add(ctx, key, -1, 0)
}

func (m *Memory) add(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	e := m.live(key)
	if e == nil {
		e = &memEntry{str: []byte("0"), expires: m.expiry(ttl)}
		m.data[key] = e
	}
	cur, err := strconv.ParseInt(string(e.str), 10, 64)
	if err != nil {
		return 0, err
	}
	cur += delta
	e.str = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.expire(key, ttl)
	return nil
}

func (m *Memory) expire(key string, ttl time.Duration) bool {
	e := m.live(key)
	if e == nil {
		return false
	}
	e.expires = m.expiry(ttl)
	return true
}

// Scan pages through live keys in lexical order. A cursor remembers the
// last key it returned, so keys deleted mid-scan never shift the walk.
func (m *Memory) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, 0, err
	}
	if count <= 0 {
		count = 10
	}
	after, resumed := "", false
	if cursor != 0 {
		if after, resumed = m.cursors[cursor]; !resumed {
			return nil, 0, nil
		}
		delete(m.cursors, cursor)
	}

	all := make([]string, 0, len(m.data))
	for k := range m.data {
		if m.live(k) != nil && (!resumed || k > after) {
			all = append(all, k)
		}
	}
	sort.Strings(all)

	page := all
	if int64(len(page)) > count {
		page = page[:count]
	}
	var keys []string
	for _, k := range page {
		if match == "" || matchGlob(match, k) {
			keys = append(keys, k)
		}
	}
	if len(page) == len(all) {
		return keys, 0, nil
	}
	m.lastCursor++
	m.cursors[m.lastCursor] = page[len(page)-1]
	if m.lastCursor > maxOpenCursors {
		delete(m.cursors, m.lastCursor-maxOpenCursors)
	}
	return keys, m.lastCursor, nil
}

func (m *Memory) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	lo, err := parseBound(min)
	if err != nil {
		return 0, err
	}
	hi, err := parseBound(max)
	if err != nil {
		return 0, err
	}
	e := m.live(key)
	if e == nil {
		return 0, nil
	}
	var n int64
	for _, s := range e.zset {
		if lo.aboveMin(s) && hi.belowMax(s) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Pipelined(ctx context.Context, fn func(Pipe)) error {
	p := &memPipe{}
	fn(p)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		for _, op := range p.ops {
			op.fail(err)
		}
		return err
	}
	for _, op := range p.ops {
		op.run(m)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx)
}

func (m *Memory) Close() error { return nil }

type memOp struct {
	run  func(*Memory)
	fail func(error)
}

type memPipe struct{ ops []memOp }

func (p *memPipe) intOp(r *IntReply, run func(*Memory) (int64, error)) *IntReply {
	p.ops = append(p.ops, memOp{
		run:  func(m *Memory) { r.val, r.err = run(m) },
		fail: func(err error) { r.err = err },
	})
	return r
}

func (p *memPipe) ZRemRangeByScore(key, min, max string) *IntReply {
	return p.intOp(&IntReply{}, func(m *Memory) (int64, error) {
		lo, err := parseBound(min)
		if err != nil {
			return 0, err
		}
		hi, err := parseBound(max)
		if err != nil {
			return 0, err
		}
		e := m.live(key)
		if e == nil {
			return 0, nil
		}
		var n int64
		for member, s := range e.zset {
			if lo.aboveMin(s) && hi.belowMax(s) {
				delete(e.zset, member)
				n++
			}
		}
		if len(e.zset) == 0 {
			delete(m.data, key)
		}
		return n, nil
	})
}

func (p *memPipe) ZCard(key string) *IntReply {
	return p.intOp(&IntReply{}, func(m *Memory) (int64, error) {
		if e := m.live(key); e != nil {
			return int64(len(e.zset)), nil
		}
		return 0, nil
	})
}

func (p *memPipe) ZAdd(key string, score float64, member string) *IntReply {
	return p.intOp(&IntReply{}, func(m *Memory) (int64, error) {
		e := m.live(key)
		if e == nil {
			e = &memEntry{zset: map[string]float64{}}
			m.data[key] = e
		}
		if e.zset == nil {
			e.zset = map[string]float64{}
		}
		_, existed := e.zset[member]
		e.zset[member] = score
		if existed {
			return 0, nil
		}
		return 1, nil
	})
}

func (p *memPipe) Expire(key string, ttl time.Duration) *BoolReply {
	r := &BoolReply{}
	p.ops = append(p.ops, memOp{
		run:  func(m *Memory) { r.val = m.expire(key, ttl) },
		fail: func(err error) { r.err = err },
	})
	return r
}

func (p *memPipe) Del(key string) *IntReply {
	return p.intOp(&IntReply{}, func(m *Memory) (int64, error) {
		if m.live(key) == nil {
			return 0, nil
		}
		delete(m.data, key)
		return 1, nil
	})
}

func (p *memPipe) Exists(key string) *IntReply {
	return p.intOp(&IntReply{}, func(m *Memory) (int64, error) {
		if m.live(key) == nil {
			return 0, nil
		}
		return 1, nil
	})
}
