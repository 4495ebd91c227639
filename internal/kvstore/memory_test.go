package kvstore

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newMemory(t *testing.T) (*Memory, *clock) {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory()
	m.SetClock(c.now)
	return m, c
}

func TestMemory_GetSetTTL(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNil)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Second))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	c.advance(time.Second)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNil, "entry should expire at its deadline")

	require.NoError(t, m.Set(ctx, "forever", []byte("x"), 0))
	c.advance(24 * time.Hour)
	_, err = m.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemory_IncrDecr(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)

	n, err := m.Incr(ctx, "hits", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, _ = m.Incr(ctx, "hits", time.Minute)
	assert.EqualValues(t, 2, n)
	n, _ = m.Decr(ctx, "hits")
	assert.EqualValues(t, 1, n)

	c.advance(time.Minute)
	n, _ = m.Incr(ctx, "hits", 0)
	assert.EqualValues(t, 1, n, "ttl from first increment should have expired the counter")
}

func TestMemory_DelCountsLiveKeys(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("1"), 0))

	n, err := m.Del(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemory_ScanPagesAndMatches(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	for _, k := range []string{"cache:user:1:a", "cache:user:1:b", "cache:user:2:a", "other"} {
		require.NoError(t, m.Set(ctx, k, []byte("x"), 0))
	}

	var (
		found  []string
		cursor uint64
		pages  int
	)
	for {
		keys, next, err := m.Scan(ctx, cursor, "cache:user:1:*", 1)
		require.NoError(t, err)
		found = append(found, keys...)
		pages++
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(found)
	assert.Equal(t, []string{"cache:user:1:a", "cache:user:1:b"}, found)
	assert.Equal(t, 4, pages)
}

func TestMemory_AbandonedScansAreBounded(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Set(ctx, k, []byte("x"), 0))
	}

	var first uint64
	for i := 0; i < maxOpenCursors+50; i++ {
		_, next, err := m.Scan(ctx, 0, "*", 1)
		require.NoError(t, err)
		require.NotZero(t, next)
		if i == 0 {
			first = next
		}
	}
	assert.LessOrEqual(t, len(m.cursors), maxOpenCursors)

	keys, next, err := m.Scan(ctx, first, "*", 1)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Zero(t, next, "an evicted cursor ends the walk")
}

func TestMemory_ScanSurvivesDeletes(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, m.Set(ctx, k, []byte("x"), 0))
	}

	var (
		seen   []string
		cursor uint64
	)
	for {
		keys, next, err := m.Scan(ctx, cursor, "*", 2)
		require.NoError(t, err)
		seen = append(seen, keys...)
		_, err = m.Del(ctx, keys...)
		require.NoError(t, err)
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestMemory_PipelineSortedSet(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)

	var card *IntReply
	err := m.Pipelined(ctx, func(p Pipe) {
		p.ZAdd("z", 1, "a")
		p.ZAdd("z", 2, "b")
		p.ZAdd("z", 3, "c")
		p.ZRemRangeByScore("z", "-inf", Exclusive(2))
		card = p.ZCard("z")
		p.Expire("z", time.Minute)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, card.Val())

	n, err := m.ZCount(ctx, "z", "(2", "+inf")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMemory_FailMakesEverythingUnavailable(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	m.Fail(errors.New("connection refused"))

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsUnavailable(err))

	var card *IntReply
	err = m.Pipelined(ctx, func(p Pipe) { card = p.ZCard("z") })
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, card.Err(), ErrUnavailable)

	m.Fail(nil)
	assert.NoError(t, m.Ping(ctx))
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, _ := newMemory(t)
	assert.ErrorIs(t, m.Set(ctx, "k", nil, 0), context.Canceled)
}

func TestParseBound(t *testing.T) {
	b, err := parseBound("(10")
	require.NoError(t, err)
	assert.True(t, b.excl)
	assert.False(t, b.aboveMin(10))
	assert.True(t, b.aboveMin(10.5))

	_, err = parseBound("ten")
	assert.Error(t, err)
	assert.Equal(t, "1700000000123", FormatScore(1700000000123))
}
