package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fbCfg = Config{Window: time.Minute, MaxRequests: 3, KeyPrefix: "t"}

func TestFallback_FixedWindow(t *testing.T) {
	c := newClock()
	f := NewFallback(WithFallbackClock(c.Now))

	for i := 1; i <= 3; i++ {
		res := f.Check("k", fbCfg)
		require.True(t, res.Allowed)
		require.Equal(t, 3-i, res.Remaining)
	}
	res := f.Check("k", fbCfg)
	assert.False(t, res.Allowed)
	assert.Equal(t, c.Now().Add(time.Minute), res.ResetAt)
}

func TestFallback_CountCappedAtOneOverLimit(t *testing.T) {
	c := newClock()
	f := NewFallback(WithFallbackClock(c.Now))
	for i := 0; i < 50; i++ {
		f.Check("k", fbCfg)
	}
	assert.Equal(t, fbCfg.MaxRequests+1, f.buckets["k"].count)
}

// A fixed window admits one request more than the quota over a closed
// interval of one window length: MaxRequests inside the first window and
// one more at the exact instant the next window opens.
func TestFallback_BoundarySlack(t *testing.T) {
	c := newClock()
	f := NewFallback(WithFallbackClock(c.Now))
	start := c.Now()

	allowed := 0
	for i := 0; i < 10; i++ {
		if f.Check("k", fbCfg).Allowed {
			allowed++
		}
	}
	require.Equal(t, fbCfg.MaxRequests, allowed)

	c.Advance(fbCfg.Window)
	require.Equal(t, start.Add(fbCfg.Window), c.Now())
	if f.Check("k", fbCfg).Allowed {
		allowed++
	}
	assert.Equal(t, fbCfg.MaxRequests+1, allowed, "closed interval [start, start+window] sees quota+1")

	for i := 0; i < 10; i++ {
		f.Check("k", fbCfg)
	}
	assert.LessOrEqual(t, f.buckets["k"].count, fbCfg.MaxRequests+1)
}

func TestFallback_BlockPeekClear(t *testing.T) {
	c := newClock()
	f := NewFallback(WithFallbackClock(c.Now))

	f.Block("k", fbCfg, 10*time.Minute)
	st := f.Peek("k", fbCfg)
	assert.True(t, st.Blocked)
	assert.Equal(t, 0, st.Remaining)
	assert.False(t, f.Check("k", fbCfg).Allowed)

	c.Advance(5 * time.Minute)
	assert.False(t, f.Check("k", fbCfg).Allowed, "block spans multiple windows")

	f.Clear("k")
	assert.True(t, f.Check("k", fbCfg).Allowed)
	assert.Equal(t, 2, f.Peek("k", fbCfg).Remaining)
}

func TestFallback_Sweep(t *testing.T) {
	c := newClock()
	f := NewFallback(WithFallbackClock(c.Now))
	f.Check("a", fbCfg)
	f.Check("b", Config{Window: time.Hour, MaxRequests: 1})

	c.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.Sweep())
	assert.Equal(t, 1, f.Len())
}

func TestFallback_StartStop(t *testing.T) {
	c := newClock()
	f := NewFallback(WithFallbackClock(c.Now), WithSweepInterval(5*time.Millisecond))
	f.Check("a", fbCfg)
	c.Advance(2 * time.Minute)

	f.Start(context.Background())
	assert.Eventually(t, func() bool { return f.Len() == 0 }, time.Second, 5*time.Millisecond)
	f.Stop()
	f.Stop()
}

func TestFallback_StopWithoutStart(t *testing.T) {
	NewFallback().Stop()
}
