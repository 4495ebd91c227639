package respcache

import (
	"context"
	"errors"
	"strconv"

	"github.com/tempohq/tempo/internal/kvstore"
)

type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

func newStats(hits, misses int64) Stats {
	s := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *Cache) recordHit(ctx context.Context) {
	c.metrics.IncCacheResult(ResultHit)
	c.bump(ctx, hitsKey, &c.hits)
}

func (c *Cache) recordMiss(ctx context.Context) {
	c.metrics.IncCacheResult(ResultMiss)
	c.bump(ctx, missesKey, &c.misses)
}

// bump increments the shared counter and folds the result into the local
// mirror. The mirror only moves forward: it takes the remote total when
// that is ahead, and counts locally when the store is unreachable.
func (c *Cache) bump(ctx context.Context, key string, local *int64) {
	remote, err := c.store.Incr(ctx, key, 0)

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if err == nil && remote > *local {
		*local = remote
		return
	}
	*local++
}

// Stats is the local view; it never blocks on the store.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return newStats(c.hits, c.misses)
}

// RemoteStats reads the cross-instance totals.
func (c *Cache) RemoteStats(ctx context.Context) (Stats, error) {
	hits, err := c.readCounter(ctx, hitsKey)
	if err != nil {
		return Stats{}, err
	}
	misses, err := c.readCounter(ctx, missesKey)
	if err != nil {
		return Stats{}, err
	}
	return newStats(hits, misses), nil
}

func (c *Cache) readCounter(ctx context.Context, key string) (int64, error) {
	b, err := c.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(b), 10, 64)
}
