package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"market-signal-engine/internal/interval"
	"market-signal-engine/internal/logging"
)

// dedupKey identifies one signal instance: the granularity at which the
// dispatcher collapses repeats within the dedup window.
type dedupKey struct {
	TraderID string
	Symbol   string
	Interval string
	OpenTime int64
}

func (k dedupKey) redisKey() string {
	return fmt.Sprintf("dedup:%s:%s:%s:%d", k.TraderID, k.Symbol, k.Interval, k.OpenTime)
}

// dedupStore answers "have we already emitted this signal within the
// window" with Redis as the shared primary store (so multiple engine
// instances agree) and an in-process LRU as a degraded fallback, grounded
// on the teacher's Redis circuit-breaker pattern: Redis failures are
// counted and the store trips to local-only mode rather than blocking
// signal emission on a down cache.
//
// window is the configured dedup window; zero means "default to the
// triggering event's own interval duration," so the fallback keeps one
// expirable LRU per interval (each sized to that interval's effective
// window) rather than a single cache with one fixed TTL.
type dedupStore struct {
	redisClient *redis.Client
	window      time.Duration
	log         *logging.Logger

	fallbackMu sync.Mutex
	fallback   map[string]*lru.LRU[string, struct{}] // interval -> fallback cache

	mu           sync.Mutex
	healthy      bool
	failureCount int
	maxFailures  int
}

func newDedupStore(redisClient *redis.Client, window time.Duration, log *logging.Logger) *dedupStore {
	return &dedupStore{
		redisClient: redisClient,
		window:      window,
		log:         log.Component("dedup_store"),
		fallback:    make(map[string]*lru.LRU[string, struct{}]),
		healthy:     redisClient != nil,
		maxFailures: 3,
	}
}

// effectiveWindow resolves the configured window, defaulting to the
// triggering interval's own duration when unset.
func (d *dedupStore) effectiveWindow(intervalStr string) time.Duration {
	if d.window > 0 {
		return d.window
	}
	if iv, err := interval.Parse(intervalStr); err == nil {
		return iv.Duration()
	}
	return time.Minute
}

// seenOrMark reports whether key was already emitted within the window; if
// not, it marks it as seen atomically (best-effort: a race between two
// dispatcher instances may rarely double-insert, which the persistence
// layer's upsert absorbs by incrementing count instead of erroring).
func (d *dedupStore) seenOrMark(ctx context.Context, key dedupKey) bool {
	window := d.effectiveWindow(key.Interval)

	if d.useRedis() {
		set, err := d.redisClient.SetNX(ctx, key.redisKey(), 1, window).Result()
		if err != nil {
			d.recordFailure(err)
		} else {
			d.recordSuccess()
			return !set
		}
	}

	rk := key.redisKey()
	fb := d.fallbackFor(key.Interval, window)
	if _, ok := fb.Get(rk); ok {
		return true
	}
	fb.Add(rk, struct{}{})
	return false
}

// fallbackFor returns the per-interval fallback LRU, creating it sized to
// window on first use.
func (d *dedupStore) fallbackFor(intervalStr string, window time.Duration) *lru.LRU[string, struct{}] {
	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()
	fb, ok := d.fallback[intervalStr]
	if !ok {
		fb = lru.NewLRU[string, struct{}](10_000, nil, window)
		d.fallback[intervalStr] = fb
	}
	return fb
}

func (d *dedupStore) useRedis() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.redisClient != nil && d.healthy
}

func (d *dedupStore) recordFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failureCount++
	if d.failureCount >= d.maxFailures && d.healthy {
		d.healthy = false
		d.log.Warn().Err(err).Msg("dedup store: Redis marked unhealthy, falling back to local LRU")
	}
}

func (d *dedupStore) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failureCount = 0
	d.healthy = true
}
