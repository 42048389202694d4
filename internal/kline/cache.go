package kline

import (
	"sync"

	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/metrics"
)

// Key identifies one candle series: an uppercase symbol paired with an
// interval string.
type Key struct {
	Symbol   string
	Interval string
}

type series struct {
	mu       sync.RWMutex
	candles  []Kline // strictly increasing open-time, length <= capacity
	stepMS   int64   // interval duration in ms, used for append-vs-gap detection
}

// Cache is the bounded, per-key candle ring (C1). Single logical writer per
// key (the stream client); many concurrent readers. No read ever blocks
// behind another read — each key's RWMutex serializes only writes against
// reads of that same key.
type Cache struct {
	capacity int
	log      *logging.Logger

	mu   sync.RWMutex // protects the keys map itself, not individual series
	keys map[Key]*series
}

// New builds an empty cache with the given per-key capacity N_max.
func New(capacity int, log *logging.Logger) *Cache {
	if capacity <= 0 {
		capacity = 500
	}
	return &Cache{
		capacity: capacity,
		log:      log.Component("kline_cache"),
		keys:     make(map[Key]*series),
	}
}

func (c *Cache) seriesFor(key Key, stepMS int64) *series {
	c.mu.RLock()
	s, ok := c.keys[key]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.keys[key]; ok {
		return s
	}
	s = &series{stepMS: stepMS}
	c.keys[key] = s
	return s
}

// PutAll replaces the entire series for (symbol, interval) with candles,
// truncated to the last N_max entries. Used by the stream client's bootstrap
// fetch.
func (c *Cache) PutAll(symbol, interval string, stepMS int64, candles []Kline) {
	key := Key{Symbol: symbol, Interval: interval}
	s := c.seriesFor(key, stepMS)

	clean := make([]Kline, 0, len(candles))
	for _, k := range candles {
		if !k.Valid() {
			metrics.CacheRejections.WithLabelValues(symbol, interval, "malformed").Inc()
			continue
		}
		clean = append(clean, k)
	}
	if len(clean) > c.capacity {
		clean = clean[len(clean)-c.capacity:]
	}

	s.mu.Lock()
	s.candles = clean
	s.stepMS = stepMS
	s.mu.Unlock()
}

// AppendOrUpdate applies one freshly observed candle to the series, per the
// cache's append/replace/gap semantics: equal open-time replaces the tail,
// one step ahead appends (evicting the oldest past capacity), anything else
// is a gap (new tail accepted, history discarded) or a stale duplicate
// (ignored).
func (c *Cache) AppendOrUpdate(symbol, interval string, stepMS int64, candle Kline) {
	if !candle.Valid() {
		metrics.CacheRejections.WithLabelValues(symbol, interval, "malformed").Inc()
		c.log.Warn().Str("symbol", symbol).Str("interval", interval).Msg("rejected malformed candle")
		return
	}

	key := Key{Symbol: symbol, Interval: interval}
	s := c.seriesFor(key, stepMS)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepMS = stepMS

	if len(s.candles) == 0 {
		s.candles = append(s.candles, candle)
		return
	}

	last := s.candles[len(s.candles)-1]
	switch {
	case candle.OpenTimeMillis == last.OpenTimeMillis:
		s.candles[len(s.candles)-1] = candle
	case candle.OpenTimeMillis == last.OpenTimeMillis+stepMS:
		s.candles = append(s.candles, candle)
		if len(s.candles) > c.capacity {
			metrics.CacheEvictions.WithLabelValues(symbol, interval).Inc()
			s.candles = s.candles[len(s.candles)-c.capacity:]
		}
	case candle.OpenTimeMillis > last.OpenTimeMillis:
		metrics.CacheGaps.WithLabelValues(symbol, interval).Inc()
		c.log.Warn().Str("symbol", symbol).Str("interval", interval).
			Int64("last_open_time", last.OpenTimeMillis).Int64("new_open_time", candle.OpenTimeMillis).
			Msg("gap detected in candle sequence; discarding history before new tail")
		s.candles = []Kline{candle}
	default:
		// Earlier than the stored tail: stale duplicate, ignored.
	}
}

// Get returns an independent copy of the most recent min(limit, N_max)
// candles for (symbol, interval), oldest first. A missing key returns an
// empty slice, never an error.
func (c *Cache) Get(symbol, interval string, limit int) []Kline {
	c.mu.RLock()
	s, ok := c.keys[Key{Symbol: symbol, Interval: interval}]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.candles)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	out := make([]Kline, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}

// Has reports whether (symbol, interval) has any cached candles.
func (c *Cache) Has(symbol, interval string) bool {
	c.mu.RLock()
	s, ok := c.keys[Key{Symbol: symbol, Interval: interval}]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles) > 0
}

// Size returns the number of distinct (symbol, interval) keys held.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// Symbols returns the distinct set of symbols currently cached for interval.
func (c *Cache) Symbols(interval string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0)
	for k := range c.keys {
		if k.Interval == interval {
			out = append(out, k.Symbol)
		}
	}
	return out
}

// Snapshot builds the immutable per-symbol bundle C6 evaluates strategies
// against: the caller-supplied ticker plus ordered candles for every
// requested interval.
func (c *Cache) Snapshot(symbol string, intervals []string, ticker Ticker) Snapshot {
	snap := Snapshot{Symbol: symbol, Ticker: ticker, Klines: make(map[string][]Kline, len(intervals))}
	for _, iv := range intervals {
		snap.Klines[iv] = c.Get(symbol, iv, c.capacity)
	}
	return snap
}
