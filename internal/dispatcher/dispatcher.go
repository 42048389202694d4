// Package dispatcher implements the signal dispatcher (C7): on every candle
// open it resolves the traders that care about that interval, evaluates
// them against the current kline cache through the sandbox executor,
// deduplicates matches, and persists the resulting signals.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"market-signal-engine/internal/eventbus"
	"market-signal-engine/internal/kline"
	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/metrics"
	"market-signal-engine/internal/persistence"
	"market-signal-engine/internal/sandbox"
)

// TraderSource is the subset of the trader registry the dispatcher depends
// on, kept narrow so tests can substitute a fake without pulling in the
// sandbox and persistence machinery the real registry needs.
type TraderSource interface {
	ListActive() []TraderView
	ReportError(id string, cause error, now time.Time)
}

// TraderView is the read-only slice of a trader the dispatcher needs: its
// identity, the timeframes it runs on, and its compiled filter.
type TraderView struct {
	ID                 string
	RequiredTimeframes []string
	Filter             *sandbox.CompiledFilter
}

// Dispatcher is the signal dispatcher (C7).
type Dispatcher struct {
	cache    *kline.Cache
	traders  TraderSource
	sandbox  *sandbox.Executor
	store    persistence.Store
	bus      *eventbus.Bus
	log      *logging.Logger
	dedup    *dedupStore

	queueSize int
	queues    map[string]chan eventbus.CandleOpenEvent // one bounded queue per interval
	queuesMu  sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a dispatcher. redisClient may be nil, in which case the dedup
// store runs local-only from the start.
func New(cache *kline.Cache, traders TraderSource, sbx *sandbox.Executor, store persistence.Store, bus *eventbus.Bus, redisClient *redis.Client, dedupWindow time.Duration, queueSize int, log *logging.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	l := log.Component("dispatcher")
	return &Dispatcher{
		cache:     cache,
		traders:   traders,
		sandbox:   sbx,
		store:     store,
		bus:       bus,
		log:       l,
		dedup:     newDedupStore(redisClient, dedupWindow, l),
		queueSize: queueSize,
		queues:    make(map[string]chan eventbus.CandleOpenEvent),
	}
}

// Start subscribes to candle-open events and begins processing them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.stopCh = make(chan struct{})
	ch := d.bus.Subscribe(eventbus.KindCandleOpen)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				d.enqueue(ctx, evt.Candle)
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop signals the dispatcher to exit and waits for in-flight work to drain.
func (d *Dispatcher) Stop() {
	if d.stopCh != nil {
		close(d.stopCh)
	}
	d.wg.Wait()
}

// enqueue routes the event onto its interval's bounded queue, shedding the
// oldest pending event for that interval if the queue is already full —
// the dispatcher's backpressure policy when the sandbox is saturated.
func (d *Dispatcher) enqueue(ctx context.Context, event eventbus.CandleOpenEvent) {
	q := d.queueFor(ctx, event.Interval)

	select {
	case q <- event:
		return
	default:
	}

	select {
	case <-q:
		metrics.DispatcherShed.WithLabelValues(event.Interval).Inc()
		d.log.Warn().Str("interval", event.Interval).Msg("backpressure: dropped oldest queued candle-open event")
	default:
	}
	select {
	case q <- event:
	default:
	}
}

func (d *Dispatcher) queueFor(ctx context.Context, interval string) chan eventbus.CandleOpenEvent {
	d.queuesMu.Lock()
	q, ok := d.queues[interval]
	if !ok {
		q = make(chan eventbus.CandleOpenEvent, d.queueSize)
		d.queues[interval] = q
		d.wg.Add(1)
		go d.processQueue(ctx, interval, q)
	}
	d.queuesMu.Unlock()
	return q
}

// processQueue drains one interval's queue in open_time order, guaranteeing
// the per-(trader,symbol,interval) ordering the dispatcher contract
// requires; queues across intervals run independently and give no
// cross-interval ordering guarantee.
func (d *Dispatcher) processQueue(ctx context.Context, interval string, q chan eventbus.CandleOpenEvent) {
	defer d.wg.Done()
	for {
		select {
		case evt, ok := <-q:
			if !ok {
				return
			}
			d.handleCandleOpen(ctx, evt)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) handleCandleOpen(ctx context.Context, event eventbus.CandleOpenEvent) {
	matching := d.tradersFor(event.Interval)
	if len(matching) == 0 {
		return
	}

	symbols := d.cache.Symbols(event.Interval)
	if len(symbols) == 0 {
		return
	}

	var batch []persistence.SignalRecord
	for _, t := range matching {
		snapshots := make([]kline.Snapshot, 0, len(symbols))
		for _, sym := range symbols {
			snapshots = append(snapshots, d.cache.Snapshot(sym, t.RequiredTimeframes, kline.Ticker{}))
		}

		results := d.sandbox.ExecuteBatch(ctx, t.ID, t.Filter, snapshots)
		for sym, match := range results {
			if !match {
				continue
			}
			sig := d.buildSignal(t.ID, sym, event)
			if d.dedup.seenOrMark(ctx, dedupKey{TraderID: t.ID, Symbol: sym, Interval: event.Interval, OpenTime: event.OpenTime.UnixMilli()}) {
				metrics.DispatcherDedupHits.Inc()
				sig.Count = 2 // the store's upsert increments the persisted row; locally we just note a repeat
			}
			batch = append(batch, sig)
		}
	}

	if len(batch) == 0 {
		return
	}
	d.writeBatch(ctx, batch)
}

func (d *Dispatcher) tradersFor(interval string) []TraderView {
	all := d.traders.ListActive()
	out := make([]TraderView, 0, len(all))
	for _, t := range all {
		for _, tf := range t.RequiredTimeframes {
			if tf == interval {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func (d *Dispatcher) buildSignal(traderID, symbol string, event eventbus.CandleOpenEvent) persistence.SignalRecord {
	candles := d.cache.Get(symbol, event.Interval, 1)

	var price, volume, changePercent float64
	if len(candles) > 0 {
		c := candles[len(candles)-1]
		price = c.Close
		volume = c.Volume
		if c.Open != 0 {
			changePercent = (c.Close - c.Open) / c.Open * 100
		}
	}

	return persistence.SignalRecord{
		ID:             uuid.New().String(),
		TraderID:       traderID,
		Symbol:         symbol,
		Interval:       event.Interval,
		Timestamp:      event.OpenTime,
		PriceAtSignal:  price,
		ChangePercent:  changePercent,
		VolumeAtSignal: volume,
		Count:          1,
		Source:         "cloud",
	}
}

// writeBatch persists the batch with a single retry on full failure; a
// second failure is logged and the batch is dropped rather than retried
// indefinitely.
func (d *Dispatcher) writeBatch(ctx context.Context, batch []persistence.SignalRecord) {
	if err := d.store.InsertSignals(ctx, batch); err != nil {
		metrics.DispatcherBatchRetries.Inc()
		d.log.Warn().Err(err).Int("count", len(batch)).Msg("signal batch write failed, retrying once")
		if err := d.store.InsertSignals(ctx, batch); err != nil {
			metrics.DispatcherBatchDrops.Inc()
			d.log.Error().Err(err).Int("count", len(batch)).Msg("signal batch write failed twice, dropping batch")
		}
	}
}
