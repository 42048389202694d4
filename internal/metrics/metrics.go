// Package metrics defines the Prometheus instrumentation surfaced by every
// component, per the ambient-stack requirement that failure/drop/shed/evict/
// timeout/panic events are observable beyond logs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CacheEvictions counts kline cache evictions, labeled by symbol/interval.
	CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "kline_cache",
		Name:      "evictions_total",
		Help:      "Candles evicted from the kline cache due to capacity.",
	}, []string{"symbol", "interval"})

	// CacheGaps counts detected gaps in the candle sequence.
	CacheGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "kline_cache",
		Name:      "gaps_total",
		Help:      "Gaps detected between consecutive candles for a key.",
	}, []string{"symbol", "interval"})

	// CacheRejections counts malformed candles rejected at the cache boundary.
	CacheRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "kline_cache",
		Name:      "rejections_total",
		Help:      "Candles rejected by the kline cache as malformed.",
	}, []string{"symbol", "interval", "reason"})

	// StreamReconnects counts stream client reconnect attempts.
	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "stream_client",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts made by the upstream stream client.",
	})

	// StreamParseErrors counts dropped, unparseable frames.
	StreamParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "stream_client",
		Name:      "parse_errors_total",
		Help:      "Frames dropped by the stream client due to parse failures.",
	})

	// StreamHealthy reports 1 when the stream client considers itself healthy.
	StreamHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Subsystem: "stream_client",
		Name:      "healthy",
		Help:      "1 if the stream client is connected and healthy, else 0.",
	})

	// EventBusDrops counts dropped events per event kind.
	EventBusDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "event_bus",
		Name:      "drops_total",
		Help:      "Events dropped due to a full subscriber buffer.",
	}, []string{"kind"})

	// SchedulerCatchups counts single-catch-up emissions after a missed boundary.
	SchedulerCatchups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "scheduler",
		Name:      "catchups_total",
		Help:      "Catch-up CandleOpenEvents emitted for a missed boundary.",
	}, []string{"interval"})

	// SandboxTimeouts counts strategy executions that hit the wall-clock deadline.
	SandboxTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "sandbox",
		Name:      "timeouts_total",
		Help:      "Strategy evaluations that exceeded their timeout.",
	}, []string{"trader_id"})

	// SandboxPanics counts strategy executions that panicked.
	SandboxPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "sandbox",
		Name:      "panics_total",
		Help:      "Strategy evaluations that panicked and were contained.",
	}, []string{"trader_id"})

	// TraderQuarantines counts traders auto-quarantined by the registry.
	TraderQuarantines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "registry",
		Name:      "quarantines_total",
		Help:      "Traders transitioned to error state by auto-quarantine.",
	})

	// DispatcherShed counts pending events dropped by backpressure shedding.
	DispatcherShed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "dispatcher",
		Name:      "shed_total",
		Help:      "Pending evaluation events dropped due to queue backpressure.",
	}, []string{"interval"})

	// DispatcherDedupHits counts signals collapsed into an existing dedup row.
	DispatcherDedupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "dispatcher",
		Name:      "dedup_hits_total",
		Help:      "Signals that matched an existing dedup key (count incremented, no new row).",
	})

	// DispatcherBatchRetries counts persistence batch-write retries.
	DispatcherBatchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "dispatcher",
		Name:      "batch_retries_total",
		Help:      "Batch signal writes retried after an initial failure.",
	})

	// DispatcherBatchDrops counts batches dropped after retry exhaustion.
	DispatcherBatchDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "dispatcher",
		Name:      "batch_drops_total",
		Help:      "Signal batches dropped after a retry also failed.",
	})
)

func init() {
	prometheus.MustRegister(
		CacheEvictions, CacheGaps, CacheRejections,
		StreamReconnects, StreamParseErrors, StreamHealthy,
		EventBusDrops, SchedulerCatchups,
		SandboxTimeouts, SandboxPanics,
		TraderQuarantines,
		DispatcherShed, DispatcherDedupHits, DispatcherBatchRetries, DispatcherBatchDrops,
	)
}
