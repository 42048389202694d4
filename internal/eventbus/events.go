// Package eventbus implements the in-process publish/subscribe fabric (C3)
// that connects the stream client, candle scheduler, trader registry, and
// signal dispatcher without any package-level global state: every publisher
// and subscriber holds an explicit reference to a *Bus handed to it at
// construction.
package eventbus

import (
	"time"

	"market-signal-engine/internal/kline"
)

// Kind distinguishes the three event shapes the bus carries. Ordering is
// only guaranteed within a (Kind, subscriber) pair, never across kinds.
type Kind string

const (
	KindCandleOpen       Kind = "candle_open"
	KindKlineClose       Kind = "kline_close"
	KindTraderLifecycle  Kind = "trader_lifecycle"
)

// CandleOpenEvent announces that a new candle has opened for interval,
// emitted once per boundary crossing by the scheduler (C4).
type CandleOpenEvent struct {
	Interval string
	OpenTime time.Time
}

// KlineCloseEvent announces that the stream client (C2) observed a closed
// candle for (symbol, interval), carrying the closed candle itself.
type KlineCloseEvent struct {
	Symbol     string
	Interval   string
	Kline      kline.Kline
	ObservedAt time.Time
}

// LifecycleKind enumerates the trader state transitions the registry (C5)
// reports on the bus.
type LifecycleKind string

const (
	LifecycleLoaded   LifecycleKind = "loaded"
	LifecycleReloaded LifecycleKind = "reloaded"
	LifecycleStarted  LifecycleKind = "started"
	LifecycleStopped  LifecycleKind = "stopped"
	LifecycleErrored  LifecycleKind = "errored"
	LifecycleDeleted  LifecycleKind = "deleted"
)

// TraderLifecycleEvent announces a trader state-machine transition.
type TraderLifecycleEvent struct {
	TraderID string
	Kind     LifecycleKind
	At       time.Time
}

// Event is the envelope delivered to subscribers. Exactly one of the payload
// fields is set, matching Kind.
type Event struct {
	Kind      Kind
	Candle    CandleOpenEvent
	Kline     KlineCloseEvent
	Lifecycle TraderLifecycleEvent
}
