// Package persistence defines the engine's storage boundary: the trader
// registry reads trader definitions through it, the dispatcher writes
// signals through it, and a Postgres-backed implementation is provided in
// postgres.go.
package persistence

import (
	"context"
	"time"
)

// TraderRecord is a trader definition as stored by persistence. Owner is
// empty for built-in traders (decoded from a SQL NULL column).
type TraderRecord struct {
	ID                 string
	Owner              string
	Name               string
	Description        string
	Enabled            bool
	FilterCode         string
	RequiredTimeframes []string
	SeriesCode         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SignalRecord is one generated trading signal, matching the wire/storage
// shape named in the engine's external interface: a dedup key of
// (TraderID, Symbol, Interval, Timestamp).
type SignalRecord struct {
	ID               string
	TraderID         string
	Symbol           string
	Interval         string
	Timestamp        time.Time
	PriceAtSignal    float64
	ChangePercent    float64
	VolumeAtSignal   float64
	Count            int
	Source           string // "cloud" or "local"
}

// Store is the persistence boundary the registry and dispatcher depend on.
// Implementations must make InsertSignals safe to retry: a duplicate
// (trader_id, symbol, interval, timestamp) key is an upsert that increments
// Count rather than erroring.
type Store interface {
	ListActiveTraders(ctx context.Context) ([]TraderRecord, error)
	GetTrader(ctx context.Context, id string) (*TraderRecord, error)
	InsertSignal(ctx context.Context, signal SignalRecord) error
	InsertSignals(ctx context.Context, signals []SignalRecord) error
	HealthCheck(ctx context.Context) error
	Close()
}
