// Package trader implements the trader registry (C5): compiles and tracks
// the set of active traders, exposing a read-optimized, copy-on-write view
// to the dispatcher (C7) while writes (load/reload/start/stop/delete) stay
// rare and serialized under a write lock.
package trader

import (
	"time"

	"market-signal-engine/internal/sandbox"
)

// State is a node in the trader's compilation/run state machine:
// uncompiled -> compiling -> {ready, error}; ready <-> stopped via
// Start/Stop; deletion removes the trader from the registry entirely.
type State string

const (
	StateUncompiled State = "uncompiled"
	StateCompiling  State = "compiling"
	StateReady      State = "ready"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// Filter is the trader-authored strategy: sandboxed code plus the
// timeframes it needs data for.
type Filter struct {
	Code                string
	RequiredTimeframes  []string
	SeriesCode          string // optional multi-series companion code, empty if unused
}

// Trader is one registered strategy. Owner == "" means a built-in trader
// (decoded from a SQL NULL owner column), per the registry's ownership
// convention.
type Trader struct {
	ID          string
	Owner       string
	Name        string
	Description string
	Enabled     bool
	Filter      Filter

	CreatedAt time.Time
	UpdatedAt time.Time

	State             State
	LastError         string
	ErrorCountWindow  []time.Time // timestamps of recent sandbox errors, pruned to the error window

	compiled *sandbox.CompiledFilter
}

// RequiresInterval reports whether this trader should evaluate on candle
// opens for the given interval.
func (t *Trader) RequiresInterval(interval string) bool {
	for _, tf := range t.Filter.RequiredTimeframes {
		if tf == interval {
			return true
		}
	}
	return false
}

// clone returns a deep-enough copy for the registry's copy-on-write table:
// safe for a reader to hold onto while a writer replaces the table.
func (t *Trader) clone() *Trader {
	cp := *t
	cp.Filter.RequiredTimeframes = append([]string(nil), t.Filter.RequiredTimeframes...)
	cp.ErrorCountWindow = append([]time.Time(nil), t.ErrorCountWindow...)
	return &cp
}
