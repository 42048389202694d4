// Package sandbox implements the dynamic strategy executor (C6): trader
// filter code is compiled and run by an embedded Go interpreter restricted
// to a fixed, whitelisted symbol table, with a wall-clock deadline, panic
// containment, and a process-wide concurrency cap.
package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"golang.org/x/sync/semaphore"

	"market-signal-engine/internal/kline"
	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/metrics"
)

const (
	singleSymbolTimeout = 1 * time.Second
	batchTimeout        = 5 * time.Second
	filterFuncName      = "Evaluate"
)

// CompiledFilter is trader code that has passed compilation against the
// restricted symbol table and is ready to be invoked per-symbol.
type CompiledFilter struct {
	fn func(kline.Snapshot) bool
}

// Executor runs compiled filters against per-symbol snapshots. A single
// Executor is shared process-wide; its semaphore bounds how many filter
// invocations run concurrently regardless of how many traders or symbols
// are in flight.
type Executor struct {
	sem *semaphore.Weighted
	log *logging.Logger
}

// New builds an Executor that allows at most concurrency simultaneous filter
// invocations.
func New(concurrency int, log *logging.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Executor{
		sem: semaphore.NewWeighted(int64(concurrency)),
		log: log.Component("sandbox"),
	}
}

// Compile interprets code in a fresh, restricted interpreter instance and
// extracts its Evaluate function. Trader code is a "package main" source
// file that imports "strategy" (the whitelisted symbol table below) and
// defines:
//
//	func Evaluate(snapshot strategy.Snapshot) bool
//
// using only the whitelisted helpers this package exposes.
func (e *Executor) Compile(code string) (*CompiledFilter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(whitelistSymbols()); err != nil {
		return nil, fmt.Errorf("sandbox: installing whitelist: %w", err)
	}

	if _, err := i.Eval(code); err != nil {
		return nil, fmt.Errorf("sandbox: compile: %w", err)
	}

	v, err := i.Eval("main.Evaluate")
	if err != nil {
		return nil, fmt.Errorf("sandbox: filter code must define func Evaluate(snapshot strategy.Snapshot) bool: %w", err)
	}

	fn, ok := v.Interface().(func(kline.Snapshot) bool)
	if !ok {
		return nil, fmt.Errorf("sandbox: Evaluate has the wrong signature, expected func(strategy.Snapshot) bool")
	}

	return &CompiledFilter{fn: fn}, nil
}

// Execute runs filter against snapshot for one symbol under a 1s wall-clock
// deadline. A timeout or panic is contained: it yields match=false together
// with an error describing the failure.
func (e *Executor) Execute(ctx context.Context, traderID string, filter *CompiledFilter, snapshot kline.Snapshot) (bool, error) {
	return e.run(ctx, traderID, filter, snapshot, singleSymbolTimeout)
}

// ExecuteBatch runs filter against every snapshot concurrently, bounded by
// the shared semaphore, under the overall 5s batch wall-clock deadline; each
// individual symbol still gets only the 1s single-symbol deadline, so a
// strategy that blocks on one symbol is marked no-match for that symbol
// without consuming the rest of the batch's budget.
func (e *Executor) ExecuteBatch(ctx context.Context, traderID string, filter *CompiledFilter, snapshots []kline.Snapshot) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	results := make(map[string]bool, len(snapshots))
	resultCh := make(chan struct {
		symbol string
		match  bool
	}, len(snapshots))

	for _, snap := range snapshots {
		snap := snap
		go func() {
			match, err := e.run(ctx, traderID, filter, snap, singleSymbolTimeout)
			if err != nil {
				match = false
			}
			resultCh <- struct {
				symbol string
				match  bool
			}{snap.Symbol, match}
		}()
	}

	for range snapshots {
		r := <-resultCh
		results[r.symbol] = r.match
	}
	return results
}

// run acquires a semaphore slot, then evaluates filter in a goroutine so a
// timeout can be enforced even against code that never yields.
func (e *Executor) run(ctx context.Context, traderID string, filter *CompiledFilter, snapshot kline.Snapshot, timeout time.Duration) (bool, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer e.sem.Release(1)

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		match bool
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.SandboxPanics.WithLabelValues(traderID).Inc()
				e.log.Error().Str("trader_id", traderID).Str("symbol", snapshot.Symbol).
					Interface("panic", r).Msg("strategy panicked, treating as no-match")
				done <- outcome{match: false, err: fmt.Errorf("sandbox: strategy panicked: %v", r)}
			}
		}()
		done <- outcome{match: filter.fn(snapshot)}
	}()

	select {
	case o := <-done:
		return o.match, o.err
	case <-deadline.Done():
		metrics.SandboxTimeouts.WithLabelValues(traderID).Inc()
		e.log.Warn().Str("trader_id", traderID).Str("symbol", snapshot.Symbol).
			Dur("timeout", timeout).Msg("strategy evaluation exceeded its deadline, treating as no-match")
		return false, deadline.Err()
	}
}

// whitelistSymbols builds the restricted symbol table exposed to trader
// code: the candle/snapshot types plus the pure indicator helpers in this
// package, under the package name "strategy" as trader code sees it. No
// other import is installed, so trader code cannot import filesystem,
// network, clock, or reflection packages. The language's own go statement
// is not restricted.
func whitelistSymbols() interp.Exports {
	return interp.Exports{
		"strategy/strategy": map[string]reflect.Value{
			"Snapshot": reflect.ValueOf((*kline.Snapshot)(nil)),
			"Kline":    reflect.ValueOf((*kline.Kline)(nil)),
			"Ticker":   reflect.ValueOf((*kline.Ticker)(nil)),

			"SMA":               reflect.ValueOf(SMA),
			"EMA":               reflect.ValueOf(EMA),
			"RSI":               reflect.ValueOf(RSI),
			"MACD":              reflect.ValueOf(MACD),
			"BollingerBands":    reflect.ValueOf(BollingerBands),
			"ATR":               reflect.ValueOf(ATR),
			"Stochastic":        reflect.ValueOf(Stochastic),
			"ADX":               reflect.ValueOf(ADX),
			"AverageVolume":     reflect.ValueOf(AverageVolume),
			"IsVolumeSpike":     reflect.ValueOf(IsVolumeSpike),
			"Momentum":          reflect.ValueOf(Momentum),
			"ROC":               reflect.ValueOf(ROC),
			"FibonacciLevels":   reflect.ValueOf(FibonacciLevels),
			"SupportResistance": reflect.ValueOf(SupportResistance),
			"PivotPoints":       reflect.ValueOf(PivotPoints),
		},
	}
}
