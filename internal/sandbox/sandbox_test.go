package sandbox

import (
	"context"
	"testing"
	"time"

	"market-signal-engine/internal/config"
	"market-signal-engine/internal/kline"
	"market-signal-engine/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "json"})
}

const alwaysMatchCode = `
package main

import "strategy"

func Evaluate(snapshot strategy.Snapshot) bool {
	return true
}
`

const volumeSpikeCode = `
package main

import "strategy"

func Evaluate(snapshot strategy.Snapshot) bool {
	klines := snapshot.Klines["1m"]
	return strategy.IsVolumeSpike(klines, 3, 2.0)
}
`

const sleepsForeverCode = `
package main

import "strategy"

func Evaluate(snapshot strategy.Snapshot) bool {
	block := make(chan bool)
	return <-block
}
`

func TestCompileAndExecuteAlwaysMatch(t *testing.T) {
	e := New(10, testLogger())
	filter, err := e.Compile(alwaysMatchCode)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	match, err := e.Execute(context.Background(), "trader-1", filter, kline.Snapshot{Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !match {
		t.Fatal("expected match")
	}
}

func TestCompileRejectsMissingEvaluate(t *testing.T) {
	e := New(10, testLogger())
	_, err := e.Compile("package main\nfunc NotEvaluate() bool { return true }")
	if err == nil {
		t.Fatal("expected compile error for missing Evaluate")
	}
}

func TestExecuteUsesWhitelistedHelper(t *testing.T) {
	e := New(10, testLogger())
	filter, err := e.Compile(volumeSpikeCode)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	snap := kline.Snapshot{
		Symbol: "BTCUSDT",
		Klines: map[string][]kline.Kline{
			"1m": {
				{OpenTimeMillis: 1, Close: 1, Volume: 10},
				{OpenTimeMillis: 2, Close: 1, Volume: 10},
				{OpenTimeMillis: 3, Close: 1, Volume: 10},
				{OpenTimeMillis: 4, Close: 1, Volume: 100},
			},
		},
	}

	match, err := e.Execute(context.Background(), "trader-2", filter, snap)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !match {
		t.Fatal("expected volume spike to match")
	}
}

func TestExecuteTimesOutOnSlowStrategy(t *testing.T) {
	e := New(10, testLogger())
	filter, err := e.Compile(sleepsForeverCode)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	start := time.Now()
	match, err := e.Execute(context.Background(), "trader-3", filter, kline.Snapshot{Symbol: "BTCUSDT"})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if match {
		t.Fatal("expected no-match on timeout")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected Execute to return near the 1s deadline, took %v", elapsed)
	}
}

func TestExecuteBatchAppliesSingleSymbolTimeoutNotBatchTimeout(t *testing.T) {
	e := New(10, testLogger())
	filter, err := e.Compile(sleepsForeverCode)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	start := time.Now()
	results := e.ExecuteBatch(context.Background(), "trader-5", filter, []kline.Snapshot{{Symbol: "BTCUSDT"}})
	elapsed := time.Since(start)

	if results["BTCUSDT"] {
		t.Fatal("expected a never-returning strategy to be no-match under the 1s single-symbol deadline, not the 5s batch deadline")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected the symbol to time out near the 1s single-symbol deadline, took %v", elapsed)
	}
}

func TestExecuteBatchIsolatesFailures(t *testing.T) {
	e := New(10, testLogger())
	filter, err := e.Compile(alwaysMatchCode)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	snapshots := []kline.Snapshot{{Symbol: "AAA"}, {Symbol: "BBB"}, {Symbol: "CCC"}}
	results := e.ExecuteBatch(context.Background(), "trader-4", filter, snapshots)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for sym, match := range results {
		if !match {
			t.Errorf("expected %s to match", sym)
		}
	}
}
