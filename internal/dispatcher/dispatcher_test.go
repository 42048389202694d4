package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"market-signal-engine/internal/config"
	"market-signal-engine/internal/eventbus"
	"market-signal-engine/internal/kline"
	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/persistence"
	"market-signal-engine/internal/sandbox"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "json"})
}

type fakeTraderSource struct {
	traders []TraderView
}

func (f *fakeTraderSource) ListActive() []TraderView            { return f.traders }
func (f *fakeTraderSource) ReportError(id string, err error, now time.Time) {}

type fakeStore struct {
	mu      sync.Mutex
	signals []persistence.SignalRecord
}

func (s *fakeStore) ListActiveTraders(ctx context.Context) ([]persistence.TraderRecord, error) {
	return nil, nil
}
func (s *fakeStore) GetTrader(ctx context.Context, id string) (*persistence.TraderRecord, error) {
	return nil, nil
}
func (s *fakeStore) InsertSignal(ctx context.Context, sig persistence.SignalRecord) error { return nil }
func (s *fakeStore) InsertSignals(ctx context.Context, sigs []persistence.SignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sigs...)
	return nil
}
func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }
func (s *fakeStore) Close()                                {}

const matchAllCode = `
package main
import "strategy"
func Evaluate(snapshot strategy.Snapshot) bool { return true }
`

func TestHandleCandleOpenDispatchesAndPersistsSignals(t *testing.T) {
	log := testLogger()
	cache := kline.New(500, log)
	cache.AppendOrUpdate("BTCUSDT", "1m", 60_000, kline.Kline{OpenTimeMillis: 60_000, Open: 1, High: 1, Low: 1, Close: 42})
	cache.AppendOrUpdate("ETHUSDT", "1m", 60_000, kline.Kline{OpenTimeMillis: 60_000, Open: 1, High: 1, Low: 1, Close: 7})

	sbx := sandbox.New(4, log)
	filter, err := sbx.Compile(matchAllCode)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	traders := &fakeTraderSource{traders: []TraderView{
		{ID: "t1", RequiredTimeframes: []string{"1m"}, Filter: filter},
	}}
	store := &fakeStore{}
	bus := eventbus.New(8, log)

	d := New(cache, traders, sbx, store, bus, nil, time.Minute, 64, log)
	d.handleCandleOpen(context.Background(), eventbus.CandleOpenEvent{Interval: "1m", OpenTime: time.UnixMilli(60_000)})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.signals) != 2 {
		t.Fatalf("expected 2 signals (one per symbol), got %d", len(store.signals))
	}
}

func TestHandleCandleOpenDedupsWithinWindow(t *testing.T) {
	log := testLogger()
	cache := kline.New(500, log)
	cache.AppendOrUpdate("BTCUSDT", "1m", 60_000, kline.Kline{OpenTimeMillis: 60_000, Open: 1, High: 1, Low: 1, Close: 42})

	sbx := sandbox.New(4, log)
	filter, _ := sbx.Compile(matchAllCode)

	traders := &fakeTraderSource{traders: []TraderView{
		{ID: "t1", RequiredTimeframes: []string{"1m"}, Filter: filter},
	}}
	store := &fakeStore{}
	bus := eventbus.New(8, log)

	d := New(cache, traders, sbx, store, bus, nil, time.Minute, 64, log)
	evt := eventbus.CandleOpenEvent{Interval: "1m", OpenTime: time.UnixMilli(60_000)}

	d.handleCandleOpen(context.Background(), evt)
	d.handleCandleOpen(context.Background(), evt)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.signals) != 2 {
		t.Fatalf("expected 2 insert calls total (one per handleCandleOpen), got %d", len(store.signals))
	}
	if store.signals[1].Count != 2 {
		t.Errorf("expected the second occurrence to be marked as a dedup repeat (count=2), got %d", store.signals[1].Count)
	}
}

func TestBuildSignalPopulatesVolumeAndChangePercent(t *testing.T) {
	log := testLogger()
	cache := kline.New(500, log)
	cache.AppendOrUpdate("BTCUSDT", "1m", 60_000, kline.Kline{OpenTimeMillis: 60_000, Open: 100, High: 110, Low: 95, Close: 110, Volume: 25})

	sbx := sandbox.New(4, log)
	store := &fakeStore{}
	bus := eventbus.New(8, log)

	d := New(cache, &fakeTraderSource{}, sbx, store, bus, nil, time.Minute, 64, log)
	sig := d.buildSignal("t1", "BTCUSDT", eventbus.CandleOpenEvent{Interval: "1m", OpenTime: time.UnixMilli(60_000)})

	if sig.PriceAtSignal != 110 {
		t.Errorf("expected price_at_signal=110, got %v", sig.PriceAtSignal)
	}
	if sig.VolumeAtSignal != 25 {
		t.Errorf("expected volume_at_signal=25, got %v", sig.VolumeAtSignal)
	}
	wantChange := 10.0 // (110-100)/100*100
	if sig.ChangePercent != wantChange {
		t.Errorf("expected change_percent=%v, got %v", wantChange, sig.ChangePercent)
	}
}

func TestDedupDefaultsWindowToTriggeringInterval(t *testing.T) {
	log := testLogger()
	store := newDedupStore(nil, 0, log)

	key1m := dedupKey{TraderID: "t1", Symbol: "BTCUSDT", Interval: "1m", OpenTime: 60_000}
	if store.seenOrMark(context.Background(), key1m) {
		t.Fatal("expected first occurrence to be unseen")
	}
	if !store.seenOrMark(context.Background(), key1m) {
		t.Fatal("expected immediate repeat within the 1m default window to be deduped")
	}

	// A different interval gets its own window sized to its own duration,
	// not the 1m key's.
	key1h := dedupKey{TraderID: "t1", Symbol: "BTCUSDT", Interval: "1h", OpenTime: 60_000}
	if store.seenOrMark(context.Background(), key1h) {
		t.Fatal("expected the 1h key to be independently unseen")
	}
}

func TestNoActiveTradersForIntervalSkipsEvaluation(t *testing.T) {
	log := testLogger()
	cache := kline.New(500, log)
	sbx := sandbox.New(4, log)
	traders := &fakeTraderSource{traders: nil}
	store := &fakeStore{}
	bus := eventbus.New(8, log)

	d := New(cache, traders, sbx, store, bus, nil, time.Minute, 64, log)
	d.handleCandleOpen(context.Background(), eventbus.CandleOpenEvent{Interval: "5m", OpenTime: time.Now()})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.signals) != 0 {
		t.Fatalf("expected no signals written when no traders match, got %d", len(store.signals))
	}
}
