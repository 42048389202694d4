package kline

import (
	"testing"

	"market-signal-engine/internal/config"
	"market-signal-engine/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "json"})
}

func TestCacheEvictionAtCapacity(t *testing.T) {
	c := New(3, testLogger())
	const step = int64(100)

	for _, ot := range []int64{100, 200, 300, 400} {
		c.AppendOrUpdate("BTCUSDT", "1m", step, Kline{OpenTimeMillis: ot, Open: 1, High: 1, Low: 1, Close: 1})
	}

	got := c.Get("BTCUSDT", "1m", 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 candles after eviction, got %d", len(got))
	}
	want := []int64{200, 300, 400}
	for i, k := range got {
		if k.OpenTimeMillis != want[i] {
			t.Errorf("index %d: got open_time %d, want %d", i, k.OpenTimeMillis, want[i])
		}
	}
}

func TestMidCandleUpdateReplacesTail(t *testing.T) {
	c := New(500, testLogger())
	const step = int64(60_000)

	c.AppendOrUpdate("ETHUSDT", "1m", step, Kline{OpenTimeMillis: 1000, Open: 1, High: 1, Low: 1, Close: 50})
	c.AppendOrUpdate("ETHUSDT", "1m", step, Kline{OpenTimeMillis: 1000, Open: 1, High: 1, Low: 1, Close: 55})

	got := c.Get("ETHUSDT", "1m", 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(got))
	}
	if got[0].Close != 55 {
		t.Errorf("expected close=55 after mid-candle update, got %v", got[0].Close)
	}
}

func TestGapDiscardsHistoryButAcceptsNewTail(t *testing.T) {
	c := New(500, testLogger())
	const step = int64(100)

	c.AppendOrUpdate("BTCUSDT", "1m", step, Kline{OpenTimeMillis: 100, Open: 1, High: 1, Low: 1, Close: 1})
	c.AppendOrUpdate("BTCUSDT", "1m", step, Kline{OpenTimeMillis: 500, Open: 1, High: 1, Low: 1, Close: 2})

	got := c.Get("BTCUSDT", "1m", 10)
	if len(got) != 1 || got[0].OpenTimeMillis != 500 {
		t.Fatalf("expected gap to discard history and keep only the new tail, got %+v", got)
	}
}

func TestStaleCandleIgnored(t *testing.T) {
	c := New(500, testLogger())
	const step = int64(100)

	c.AppendOrUpdate("BTCUSDT", "1m", step, Kline{OpenTimeMillis: 300, Open: 1, High: 1, Low: 1, Close: 1})
	c.AppendOrUpdate("BTCUSDT", "1m", step, Kline{OpenTimeMillis: 100, Open: 1, High: 1, Low: 1, Close: 99})

	got := c.Get("BTCUSDT", "1m", 10)
	if len(got) != 1 || got[0].OpenTimeMillis != 300 {
		t.Fatalf("expected stale candle to be ignored, got %+v", got)
	}
}

func TestMalformedCandleRejected(t *testing.T) {
	c := New(500, testLogger())
	c.AppendOrUpdate("BTCUSDT", "1m", 100, Kline{OpenTimeMillis: 100, Open: -1, High: 1, Low: 1, Close: 1})

	if c.Has("BTCUSDT", "1m") {
		t.Fatal("expected malformed candle to be rejected, not stored")
	}
}

func TestMissingKeyReturnsEmptyNotError(t *testing.T) {
	c := New(500, testLogger())
	got := c.Get("NOSUCH", "1m", 10)
	if got != nil {
		t.Fatalf("expected nil for missing key, got %+v", got)
	}
}
