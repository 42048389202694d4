package market

import "testing"

func TestStreamNameLowercasesSymbol(t *testing.T) {
	got := StreamName("BTCUSDT", "1m")
	want := "btcusdt@kline_1m"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubscriptionSetAddIsIdempotent(t *testing.T) {
	s := newSubscriptionSet([]string{"1m", "5m"})
	added := s.add([]string{"BTCUSDT", "ETHUSDT"})
	if len(added) != 2 {
		t.Fatalf("expected 2 newly added symbols, got %d", len(added))
	}

	addedAgain := s.add([]string{"BTCUSDT"})
	if len(addedAgain) != 0 {
		t.Fatalf("expected no new symbols on re-add, got %d", len(addedAgain))
	}
}

func TestSubscriptionSetStreamsCoversEveryIntervalPerSymbol(t *testing.T) {
	s := newSubscriptionSet([]string{"1m", "5m"})
	s.add([]string{"BTCUSDT"})

	streams := s.streams()
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams (one per interval), got %d", len(streams))
	}
}

func TestSubscriptionSetRemoveOnlyDropsTracked(t *testing.T) {
	s := newSubscriptionSet([]string{"1m"})
	s.add([]string{"BTCUSDT"})

	removed := s.remove([]string{"ETHUSDT"})
	if len(removed) != 0 {
		t.Fatalf("expected no removals for an untracked symbol, got %d", len(removed))
	}

	removed = s.remove([]string{"BTCUSDT"})
	if len(removed) != 1 {
		t.Fatalf("expected 1 removal, got %d", len(removed))
	}
}
