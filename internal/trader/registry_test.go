package trader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"market-signal-engine/internal/config"
	"market-signal-engine/internal/eventbus"
	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/persistence"
	"market-signal-engine/internal/sandbox"
)

type fakeStore struct {
	mu      sync.Mutex
	traders map[string]persistence.TraderRecord
}

func newFakeStore(records ...persistence.TraderRecord) *fakeStore {
	s := &fakeStore{traders: make(map[string]persistence.TraderRecord)}
	for _, r := range records {
		s.traders[r.ID] = r
	}
	return s
}

func (s *fakeStore) ListActiveTraders(ctx context.Context) ([]persistence.TraderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persistence.TraderRecord, 0, len(s.traders))
	for _, r := range s.traders {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) GetTrader(ctx context.Context, id string) (*persistence.TraderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.traders[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *fakeStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.traders, id)
}

func (s *fakeStore) InsertSignal(ctx context.Context, sig persistence.SignalRecord) error  { return nil }
func (s *fakeStore) InsertSignals(ctx context.Context, sigs []persistence.SignalRecord) error {
	return nil
}
func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }
func (s *fakeStore) Close()                                {}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "json"})
}

const matchAllFilterCode = `
package main
import "strategy"
func Evaluate(snapshot strategy.Snapshot) bool { return true }
`

func TestLoadAllCompilesEnabledTraders(t *testing.T) {
	store := newFakeStore(persistence.TraderRecord{
		ID: "t1", Name: "always-match", Enabled: true,
		FilterCode: matchAllFilterCode, RequiredTimeframes: []string{"1m"},
	})
	reg := New(store, sandbox.New(4, testLogger()), eventbus.New(8, testLogger()), testLogger(), time.Second, 5, time.Minute)

	if err := reg.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	active := reg.ListActive()
	if len(active) != 1 || active[0].ID != "t1" {
		t.Fatalf("expected 1 active trader t1, got %+v", active)
	}
	if active[0].State != StateReady {
		t.Errorf("expected state ready, got %s", active[0].State)
	}
}

func TestLoadAllMarksBadCodeErroredWithoutFailingOthers(t *testing.T) {
	store := newFakeStore(
		persistence.TraderRecord{ID: "good", Name: "good", Enabled: true, FilterCode: matchAllFilterCode, RequiredTimeframes: []string{"1m"}},
		persistence.TraderRecord{ID: "bad", Name: "bad", Enabled: true, FilterCode: "not valid go code {{{", RequiredTimeframes: []string{"1m"}},
	)
	reg := New(store, sandbox.New(4, testLogger()), eventbus.New(8, testLogger()), testLogger(), time.Second, 5, time.Minute)

	if err := reg.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	good := reg.Get("good")
	bad := reg.Get("bad")
	if good == nil || good.State != StateReady {
		t.Fatalf("expected good trader ready, got %+v", good)
	}
	if bad == nil || bad.State != StateError || bad.LastError == "" {
		t.Fatalf("expected bad trader errored with a message, got %+v", bad)
	}

	active := reg.ListActive()
	if len(active) != 1 {
		t.Fatalf("expected only the good trader active, got %d", len(active))
	}
}

func TestAutoQuarantineAfterErrorThreshold(t *testing.T) {
	store := newFakeStore(persistence.TraderRecord{
		ID: "t1", Name: "flaky", Enabled: true, FilterCode: matchAllFilterCode, RequiredTimeframes: []string{"1m"},
	})
	reg := New(store, sandbox.New(4, testLogger()), eventbus.New(8, testLogger()), testLogger(), time.Second, 3, time.Minute)
	if err := reg.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		reg.ReportError("t1", fmt.Errorf("boom %d", i), now)
	}

	tr := reg.Get("t1")
	if tr.State != StateError {
		t.Fatalf("expected auto-quarantine to error state, got %s", tr.State)
	}
	if len(reg.ListActive()) != 0 {
		t.Fatal("expected quarantined trader to drop out of ListActive")
	}
}

func TestDeletionWatcherRemovesUntrackedTrader(t *testing.T) {
	store := newFakeStore(persistence.TraderRecord{
		ID: "t1", Name: "temp", Enabled: true, FilterCode: matchAllFilterCode, RequiredTimeframes: []string{"1m"},
	})
	reg := New(store, sandbox.New(4, testLogger()), eventbus.New(8, testLogger()), testLogger(), 20*time.Millisecond, 5, time.Minute)
	if err := reg.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	reg.StartDeletionWatcher()
	defer reg.StopDeletionWatcher()

	store.delete("t1")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if reg.Get("t1") == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected deleted trader to disappear within the poll window")
}
