package scheduler

import (
	"testing"
	"time"

	"market-signal-engine/internal/config"
	"market-signal-engine/internal/eventbus"
	"market-signal-engine/internal/interval"
	"market-signal-engine/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "json"})
}

func TestFirstTickPrimesWithoutEmitting(t *testing.T) {
	log := testLogger()
	bus := eventbus.New(8, log)
	ch := bus.Subscribe(eventbus.KindCandleOpen)

	s := New([]interval.Interval{interval.OneMinute}, bus, log)
	s.Start()
	defer s.Stop()

	select {
	case evt := <-ch:
		t.Fatalf("expected no candle-open event on the same boundary, got %+v", evt)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestStopIsIdempotentWhenNeverStarted(t *testing.T) {
	log := testLogger()
	bus := eventbus.New(8, log)
	s := New([]interval.Interval{interval.OneMinute}, bus, log)
	s.Stop() // must not panic or block
}

func TestAddIntervalAfterStartLaunchesWorkerWithoutImmediateEmit(t *testing.T) {
	log := testLogger()
	bus := eventbus.New(8, log)
	ch := bus.Subscribe(eventbus.KindCandleOpen)

	s := New([]interval.Interval{interval.OneMinute}, bus, log)
	s.Start()
	defer s.Stop()

	s.AddInterval(interval.FiveMinutes)

	select {
	case evt := <-ch:
		t.Fatalf("expected no immediate emit from a newly added interval, got %+v", evt)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestStartTwiceDoesNotDoubleLaunchWorkers(t *testing.T) {
	log := testLogger()
	bus := eventbus.New(8, log)
	s := New([]interval.Interval{interval.OneMinute}, bus, log)
	s.Start()
	s.Start() // second call must be a no-op, not a second set of workers
	s.Stop()
}
