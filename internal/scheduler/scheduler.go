// Package scheduler implements the candle-open scheduler (C4): one worker
// per tracked interval that wakes frequently, computes the current boundary,
// and emits a CandleOpenEvent exactly once per boundary crossing.
package scheduler

import (
	"sync"
	"time"

	"market-signal-engine/internal/eventbus"
	"market-signal-engine/internal/interval"
	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/metrics"
)

// pollPeriod bounds how late a boundary crossing can be noticed.
const pollPeriod = 100 * time.Millisecond

// Scheduler runs one ticker-driven worker per interval, grounded on the
// teacher's screener StartScreening/Stop idiom: a stop channel plus a
// WaitGroup, ticker-driven loop with an immediate first pass.
type Scheduler struct {
	bus *eventbus.Bus
	log *logging.Logger

	mu        sync.Mutex
	intervals map[interval.Interval]struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// New builds a scheduler that will drive the given intervals once Start is
// called. Additional intervals can be added later via AddInterval.
func New(intervals []interval.Interval, bus *eventbus.Bus, log *logging.Logger) *Scheduler {
	s := &Scheduler{
		bus:       bus,
		log:       log.Component("scheduler"),
		intervals: make(map[interval.Interval]struct{}),
	}
	for _, iv := range intervals {
		s.intervals[iv] = struct{}{}
	}
	return s
}

// Start launches one worker goroutine per configured interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})

	for iv := range s.intervals {
		s.wg.Add(1)
		go s.run(iv, s.stopCh)
	}
}

// AddInterval starts tracking a new interval. If the scheduler is already
// running, a worker for it is launched immediately.
func (s *Scheduler) AddInterval(iv interval.Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intervals[iv]; exists {
		return
	}
	s.intervals[iv] = struct{}{}
	if s.started {
		s.wg.Add(1)
		go s.run(iv, s.stopCh)
	}
}

// Stop signals every worker to exit and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// run drives one interval's boundary-crossing detection: wake every
// pollPeriod, truncate now() to the interval's boundary, and emit a
// CandleOpenEvent only when that boundary differs from the last one seen.
// The very first tick primes lastBoundary without emitting, since the
// scheduler cannot know whether that boundary was already handled before
// startup.
func (s *Scheduler) run(iv interval.Interval, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	var lastBoundary time.Time
	primed := false

	for {
		current := iv.Truncate(time.Now())
		if !primed {
			lastBoundary = current
			primed = true
		} else if current.After(lastBoundary) {
			if current.Sub(lastBoundary) > iv.Duration() {
				metrics.SchedulerCatchups.WithLabelValues(string(iv)).Inc()
				s.log.Warn().Str("interval", string(iv)).
					Time("last_boundary", lastBoundary).Time("current_boundary", current).
					Msg("missed one or more boundaries; emitting single catch-up event")
			}
			lastBoundary = current
			s.bus.Publish(eventbus.Event{
				Kind:   eventbus.KindCandleOpen,
				Candle: eventbus.CandleOpenEvent{Interval: string(iv), OpenTime: current},
			})
		}

		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}
