package trader

import (
	"context"
	"sync"
	"time"

	"market-signal-engine/internal/engineerr"
	"market-signal-engine/internal/eventbus"
	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/metrics"
	"market-signal-engine/internal/persistence"
	"market-signal-engine/internal/sandbox"
)

// Registry is the trader registry (C5): a read-optimized, copy-on-write
// table of compiled traders, kept in sync with persistence by a background
// poller and by explicit Reload calls.
type Registry struct {
	store    persistence.Store
	sandbox  *sandbox.Executor
	bus      *eventbus.Bus
	log      *logging.Logger
	pollEvery      time.Duration
	errorThreshold int
	errorWindow    time.Duration

	mu      sync.RWMutex
	traders map[string]*Trader // writers swap in clones under mu; a stored *Trader is never mutated in place

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a registry that polls store every pollEvery for deletions and
// enforces an auto-quarantine threshold of errorThreshold sandbox errors
// within errorWindow.
func New(store persistence.Store, sbx *sandbox.Executor, bus *eventbus.Bus, log *logging.Logger, pollEvery time.Duration, errorThreshold int, errorWindow time.Duration) *Registry {
	return &Registry{
		store:          store,
		sandbox:        sbx,
		bus:            bus,
		log:            log.Component("trader_registry"),
		pollEvery:      pollEvery,
		errorThreshold: errorThreshold,
		errorWindow:    errorWindow,
		traders:        make(map[string]*Trader),
	}
}

// LoadAll fetches every active trader from persistence and compiles each,
// installing compiled handles atomically. A trader whose code fails to
// compile is marked errored and excluded from dispatch, but never blocks
// the rest of the load.
func (r *Registry) LoadAll(ctx context.Context) error {
	records, err := r.store.ListActiveTraders(ctx)
	if err != nil {
		return &engineerr.TransientIOError{Context: engineerr.Context{Component: "trader_registry"}, Cause: err}
	}

	next := make(map[string]*Trader, len(records))
	for _, rec := range records {
		t := fromRecord(rec)
		r.compile(t)
		next[t.ID] = t
		r.publishLifecycle(t.ID, eventbus.LifecycleLoaded)
	}

	r.mu.Lock()
	r.traders = next
	r.mu.Unlock()
	return nil
}

// Reload recompiles a single trader from its current persisted definition,
// transitioning it back through compiling regardless of its prior state.
func (r *Registry) Reload(ctx context.Context, id string) error {
	rec, err := r.store.GetTrader(ctx, id)
	if err != nil {
		return &engineerr.TransientIOError{Context: engineerr.Context{Component: "trader_registry", TraderID: id}, Cause: err}
	}
	if rec == nil {
		r.mu.Lock()
		delete(r.traders, id)
		r.mu.Unlock()
		r.publishLifecycle(id, eventbus.LifecycleDeleted)
		return nil
	}

	t := fromRecord(*rec)
	r.compile(t)

	r.mu.Lock()
	r.traders[t.ID] = t
	r.mu.Unlock()
	r.publishLifecycle(t.ID, eventbus.LifecycleReloaded)
	return nil
}

// Start transitions a stopped or errored trader back to ready without
// recompiling, as long as it already has a compiled handle.
func (r *Registry) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traders[id]
	if !ok || t.compiled == nil {
		return
	}
	t = t.clone()
	t.State = StateReady
	r.traders[id] = t
	r.publishLifecycleLocked(id, eventbus.LifecycleStarted)
}

// Stop transitions a trader to stopped, excluding it from dispatch without
// discarding its compiled handle (so a later Start is recompile-free).
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traders[id]
	if !ok {
		return
	}
	t = t.clone()
	t.State = StateStopped
	r.traders[id] = t
	r.publishLifecycleLocked(id, eventbus.LifecycleStopped)
}

// ListActive returns an independent snapshot of every trader currently in
// the ready state.
func (r *Registry) ListActive() []*Trader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Trader, 0, len(r.traders))
	for _, t := range r.traders {
		if t.State == StateReady {
			out = append(out, t.clone())
		}
	}
	return out
}

// Get returns one trader by id, or nil if it isn't registered.
func (r *Registry) Get(id string) *Trader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traders[id]
	if !ok {
		return nil
	}
	return t.clone()
}

// CompiledFilter exposes the trader's compiled strategy for the dispatcher
// to execute, or nil if it never compiled successfully.
func (t *Trader) CompiledFilter() *sandbox.CompiledFilter {
	return t.compiled
}

// ReportError records a sandbox execution error against trader id. Once
// errorThreshold errors have landed within errorWindow, the trader is
// auto-quarantined: transitioned directly from ready to error (not
// stopped), since only an explicit Reload should return it to compiling.
func (r *Registry) ReportError(id string, cause error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traders[id]
	if !ok {
		return
	}
	t = t.clone()
	t.LastError = cause.Error()

	cutoff := now.Add(-r.errorWindow)
	window := t.ErrorCountWindow[:0]
	for _, ts := range t.ErrorCountWindow {
		if ts.After(cutoff) {
			window = append(window, ts)
		}
	}
	t.ErrorCountWindow = append(window, now)

	if len(t.ErrorCountWindow) >= r.errorThreshold && t.State == StateReady {
		t.State = StateError
		metrics.TraderQuarantines.Inc()
		r.log.Warn().Str("trader_id", id).Int("errors", len(t.ErrorCountWindow)).
			Msg("trader auto-quarantined after exceeding error threshold")
		r.traders[id] = t
		r.publishLifecycleLocked(id, eventbus.LifecycleErrored)
		return
	}
	r.traders[id] = t
}

// compile installs a compiled filter on t, marking it ready on success or
// error (with LastError set) on failure. Compilation failure is never
// fatal to the registry as a whole.
func (r *Registry) compile(t *Trader) {
	t.State = StateCompiling
	filter, err := r.sandbox.Compile(t.Filter.Code)
	if err != nil {
		t.State = StateError
		t.LastError = err.Error()
		r.log.Warn().Str("trader_id", t.ID).Err(err).Msg("trader filter failed to compile")
		return
	}
	t.compiled = filter
	if t.Enabled {
		t.State = StateReady
	} else {
		t.State = StateStopped
	}
}

func (r *Registry) publishLifecycle(id string, kind eventbus.LifecycleKind) {
	r.bus.Publish(eventbus.Event{
		Kind:      eventbus.KindTraderLifecycle,
		Lifecycle: eventbus.TraderLifecycleEvent{TraderID: id, Kind: kind, At: time.Now()},
	})
}

// publishLifecycleLocked is publishLifecycle called while r.mu is already
// held; Publish itself never touches r.mu so this is safe.
func (r *Registry) publishLifecycleLocked(id string, kind eventbus.LifecycleKind) {
	r.publishLifecycle(id, kind)
}

func fromRecord(rec persistence.TraderRecord) *Trader {
	return &Trader{
		ID:          rec.ID,
		Owner:       rec.Owner,
		Name:        rec.Name,
		Description: rec.Description,
		Enabled:     rec.Enabled,
		Filter: Filter{
			Code:               rec.FilterCode,
			RequiredTimeframes: append([]string(nil), rec.RequiredTimeframes...),
			SeriesCode:         rec.SeriesCode,
		},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		State:     StateUncompiled,
	}
}
