package trader

import (
	"context"
	"time"

	"market-signal-engine/internal/eventbus"
)

// StartDeletionWatcher launches a background poller (grounded on the same
// ticker-loop idiom the candle scheduler uses) that removes locally-tracked
// traders no longer present in persistence. Call StopDeletionWatcher to
// terminate it.
func (r *Registry) StartDeletionWatcher() {
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.watchDeletions()
}

// StopDeletionWatcher terminates the deletion watcher and waits for it to exit.
func (r *Registry) StopDeletionWatcher() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) watchDeletions() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pruneDeleted()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) pruneDeleted() {
	ctx, cancel := context.WithTimeout(context.Background(), r.pollEvery)
	defer cancel()

	remote, err := r.store.ListActiveTraders(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("deletion watcher: failed to list active traders, skipping this pass")
		return
	}
	present := make(map[string]struct{}, len(remote))
	for _, rec := range remote {
		present[rec.ID] = struct{}{}
	}

	r.mu.Lock()
	for id := range r.traders {
		if _, ok := present[id]; !ok {
			delete(r.traders, id)
			r.publishLifecycleLocked(id, eventbus.LifecycleDeleted)
		}
	}
	r.mu.Unlock()
}
