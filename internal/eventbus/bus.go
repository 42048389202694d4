package eventbus

import (
	"sync"

	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/metrics"
)

// subscriber is one registered consumer: a bounded, drop-oldest-on-overflow
// channel plus the kind it was registered for (delivery is filtered by kind
// so a subscriber of one kind is never woken for another).
type subscriber struct {
	kind Kind
	ch   chan Event
	mu   sync.Mutex // serializes drop-oldest-and-push against concurrent Publish
}

// Bus is the explicitly-constructed event fabric. It holds no package-level
// state; every publisher and subscriber is wired to a specific *Bus at
// construction via the composition root, so two Bus instances (e.g. in
// separate tests) never interfere with each other.
type Bus struct {
	bufferSize int
	log        *logging.Logger

	mu          sync.RWMutex
	subscribers map[Kind][]*subscriber
	stopped     bool
}

// New builds a Bus whose subscriber channels each buffer up to bufferSize
// pending events before dropping the oldest.
func New(bufferSize int, log *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		bufferSize:  bufferSize,
		log:         log.Component("event_bus"),
		subscribers: make(map[Kind][]*subscriber),
	}
}

// Subscribe registers a new consumer for kind and returns the channel it
// should range over. The channel is closed when Stop is called.
func (b *Bus) Subscribe(kind Kind) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{kind: kind, ch: make(chan Event, b.bufferSize)}
	b.subscribers[kind] = append(b.subscribers[kind], sub)
	return sub.ch
}

// Publish delivers event to every subscriber of its kind. Delivery is
// non-blocking: a subscriber whose buffer is full has its oldest pending
// event dropped to make room, so Publish itself never blocks the caller.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}

	for _, sub := range b.subscribers[event.Kind] {
		sub.mu.Lock()
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
				metrics.EventBusDrops.WithLabelValues(string(event.Kind)).Inc()
				b.log.Warn().Str("kind", string(event.Kind)).Msg("subscriber buffer full, dropped oldest event")
			default:
			}
			select {
			case sub.ch <- event:
			default:
				// Buffer refilled concurrently by another publisher; give up
				// on this delivery rather than block.
				metrics.EventBusDrops.WithLabelValues(string(event.Kind)).Inc()
			}
		}
		sub.mu.Unlock()
	}
}

// Stop closes every subscriber channel, draining nothing further. Ranging
// consumers observe channel closure and exit their loops.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
}
