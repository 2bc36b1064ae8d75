// Package messaging provides the in-process event bus distributing
// lifecycle and delivery events to host UI layers.
package messaging

import (
	"sync"

	"github.com/opencom/opencom-go/internal/domain/events"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
)

// Listener receives runtime events.
type Listener func(events.Event)

// Bus notifies listeners synchronously in subscription order. A listener
// panic is caught and logged per-listener; it never prevents other
// listeners from running nor propagates to the emitter. Events are not
// buffered or replayed: listeners registered after an emission never
// observe it.
type Bus struct {
	mu        sync.Mutex
	listeners []*registration
	nextID    uint64
	logger    *logging.ChanneledLogger
}

type registration struct {
	id uint64
	fn Listener
}

// NewBus creates a new event bus.
func NewBus(logger *logging.ChanneledLogger) *Bus {
	return &Bus{logger: logger}
}

// AddListener registers a listener and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *Bus) AddListener(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	reg := &registration{id: b.nextID, fn: fn}
	b.listeners = append(b.listeners, reg)

	id := reg.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, r := range b.listeners {
			if r.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit validates the event at the boundary and notifies current listeners
// in subscription order.
func (b *Bus) Emit(ev events.Event) {
	if err := ev.Validate(); err != nil {
		if b.logger != nil {
			b.logger.Events().Warn("Dropping malformed event", "type", string(ev.Type), "error", err.Error())
		}
		return
	}

	b.mu.Lock()
	snapshot := make([]*registration, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, reg := range snapshot {
		b.dispatch(reg, ev)
	}
}

func (b *Bus) dispatch(reg *registration, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Events().Error("Event listener panicked", "type", string(ev.Type), "listenerId", reg.id, "panic", r)
			}
		}
	}()
	reg.fn(ev)
}

// ListenerCount returns the number of registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
