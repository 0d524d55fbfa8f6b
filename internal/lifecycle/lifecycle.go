// Package lifecycle provides a small typed event bus for host
// state-transition events.  The supervisor publishes transitions
// (Running -> Stopping, Stopping -> Stopped, ...) and any number of
// subscribers observe them; the orchestrator uses this to trigger
// transport teardown independently of the explicit stop call.
package lifecycle

import "sync"

// State is a coarse host lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Transition is a single host state change, published as an
// (old state, new state) pair.
type Transition struct {
	From State
	To   State
}

// subscriberBuffer bounds how many undelivered transitions a slow
// subscriber can hold before further events are dropped for it.
const subscriberBuffer = 16

// Bus broadcasts lifecycle transitions to subscribers.  Publish never
// blocks: a subscriber that falls more than subscriberBuffer events
// behind misses events rather than stalling the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Transition
	nextID int
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Transition)}
}

// Subscribe registers a new subscriber and returns its event channel
// together with a cancel function.  Cancel closes the channel and is
// safe to call more than once.  The channel is also closed when the
// bus itself is closed.
func (b *Bus) Subscribe() (<-chan Transition, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Transition, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish broadcasts a transition to all current subscribers.
func (b *Bus) Publish(from, to State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- Transition{From: from, To: to}:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

// Close closes every subscriber channel and rejects further publishes.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
