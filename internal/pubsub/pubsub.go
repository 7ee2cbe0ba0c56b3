// Package pubsub implements the in-process subscription fabric: a keyed set
// of subscribers with per-subscription filters, broadcast with
// liveness-based eviction on a failed non-blocking enqueue.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kalehq/sentryd/internal/event"
)

// FilterKind selects which event kinds a subscription accepts.
type FilterKind int

const (
	// FilterAll accepts every event kind.
	FilterAll FilterKind = iota
	// FilterStatusOnly accepts only status/lifecycle events (everything
	// except log_line).
	FilterStatusOnly
	// FilterLogOnly accepts only log_line events.
	FilterLogOnly
)

// Filter selects which events a subscriber receives: a FilterKind and an
// optional application-id restriction.
type Filter struct {
	Kind  FilterKind
	AppID string // empty means "all applications"
}

// Accepts reports whether e passes this filter.
func (f Filter) Accepts(e event.Event) bool {
	if f.AppID != "" && e.App != f.AppID {
		return false
	}
	switch f.Kind {
	case FilterStatusOnly:
		return e.Kind != event.KindLogLine
	case FilterLogOnly:
		return e.Kind == event.KindLogLine
	default:
		return true
	}
}

const outboundQueueDepth = 256

// Subscriber is one live subscription: an id, its filter, and an outbound
// queue feeding the owning IPC connection-handler task.
type Subscriber struct {
	ID     string
	Filter Filter
	Events chan event.Event
}

// Bus is the subscriber registry. Broadcast is called on every supervisor
// or monitor event.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*Subscriber)}
}

// Subscribe registers a new subscriber with the given filter and returns it.
// The subscriber's Events channel is closed when it is removed (by
// Unsubscribe or by liveness eviction during Broadcast).
func (b *Bus) Subscribe(filter Filter) *Subscriber {
	s := &Subscriber{
		ID:     uuid.NewString(),
		Filter: filter,
		Events: make(chan event.Event, outboundQueueDepth),
	}
	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber by id, closing its outbound channel.
// Safe to call more than once for the same id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.Events)
	}
}

// Count returns the number of live subscribers.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Broadcast fans e out to every subscriber whose filter accepts it. A
// subscriber whose outbound queue is full is evicted (its channel closed,
// its entry removed) rather than blocking the broadcaster — this is what
// keeps one slow or dead IPC client from stalling the rest of the daemon.
func (b *Bus) Broadcast(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dead []string
	for id, s := range b.subs {
		if !s.Filter.Accepts(e) {
			continue
		}
		select {
		case s.Events <- e:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		close(b.subs[id].Events)
		delete(b.subs, id)
	}
}
