package event

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doublegate/SubPilot-App-sub000/id"
)

// Listener receives published events. Listeners run synchronously on
// the publisher's goroutine and must not block for long.
type Listener func(evt Event)

// Subscription identifies a registered listener so it can be removed.
type Subscription struct {
	eventType Type
	seq       uint64
}

type entry struct {
	seq      uint64
	listener Listener
	once     bool
}

// Bus is the in-process fan-out channel for lifecycle notifications.
// It holds no durable state; it only invokes listeners.
//
// Listener invocation follows registration order within an event type.
// The listener list is snapshotted before dispatch, so a listener may
// subscribe or unsubscribe during delivery without corrupting the
// iteration. A panicking listener is logged and skipped.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[Type][]entry
	nextSeq   uint64

	// Metrics.
	published atomic.Int64
	delivered atomic.Int64
	panicked  atomic.Int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the bus logger.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an empty event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:    slog.Default(),
		listeners: make(map[Type][]entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener for the given event type. Subscribing
// to Wildcard receives every event.
func (b *Bus) Subscribe(t Type, l Listener) Subscription {
	return b.add(t, l, false)
}

// SubscribeOnce registers a listener that is removed after its first
// invocation.
func (b *Bus) SubscribeOnce(t Type, l Listener) Subscription {
	return b.add(t, l, true)
}

func (b *Bus) add(t Type, l Listener, once bool) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	b.listeners[t] = append(b.listeners[t], entry{seq: b.nextSeq, listener: l, once: once})
	return Subscription{eventType: t, seq: b.nextSeq}
}

// Unsubscribe removes a single listener. Unknown subscriptions are
// ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub.eventType, sub.seq)
}

func (b *Bus) remove(t Type, seq uint64) bool {
	entries := b.listeners[t]
	for i, e := range entries {
		if e.seq == seq {
			b.listeners[t] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeAll removes every listener for the given event type. With
// no arguments it clears the entire bus.
func (b *Bus) UnsubscribeAll(types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		b.listeners = make(map[Type][]entry)
		return
	}
	for _, t := range types {
		delete(b.listeners, t)
	}
}

// Publish delivers the event to every listener registered for its type,
// then to Wildcard listeners. Publishing never fails: a listener panic
// is logged with its stack and the remaining listeners still run.
func (b *Bus) Publish(t Type, data any) {
	evt := Event{
		ID:        id.NewEventID(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.published.Add(1)

	// Snapshot under the read lock; dispatch outside it so listeners
	// may re-enter the bus.
	b.mu.RLock()
	direct := make([]entry, len(b.listeners[t]))
	copy(direct, b.listeners[t])
	wild := make([]entry, len(b.listeners[Wildcard]))
	copy(wild, b.listeners[Wildcard])
	b.mu.RUnlock()

	b.dispatch(t, direct, evt)
	if t != Wildcard {
		b.dispatch(Wildcard, wild, evt)
	}
}

func (b *Bus) dispatch(t Type, entries []entry, evt Event) {
	for _, e := range entries {
		if e.once {
			// Remove before invoking so a listener that publishes
			// recursively cannot fire twice. Concurrent publishers both
			// snapshot the entry; whoever wins the removal owns the
			// single invocation.
			b.mu.Lock()
			removed := b.remove(t, e.seq)
			b.mu.Unlock()
			if !removed {
				continue
			}
		}
		b.invoke(e.listener, evt)
	}
}

func (b *Bus) invoke(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panicked.Add(1)
			b.logger.Error("event listener panicked",
				slog.String("event_type", string(evt.Type)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	l(evt)
	b.delivered.Add(1)
}

// ListenerCount returns the number of listeners registered for a type.
func (b *Bus) ListenerCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[t])
}

// Stats contains bus counters for monitoring.
type Stats struct {
	Published      int64 `json:"published"`
	Delivered      int64 `json:"delivered"`
	ListenerPanics int64 `json:"listener_panics"`
	Types          int   `json:"types"`
}

// GetStats returns a snapshot of bus counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	types := len(b.listeners)
	b.mu.RUnlock()

	return Stats{
		Published:      b.published.Load(),
		Delivered:      b.delivered.Load(),
		ListenerPanics: b.panicked.Load(),
		Types:          types,
	}
}
