// Package events provides the typed in-process event bus shared by the
// detector and the fallback orchestrator.
//
// Delivery is synchronous and FIFO: Emit invokes every matching subscriber on
// the emitting goroutine, in subscription order, before returning. Handlers
// must therefore be fast and must not block; anything slow belongs on the
// subscriber's own goroutine.
package events

import "sync"

// Type classifies an event on the bus.
type Type string

// Event types emitted by the detection and fallback subsystems.
const (
	// SpeechStart is emitted when the detector opens a speech segment.
	SpeechStart Type = "speech_start"

	// SpeechEnd is emitted when the detector closes a speech segment. The
	// payload is the emitted segment.
	SpeechEnd Type = "speech_end"

	// FrameProcessed is emitted for every classified frame.
	FrameProcessed Type = "frame"

	// NetworkChange is emitted when the probed network status changes.
	NetworkChange Type = "network_change"

	// ModeChange is emitted when the orchestrator switches operating mode.
	ModeChange Type = "mode_change"

	// CacheHit is emitted when a cached response is served.
	CacheHit Type = "cache_hit"

	// CacheMiss is emitted when a response is not in the cache.
	CacheMiss Type = "cache_miss"

	// VADSwitch is emitted when on-device detection is toggled.
	VADSwitch Type = "vad_switch"
)

// Event is a single occurrence delivered to subscribers. Payload holds the
// event-specific value (a segment, a state snapshot, a cache key, ...).
type Event struct {
	Type    Type
	Payload any
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      int
	types   map[Type]bool // nil means all types
	handler Handler
}

// Bus dispatches events to subscribers. The zero value is not usable; create
// one with [NewBus]. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler for the given event types and returns a
// subscription ID for [Bus.Unsubscribe]. With no types, the handler receives
// every event. Subscribers are invoked in subscription order.
func (b *Bus) Subscribe(handler Handler, types ...Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, types: filter, handler: handler})
	return b.nextID
}

// Unsubscribe removes the subscription with the given ID. Unknown IDs are
// ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev synchronously to all matching subscribers in subscription
// order. It returns after the last handler has run.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.types == nil || s.types[ev.Type] {
			s.handler(ev)
		}
	}
}
