package events

import (
	"testing"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var order []string

	b.Subscribe(func(Event) { order = append(order, "first") })
	b.Subscribe(func(Event) { order = append(order, "second") })

	b.Emit(Event{Type: ModeChange})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("delivery order = %v, want [first second]", order)
	}
}

func TestBus_TypeFilter(t *testing.T) {
	b := NewBus()
	var got []Type

	b.Subscribe(func(ev Event) { got = append(got, ev.Type) }, CacheHit, CacheMiss)

	b.Emit(Event{Type: CacheHit})
	b.Emit(Event{Type: ModeChange})
	b.Emit(Event{Type: CacheMiss})

	if len(got) != 2 || got[0] != CacheHit || got[1] != CacheMiss {
		t.Errorf("received = %v, want [cache_hit cache_miss]", got)
	}
}

func TestBus_NoTypesMeansAll(t *testing.T) {
	b := NewBus()
	count := 0

	b.Subscribe(func(Event) { count++ })

	b.Emit(Event{Type: SpeechStart})
	b.Emit(Event{Type: NetworkChange})

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	count := 0

	id := b.Subscribe(func(Event) { count++ })
	b.Emit(Event{Type: VADSwitch})
	b.Unsubscribe(id)
	b.Emit(Event{Type: VADSwitch})

	if count != 1 {
		t.Errorf("count = %d, want 1 (handler ran after Unsubscribe)", count)
	}
}

func TestBus_EmitIsSynchronous(t *testing.T) {
	b := NewBus()
	delivered := false
	b.Subscribe(func(Event) { delivered = true }, SpeechEnd)

	b.Emit(Event{Type: SpeechEnd, Payload: "segment"})

	if !delivered {
		t.Error("Emit returned before handler ran")
	}
}
