package events

import (
	"testing"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	bus.Subscribe(TopicSessions, func(any) { order = append(order, 1) })
	bus.Subscribe(TopicSessions, func(any) { order = append(order, 2) })
	bus.Subscribe(TopicSessions, func(any) { order = append(order, 3) })

	bus.Emit(TopicSessions, "payload")

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected delivery order [1 2 3], got %v", order)
	}
}

func TestEmitSurvivesPanickingListener(t *testing.T) {
	bus := NewBus()
	var delivered []string
	bus.Subscribe(TopicTasks, func(any) { delivered = append(delivered, "first") })
	bus.Subscribe(TopicTasks, func(any) { panic("listener bug") })
	bus.Subscribe(TopicTasks, func(any) { delivered = append(delivered, "third") })

	bus.Emit(TopicTasks, nil)

	if len(delivered) != 2 {
		t.Fatalf("expected 2 deliveries around panicking listener, got %v", delivered)
	}

	// Subsequent emits still work.
	bus.Emit(TopicTasks, nil)
	if len(delivered) != 4 {
		t.Fatalf("expected emits to keep working after panic, got %v", delivered)
	}
}

func TestUnsubscribeRemovesListener(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.Subscribe("custom:topic", func(any) { calls++ })

	bus.Emit("custom:topic", nil)
	unsub()
	bus.Emit("custom:topic", nil)
	unsub() // second call is a no-op

	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
	if n := bus.ListenerCount("custom:topic"); n != 0 {
		t.Fatalf("expected empty topic after unsubscribe, got %d listeners", n)
	}
}

func TestEmitWithoutListenersIsNoop(t *testing.T) {
	bus := NewBus()
	bus.Emit(TopicRepos, map[string]any{"anything": true})
	if got := bus.Topics(); len(got) != 0 {
		t.Fatalf("expected no topics, got %v", got)
	}
}

func TestListenerPayloadPassthrough(t *testing.T) {
	bus := NewBus()
	var got any
	bus.Subscribe(TopicSessions, func(p any) { got = p })

	type roster struct{ Count int }
	bus.Emit(TopicSessions, roster{Count: 7})

	r, ok := got.(roster)
	if !ok || r.Count != 7 {
		t.Fatalf("payload not passed through unchanged: %#v", got)
	}
}
