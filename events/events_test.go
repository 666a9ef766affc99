package events

import "testing"

func TestPublishDeliversInSubscribeOrder(t *testing.T) {
	bus := New(nil)
	var order []int
	bus.On(StepChanged, func(Event) { order = append(order, 1) })
	bus.On(StepChanged, func(Event) { order = append(order, 2) })
	bus.Publish(Event{Type: StepChanged})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected order [1 2], got %v", order)
	}
}

func TestOnceFiresOnlyOnce(t *testing.T) {
	bus := New(nil)
	count := 0
	bus.Once(ExecutionCompleted, func(Event) { count++ })
	bus.Publish(Event{Type: ExecutionCompleted})
	bus.Publish(Event{Type: ExecutionCompleted})
	if count != 1 {
		t.Fatalf("expected exactly one invocation, got %d", count)
	}
}

func TestOffRemovesSubscription(t *testing.T) {
	bus := New(nil)
	count := 0
	id := bus.On(StatusChanged, func(Event) { count++ })
	bus.Off(StatusChanged, id)
	bus.Publish(Event{Type: StatusChanged})
	if count != 0 {
		t.Fatalf("expected handler to be removed, got %d invocations", count)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := New(nil)
	called := false
	bus.On(ExecutionFailed, func(Event) { panic("boom") })
	bus.On(ExecutionFailed, func(Event) { called = true })
	bus.Publish(Event{Type: ExecutionFailed})
	if !called {
		t.Fatalf("expected second handler to still run after first panics")
	}
}

func TestEventsAreIsolatedByExecutionID(t *testing.T) {
	bus := New(nil)
	var seen []string
	bus.On(StepChanged, func(e Event) { seen = append(seen, e.ExecutionID) })
	bus.Publish(Event{Type: StepChanged, ExecutionID: "exec-1"})
	bus.Publish(Event{Type: StepChanged, ExecutionID: "exec-2"})
	if len(seen) != 2 || seen[0] != "exec-1" || seen[1] != "exec-2" {
		t.Fatalf("expected both executionIds delivered in order, got %v", seen)
	}
}
