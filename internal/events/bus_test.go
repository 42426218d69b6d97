package events

import "testing"

func TestBus_PublishNext_Order(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Kind: TaskAdded, TaskID: "a"})
	b.Publish(Event{Kind: TaskStarted, TaskID: "a"})

	e1, ok := b.Next()
	if !ok || e1.Kind != TaskAdded {
		t.Fatalf("first event = %+v, ok=%v", e1, ok)
	}
	e2, ok := b.Next()
	if !ok || e2.Kind != TaskStarted {
		t.Fatalf("second event = %+v, ok=%v", e2, ok)
	}
}

func TestBus_CloseDrainsThenStops(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Kind: TaskAdded, TaskID: "a"})
	b.Close()

	e, ok := b.Next()
	if !ok || e.Kind != TaskAdded {
		t.Fatalf("expected queued event to drain before close takes effect, got %+v ok=%v", e, ok)
	}
	if _, ok := b.Next(); ok {
		t.Fatal("expected Next to report closed after drain")
	}
}

func TestBus_NextBlocksUntilPublish(t *testing.T) {
	b := NewBus()
	done := make(chan Event, 1)
	go func() {
		e, _ := b.Next()
		done <- e
	}()
	b.Publish(Event{Kind: TaskCompleted, TaskID: "x"})
	e := <-done
	if e.Kind != TaskCompleted {
		t.Errorf("got %v, want TaskCompleted", e.Kind)
	}
}

func TestMulticaster_FansOutToAllSubscribers(t *testing.T) {
	m := NewMulticaster()
	s1 := m.Subscribe()
	s2 := m.Subscribe()

	m.Publish(Event{Kind: TaskAdded, TaskID: "a"})

	e1, ok := s1.Next()
	if !ok || e1.TaskID != "a" {
		t.Fatalf("subscriber 1 missed event: %+v ok=%v", e1, ok)
	}
	e2, ok := s2.Next()
	if !ok || e2.TaskID != "a" {
		t.Fatalf("subscriber 2 missed event: %+v ok=%v", e2, ok)
	}
}
