package event

import (
	"context"
	"testing"
	"time"
)

func TestEventCollectorCollectsEvents(t *testing.T) {
	collector := NewEventCollector[int]()
	collector.Collect(1)
	collector.Collect(2)

	events := collector.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0] != 1 || events[1] != 2 {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestEventCollectorWaitForCount(t *testing.T) {
	collector := NewEventCollector[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		collector.Collect("a")
		collector.Collect("b")
	}()

	events := collector.WaitForCount(t, 2, time.Second)
	if len(events) != 2 || events[1] != "b" {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestReceiveWithTimeoutReceivesBusEvent(t *testing.T) {
	bus := NewBus[string](context.Background(), BusOptions{})
	defer bus.Close()

	events, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish("ok")
	received := ReceiveWithTimeout(t, events, 100*time.Millisecond)
	if received != "ok" {
		t.Fatalf("expected ok, got %q", received)
	}
}

func TestExpectClosedAfterCancel(t *testing.T) {
	bus := NewBus[string](context.Background(), BusOptions{})
	defer bus.Close()

	events, cancel := bus.Subscribe()
	cancel()
	ExpectClosed(t, events, 100*time.Millisecond)
}
