package events

import (
	"log/slog"
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBus(slog.New(slog.DiscardHandler))

	var first, second []Event
	b.Subscribe(func(e Event) { first = append(first, e) })
	b.Subscribe(func(e Event) { second = append(second, e) })

	b.Publish(Event{Type: ExecutionStarted, ExecutionID: "e1"})
	b.Publish(Event{Type: NodeFinished, ExecutionID: "e1", NodeID: "n1"})

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("deliveries = %d/%d, want 2/2", len(first), len(second))
	}
	if first[0].Type != ExecutionStarted || first[1].NodeID != "n1" {
		t.Errorf("delivery order broken: %+v", first)
	}
}

func TestPublishStampsTime(t *testing.T) {
	b := NewBus(slog.New(slog.DiscardHandler))

	var got Event
	b.Subscribe(func(e Event) { got = e })

	b.Publish(Event{Type: UsageRecorded})
	if got.At.IsZero() {
		t.Error("Publish should stamp At when unset")
	}

	fixed := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(Event{Type: UsageRecorded, At: fixed})
	if !got.At.Equal(fixed) {
		t.Errorf("explicit At overwritten: %v", got.At)
	}
}

func TestPanicContainment(t *testing.T) {
	b := NewBus(slog.New(slog.DiscardHandler))

	delivered := false
	b.Subscribe(func(Event) { panic("bad subscriber") })
	b.Subscribe(func(Event) { delivered = true })

	b.Publish(Event{Type: QuotaAlert})
	if !delivered {
		t.Error("a panicking subscriber must not block later ones")
	}
}
