package events

import (
	"testing"
	"time"
)

// TestSubscribeReceivesMatchingType verifies typed delivery
func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventStateChanged, func(e Event) {
		received <- e
	})

	bus.PublishStateChanged("normal", "safe_mode", "danger capital trigger", false)

	select {
	case e := <-received:
		if e.Data["from"] != "normal" || e.Data["to"] != "safe_mode" {
			t.Errorf("Unexpected event data: %v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("Timestamp not stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

// TestSubscribeIgnoresOtherTypes verifies filtering by type
func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventStateChanged, func(e Event) {
		received <- e
	})

	bus.PublishMilestoneReached(1000, 1250)

	select {
	case e := <-received:
		t.Errorf("Unexpected delivery: %v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestSubscribeAll verifies the firehose subscription
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 2)

	bus.SubscribeAll(func(e Event) {
		received <- e
	})

	bus.PublishTradingToggled(true, "operator toggle")
	bus.PublishBalanceUpdate(1200, 1300, 0.077)

	types := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-received:
			types[e.Type] = true
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for events")
		}
	}

	if !types[EventTradingToggled] || !types[EventBalanceUpdate] {
		t.Errorf("Expected both event types, got %v", types)
	}
}
