package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventStateChanged     EventType = "STATE_CHANGED"
	EventTriggerFired     EventType = "TRIGGER_FIRED"
	EventTierChanged      EventType = "TIER_CHANGED"
	EventMilestoneReached EventType = "MILESTONE_REACHED"
	EventPositionsToClose EventType = "POSITIONS_TO_CLOSE"
	EventTradingToggled   EventType = "TRADING_TOGGLED"
	EventManualReset      EventType = "MANUAL_RESET"
	EventBalanceUpdate    EventType = "BALANCE_UPDATE"
	EventError            EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishStateChanged publishes a safety-state transition event
func (eb *EventBus) PublishStateChanged(from, to, reason string, tradingEnabled bool) {
	eb.Publish(Event{
		Type: EventStateChanged,
		Data: map[string]interface{}{
			"from":            from,
			"to":              to,
			"reason":          reason,
			"trading_enabled": tradingEnabled,
		},
	})
}

// PublishTriggerFired publishes a capital-safety trigger event
func (eb *EventBus) PublishTriggerFired(triggerType, severity string, measured map[string]float64) {
	data := map[string]interface{}{
		"trigger_type": triggerType,
		"severity":     severity,
	}
	for k, v := range measured {
		data[k] = v
	}
	eb.Publish(Event{Type: EventTriggerFired, Data: data})
}

// PublishTierChanged publishes a capital tier transition event
func (eb *EventBus) PublishTierChanged(fromTier, toTier, direction string, balance float64) {
	eb.Publish(Event{
		Type: EventTierChanged,
		Data: map[string]interface{}{
			"from_tier": fromTier,
			"to_tier":   toTier,
			"direction": direction,
			"balance":   balance,
		},
	})
}

// PublishMilestoneReached publishes a capital milestone event
func (eb *EventBus) PublishMilestoneReached(milestone, balance float64) {
	eb.Publish(Event{
		Type: EventMilestoneReached,
		Data: map[string]interface{}{
			"milestone": milestone,
			"balance":   balance,
		},
	})
}

// PublishPositionsToClose publishes the enforcement selection for the broker
// collaborator to execute
func (eb *EventBus) PublishPositionsToClose(symbols []string, dustCount, capCount int) {
	eb.Publish(Event{
		Type: EventPositionsToClose,
		Data: map[string]interface{}{
			"symbols":    symbols,
			"dust_count": dustCount,
			"cap_count":  capCount,
		},
	})
}

// PublishTradingToggled publishes a trading enable/disable event
func (eb *EventBus) PublishTradingToggled(enabled bool, reason string) {
	eb.Publish(Event{
		Type: EventTradingToggled,
		Data: map[string]interface{}{
			"enabled": enabled,
			"reason":  reason,
		},
	})
}

// PublishManualReset publishes an operator reset event
func (eb *EventBus) PublishManualReset(operatorID, notes string) {
	eb.Publish(Event{
		Type: EventManualReset,
		Data: map[string]interface{}{
			"operator_id": operatorID,
			"notes":       notes,
		},
	})
}

// PublishBalanceUpdate publishes a balance report event
func (eb *EventBus) PublishBalanceUpdate(balance, peak, drawdownPct float64) {
	eb.Publish(Event{
		Type: EventBalanceUpdate,
		Data: map[string]interface{}{
			"balance":      balance,
			"peak":         peak,
			"drawdown_pct": drawdownPct,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}
