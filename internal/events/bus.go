// Package events carries engine notifications to the websocket broadcaster
// and any other subscriber.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventBalanceUpdate      EventType = "BALANCE_UPDATE"
	EventTaskFailed         EventType = "TASK_FAILED"
	EventReconcileCompleted EventType = "RECONCILE_COMPLETED"
	EventReconcileConflict  EventType = "RECONCILE_CONFLICT"
	EventBreakerTripped     EventType = "BREAKER_TRIPPED"
	EventEngineStarted      EventType = "ENGINE_STARTED"
	EventEngineStopped      EventType = "ENGINE_STOPPED"
	EventError              EventType = "ERROR"
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
	allSubs     []Subscriber
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

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(id, symbol, side string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": id,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(id, symbol, reason string, closePrice, realizedPnL float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id":  id,
			"symbol":       symbol,
			"reason":       reason,
			"close_price":  closePrice,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishTaskFailed publishes a terminal task failure for the alerting path
func (eb *EventBus) PublishTaskFailed(taskID, taskType, errMsg string, retries int) {
	eb.Publish(Event{
		Type: EventTaskFailed,
		Data: map[string]interface{}{
			"task_id": taskID,
			"type":    taskType,
			"error":   errMsg,
			"retries": retries,
		},
	})
}

// PublishReconcileConflict publishes an unresolved reconciliation finding
func (eb *EventBus) PublishReconcileConflict(positionID, symbol, reason string) {
	eb.Publish(Event{
		Type: EventReconcileConflict,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"reason":      reason,
		},
	})
}
