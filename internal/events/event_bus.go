package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/payperplay/autopower/pkg/logger"
)

// EventType represents the type of event
type EventType string

const (
	// Power lifecycle events
	EventStartRequested EventType = "server.start_requested"
	EventServerStarted  EventType = "server.started"
	EventStartFailed    EventType = "server.start_failed"
	EventServerReady    EventType = "server.ready"
	EventReadyTimeout   EventType = "server.ready_timeout"
	EventStopScheduled  EventType = "server.stop_scheduled"
	EventStopCancelled  EventType = "server.stop_cancelled"
	EventServerStopped  EventType = "server.stopped"
	EventStopFailed     EventType = "server.stop_failed"

	// Backup restore events
	EventBackupRestored      EventType = "backup.restored"
	EventBackupRestoreFailed EventType = "backup.restore_failed"
	EventBackupRestoreSkip   EventType = "backup.restore_skipped"
)

// Event represents a lifecycle event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"` // e.g., "orchestrator", "presence_watcher"
	Server    string                 `json:"server,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// EventHandler is a function that handles events
type EventHandler func(event Event)

// EventStorage defines the interface for storing events
type EventStorage interface {
	Store(event Event) error
	Query(filters EventFilters) ([]Event, error)
}

// EventFilters for querying events
type EventFilters struct {
	Types     []EventType
	Server    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// EventBus manages event publishing and subscription
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscription
	wildcard    []subscription
	nextID      uint64
	storage     EventStorage
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus(storage EventStorage) *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]subscription),
		storage:     storage,
	}
}

// SetStorage replaces the storage backend
func (eb *EventBus) SetStorage(storage EventStorage) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.storage = storage
}

// Subscribe registers a handler for a specific event type and returns a
// function that removes it.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscription{id: id, handler: handler})
	logger.Debug("Event handler subscribed", map[string]interface{}{
		"event_type": eventType,
	})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subscribers[eventType] = without(eb.subscribers[eventType], id)
	}
}

// SubscribeAll registers a handler for every event type
func (eb *EventBus) SubscribeAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.wildcard = append(eb.wildcard, subscription{id: id, handler: handler})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.wildcard = without(eb.wildcard, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish stores the event and notifies subscribers. A nil bus drops events.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Data == nil {
		event.Data = map[string]interface{}{}
	}

	eb.mu.RLock()
	storage := eb.storage
	handlers := make([]EventHandler, 0, len(eb.subscribers[event.Type])+len(eb.wildcard))
	for _, s := range eb.subscribers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range eb.wildcard {
		handlers = append(handlers, s.handler)
	}
	eb.mu.RUnlock()

	if storage != nil {
		if err := storage.Store(event); err != nil {
			logger.Error("Failed to store event", err, map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
			})
		}
	}

	for _, handler := range handlers {
		// Run handlers in goroutines to avoid blocking
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Event handler panicked", nil, map[string]interface{}{
						"event_type": event.Type,
						"panic":      r,
					})
				}
			}()
			h(event)
		}(handler)
	}

	logger.Debug("Event published", map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"server":     event.Server,
	})
}

// Query retrieves events based on filters
func (eb *EventBus) Query(filters EventFilters) ([]Event, error) {
	eb.mu.RLock()
	storage := eb.storage
	eb.mu.RUnlock()

	if storage == nil {
		return nil, nil
	}
	return storage.Query(filters)
}
