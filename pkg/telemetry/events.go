package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents an engine event delivered to in-process subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RootID is the associated root, if applicable.
	RootID string `json:"root_id,omitempty"`

	// TaskID is the associated task, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRootBuilt         = "root.built"
	EventTypeRootCompleted     = "root.completed"
	EventTypeRootCancelled     = "root.cancelled"
	EventTypeCallbackActivated = "root.callback_activated"
	EventTypeTaskTransition    = "task.transition"
	EventTypePolicyViolation   = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	if ep.closed {
		ep.mu.RUnlock()
		return ErrPublisherStopped
	}
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}

	if !ep.config.EnableAsync {
		ep.mu.RUnlock()
		ep.deliverEvent(event)
		return nil
	}

	// Shutdown takes the write lock, so every send lands before the drain.
	defer ep.mu.RUnlock()
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishRootBuilt publishes a root built event.
func (ep *EventPublisher) PublishRootBuilt(rootID, name string, tasks int) error {
	return ep.Publish(Event{
		Type:    EventTypeRootBuilt,
		Source:  "engine",
		RootID:  rootID,
		Message: fmt.Sprintf("Root %s built with %d tasks", name, tasks),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"name":  name,
			"tasks": tasks,
		},
	})
}

// PublishRootCompleted publishes a root completed event.
func (ep *EventPublisher) PublishRootCompleted(rootID, status string) error {
	level := EventLevelInfo
	if status != "successful" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeRootCompleted,
		Source:  "propagator",
		RootID:  rootID,
		Message: fmt.Sprintf("Root %s completed with status: %s", rootID, status),
		Level:   level,
		Data: map[string]interface{}{
			"status": status,
		},
	})
}

// PublishRootCancelled publishes a root cancelled event.
func (ep *EventPublisher) PublishRootCancelled(rootID string) error {
	return ep.Publish(Event{
		Type:    EventTypeRootCancelled,
		Source:  "engine",
		RootID:  rootID,
		Message: fmt.Sprintf("Root %s cancelled", rootID),
		Level:   EventLevelWarning,
	})
}

// PublishCallbackActivated publishes a callback activation event.
func (ep *EventPublisher) PublishCallbackActivated(parentID, childID string) error {
	return ep.Publish(Event{
		Type:    EventTypeCallbackActivated,
		Source:  "propagator",
		RootID:  childID,
		Message: fmt.Sprintf("Root %s activated by completion of %s", childID, parentID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"parent_id": parentID,
		},
	})
}

// PublishTaskTransition publishes a task status change.
func (ep *EventPublisher) PublishTaskTransition(rootID, taskID, from, to, message string) error {
	level := EventLevelInfo
	if to == "failed" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeTaskTransition,
		Source:  "engine",
		RootID:  rootID,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s: %s -> %s", taskID, from, to),
		Level:   level,
		Data: map[string]interface{}{
			"from":    from,
			"to":      to,
			"message": message,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(rootName, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		Message: fmt.Sprintf("Policy violation on root %s: %s - %s", rootName, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"root":   rootName,
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer, delivering a batch when it is full or
// when the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	maxBatch := ep.config.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 1
	}
	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, maxBatch)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= maxBatch {
				ep.flushBatch(batch)
				batch = make([]Event, 0, maxBatch)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, maxBatch)
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	stopped := ep.closed
	ep.closed = true
	ep.mu.Unlock()
	if !stopped {
		ep.cancel()
	}

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
