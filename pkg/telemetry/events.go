package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted during an installation run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Module is the associated module name, if applicable.
	Module string `json:"module,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for the installation run lifecycle.
const (
	EventTypeRunStarted           = "run.started"
	EventTypeRunCompleted         = "run.completed"
	EventTypeRunFailed            = "run.failed"
	EventTypeBatchStarted         = "batch.started"
	EventTypeBatchCompleted       = "batch.completed"
	EventTypeModuleStarted        = "module.started"
	EventTypeModuleStage          = "module.stage"
	EventTypeModuleCompleted      = "module.completed"
	EventTypeModuleFailed         = "module.failed"
	EventTypeRollbackStarted      = "rollback.started"
	EventTypeRollbackActionFailed = "rollback.action_failed"
	EventTypeRollbackCompleted    = "rollback.completed"
	EventTypeBreakerStateChanged  = "breaker.state_changed"
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
	ctx         context.Context
	cancel      context.CancelFunc
}

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

	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID string, dryRun bool) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "installer",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started (dry_run=%t)", runID, dryRun),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"dry_run": dryRun,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "installer",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed", runID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "installer",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishBatchStarted publishes a batch started event.
func (ep *EventPublisher) PublishBatchStarted(runID string, index int, modules []string) error {
	return ep.Publish(Event{
		Type:    EventTypeBatchStarted,
		Source:  "installer",
		RunID:   runID,
		Message: fmt.Sprintf("Batch %d started (%d modules)", index, len(modules)),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"batch":   index,
			"modules": modules,
		},
	})
}

// PublishBatchCompleted publishes a batch completed event.
func (ep *EventPublisher) PublishBatchCompleted(runID string, index int, failed bool) error {
	level := EventLevelInfo
	if failed {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeBatchCompleted,
		Source:  "installer",
		RunID:   runID,
		Message: fmt.Sprintf("Batch %d completed (failed=%t)", index, failed),
		Level:   level,
		Data: map[string]interface{}{
			"batch":  index,
			"failed": failed,
		},
	})
}

// PublishModuleStarted publishes a module started event.
func (ep *EventPublisher) PublishModuleStarted(runID, module string) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleStarted,
		Source:  "executor",
		RunID:   runID,
		Module:  module,
		Message: fmt.Sprintf("Module %s started", module),
		Level:   EventLevelInfo,
	})
}

// PublishModuleStage publishes a module stage transition event.
func (ep *EventPublisher) PublishModuleStage(runID, module, stage string) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleStage,
		Source:  "executor",
		RunID:   runID,
		Module:  module,
		Message: fmt.Sprintf("Module %s entered stage %s", module, stage),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"stage": stage,
		},
	})
}

// PublishModuleCompleted publishes a module completed event.
func (ep *EventPublisher) PublishModuleCompleted(runID, module string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleCompleted,
		Source:  "executor",
		RunID:   runID,
		Module:  module,
		Message: fmt.Sprintf("Module %s completed", module),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishModuleFailed publishes a module failed event.
func (ep *EventPublisher) PublishModuleFailed(runID, module, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleFailed,
		Source:  "executor",
		RunID:   runID,
		Module:  module,
		Message: fmt.Sprintf("Module %s failed: %s", module, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRollbackStarted publishes a rollback started event.
func (ep *EventPublisher) PublishRollbackStarted(runID string, actions int) error {
	return ep.Publish(Event{
		Type:    EventTypeRollbackStarted,
		Source:  "rollback",
		RunID:   runID,
		Message: fmt.Sprintf("Rolling back %d recorded actions", actions),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"actions": actions,
		},
	})
}

// PublishRollbackActionFailed publishes a rollback action failure event.
func (ep *EventPublisher) PublishRollbackActionFailed(runID, description, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRollbackActionFailed,
		Source:  "rollback",
		RunID:   runID,
		Message: fmt.Sprintf("Rollback action failed: %s: %s", description, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"description": description,
			"reason":      reason,
		},
	})
}

// PublishRollbackCompleted publishes a rollback completed event.
func (ep *EventPublisher) PublishRollbackCompleted(runID string, failed int) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeRollbackCompleted,
		Source:  "rollback",
		RunID:   runID,
		Message: fmt.Sprintf("Rollback completed (%d failures)", failed),
		Level:   level,
		Data: map[string]interface{}{
			"failed": failed,
		},
	})
}

// PublishBreakerStateChanged publishes a circuit breaker state change event.
func (ep *EventPublisher) PublishBreakerStateChanged(name, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeBreakerStateChanged,
		Source:  "breaker",
		Message: fmt.Sprintf("Circuit breaker %s changed from %s to %s", name, from, to),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"breaker": name,
			"from":    from,
			"to":      to,
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

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain the buffer and flush before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Draining is handled by the processEvents goroutine
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers. Delivery is
// synchronous so subscribers observe events in publish order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

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

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByModule creates a filter that only allows events for a specific module.
func FilterByModule(module string) EventFilter {
	return func(event Event) bool {
		return event.Module == module
	}
}
