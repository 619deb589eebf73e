package hooks

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// Handler processes a single hook event. Handler errors are logged by the
// dispatcher and never propagate to the installer.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string

	// Handle processes one event occurrence.
	Handle(ctx context.Context, event string, payload map[string]interface{}) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, event string, payload map[string]interface{}) error
}

// NewHandlerFunc wraps fn as a named handler.
func NewHandlerFunc(name string, fn func(ctx context.Context, event string, payload map[string]interface{}) error) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string {
	return h.name
}

func (h *HandlerFunc) Handle(ctx context.Context, event string, payload map[string]interface{}) error {
	return h.fn(ctx, event, payload)
}

// Dispatcher fans hook events out to registered handlers in registration
// order. A panicking or failing handler is logged and skipped; the install
// never observes hook failures.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	enabled  map[string]bool
	logger   zerolog.Logger
}

var _ engine.HookDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with every event enabled.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// WithEnabledEvents restricts dispatch to the listed events. An empty list
// re-enables everything.
func (d *Dispatcher) WithEnabledEvents(events []string) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(events) == 0 {
		d.enabled = nil
		return d
	}

	d.enabled = make(map[string]bool, len(events))
	for _, event := range events {
		d.enabled[event] = true
	}
	return d
}

// Register appends a handler for the event. Handlers run in registration
// order.
func (d *Dispatcher) Register(event string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = append(d.handlers[event], handler)
}

// HandlerCount returns the number of handlers registered for the event.
func (d *Dispatcher) HandlerCount(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

// Dispatch invokes all handlers registered for the event, in order.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, payload map[string]interface{}) {
	d.mu.RLock()
	if d.enabled != nil && !d.enabled[event] {
		d.mu.RUnlock()
		return
	}
	handlers := append([]Handler(nil), d.handlers[event]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		d.invoke(ctx, handler, event, payload)
	}
}

// invoke runs one handler, containing panics and logging failures.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, event string, payload map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", event).
				Str("handler", handler.Name()).
				Interface("panic", r).
				Msg("Hook handler panicked")
		}
	}()

	if err := handler.Handle(ctx, event, payload); err != nil {
		d.logger.Error().
			Err(err).
			Str("event", event).
			Str("handler", handler.Name()).
			Msg("Hook handler failed")
		return
	}

	d.logger.Debug().
		Str("event", event).
		Str("handler", handler.Name()).
		Msg("Hook handler completed")
}
