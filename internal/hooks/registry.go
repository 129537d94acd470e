package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/axonhq/axon/internal/observability"
)

// Registry manages hook registrations and event dispatch.
type Registry struct {
	handlers map[EventType][]*Registration
	byID     map[string]*Registration
	logger   *observability.Logger
	mu       sync.RWMutex
}

// NewRegistry creates a hook registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Registry{
		handlers: make(map[EventType][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger,
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithName sets the handler name for logging.
func WithName(name string) RegisterOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// WithSource sets the handler source (component name, etc).
func WithSource(source string) RegisterOption {
	return func(r *Registration) {
		r.Source = source
	}
}

// Register adds a handler for an event type.
// Returns the registration ID for later unregistration.
func (r *Registry) Register(event EventType, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:      uuid.NewString(),
		Event:   event,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[event] = append(r.handlers[event], reg)
	r.byID[reg.ID] = reg

	r.logger.Debug(context.Background(), "registered hook",
		"id", reg.ID,
		"event", string(event),
		"name", reg.Name)

	return reg.ID
}

// RegisterAll adds the same handler for every event in events.
// Returns the registration IDs in order.
func (r *Registry) RegisterAll(events []EventType, handler Handler, opts ...RegisterOption) []string {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, r.Register(event, handler, opts...))
	}
	return ids
}

// Unregister removes a handler by its registration ID.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.byID[id]
	if !exists {
		return false
	}

	delete(r.byID, id)

	handlers := r.handlers[reg.Event]
	for i, h := range handlers {
		if h.ID == id {
			r.handlers[reg.Event] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	if len(r.handlers[reg.Event]) == 0 {
		delete(r.handlers, reg.Event)
	}

	return true
}

// Clear removes all registered handlers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[EventType][]*Registration)
	r.byID = make(map[string]*Registration)
}

// Dispatch fires all handlers registered for the event's type in
// parallel and waits for them to finish. Handler errors and panics are
// logged and swallowed: observers never fail the run they observe.
func (r *Registry) Dispatch(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	r.mu.RLock()
	registered := r.handlers[event.Type]
	handlers := make([]*Registration, len(registered))
	copy(handlers, registered)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, reg := range handlers {
		wg.Add(1)
		go func(reg *Registration) {
			defer wg.Done()
			if err := r.callHandler(ctx, reg, event); err != nil {
				r.logger.Warn(ctx, "hook handler failed",
					"event", string(event.Type),
					"handler_id", reg.ID,
					"handler_name", reg.Name,
					"error", err)
			}
		}(reg)
	}
	wg.Wait()
}

// DispatchAsync fires the event without waiting for handlers.
func (r *Registry) DispatchAsync(ctx context.Context, event *Event) {
	go r.Dispatch(ctx, event)
}

func (r *Registry) callHandler(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()

	return reg.Handler(ctx, event)
}

// RegisteredEvents returns the event types with at least one handler,
// sorted for stable output.
func (r *Registry) RegisteredEvents() []EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := make([]EventType, 0, len(r.handlers))
	for event := range r.handlers {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// HandlerCount returns the number of handlers for an event type.
func (r *Registry) HandlerCount(event EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// GetRegistration returns a registration by ID.
func (r *Registry) GetRegistration(id string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

// ListRegistrations returns all registrations for an event type.
func (r *Registry) ListRegistrations(event EventType) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := r.handlers[event]
	result := make([]*Registration, len(handlers))
	copy(result, handlers)
	return result
}
