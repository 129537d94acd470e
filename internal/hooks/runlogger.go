package hooks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/axonhq/axon/internal/observability"
)

// RunLogger is a hook consumer that records every lifecycle event for
// debugging. Attach registers it for all nine events.
type RunLogger struct {
	logger *observability.Logger
	mu     sync.Mutex
	events []*Event
}

// NewRunLogger creates a run logger.
func NewRunLogger(logger *observability.Logger) *RunLogger {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &RunLogger{logger: logger}
}

// Attach registers the logger for every lifecycle event and returns
// the registration IDs.
func (l *RunLogger) Attach(r *Registry) []string {
	return r.RegisterAll(AllEvents(), l.Log, WithName("run_logger"))
}

// Log records the event and writes a one-line summary.
func (l *RunLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()

	l.logger.Debug(ctx, "hook event",
		"event", string(event.Type),
		"agent", event.AgentName,
		"detail", summarize(event))
	return nil
}

// Events returns a snapshot of the recorded events in arrival order.
func (l *RunLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Event, len(l.events))
	copy(out, l.events)
	return out
}

// Clear discards the recorded events.
func (l *RunLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// summarize renders the populated identifying fields of an event.
func summarize(event *Event) string {
	var parts []string
	if event.RunID != "" {
		parts = append(parts, "run_id="+event.RunID)
	}
	if event.Step > 0 {
		parts = append(parts, fmt.Sprintf("step=%d", event.Step))
	}
	if event.ToolName != "" {
		parts = append(parts, "tool="+event.ToolName)
	}
	if event.Model != "" {
		parts = append(parts, "model="+event.Model)
	}
	if event.Guardrail != "" {
		parts = append(parts, "guardrail="+event.Guardrail)
	}
	if event.Duration > 0 {
		parts = append(parts, "duration="+event.Duration.String())
	}
	if event.Status != "" {
		parts = append(parts, "status="+event.Status)
	}
	if event.ErrorMsg != "" {
		parts = append(parts, "error="+event.ErrorMsg)
	}
	if len(parts) == 0 {
		return "no details"
	}
	return strings.Join(parts, ", ")
}
