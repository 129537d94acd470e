// Package hooks provides lifecycle event dispatch for agent runs.
//
// The orchestrator fires events at run, step, model-call, and tool
// boundaries plus guardrail trips. Handlers run in parallel and their
// failures are logged, never propagated: a broken observer must not
// crash the run it observes. Registries are created per run rather
// than shared globally so concurrent runs stay isolated.
package hooks

import (
	"context"
	"time"

	"github.com/axonhq/axon/pkg/models"
)

// EventType identifies a lifecycle event in the agent run loop.
type EventType string

const (
	// Run events bracket a whole Agent.Run invocation.
	EventRunStart EventType = "run_start"
	EventRunEnd   EventType = "run_end"

	// Step events bracket one think-act cycle.
	EventStepStart EventType = "step_start"
	EventStepEnd   EventType = "step_end"

	// LLM events bracket a single model call.
	EventLLMStart EventType = "llm_start"
	EventLLMEnd   EventType = "llm_end"

	// Tool events bracket a single tool execution.
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"

	// EventGuardrailTrip fires when a tripwire guardrail aborts the run.
	EventGuardrailTrip EventType = "guardrail_trip"
)

// AllEvents lists every lifecycle event, in loop order.
func AllEvents() []EventType {
	return []EventType{
		EventRunStart, EventRunEnd,
		EventStepStart, EventStepEnd,
		EventLLMStart, EventLLMEnd,
		EventToolStart, EventToolEnd,
		EventGuardrailTrip,
	}
}

// Event carries the context of a lifecycle event. Handlers must treat
// it as read-only; the same Event is visible to every handler at once.
type Event struct {
	// Type is the lifecycle event category.
	Type EventType `json:"type"`

	// RunID identifies the agent run this event belongs to.
	RunID string `json:"run_id,omitempty"`

	// AgentName is the name of the agent configuration in use.
	AgentName string `json:"agent_name,omitempty"`

	// SessionID identifies the conversation session, when known.
	SessionID string `json:"session_id,omitempty"`

	// Step is the 1-based think-act cycle index, for step/llm/tool events.
	Step int `json:"step,omitempty"`

	// Model is the model identifier, for llm events.
	Model string `json:"model,omitempty"`

	// ToolName and CallID identify the tool invocation, for tool events.
	ToolName string `json:"tool_name,omitempty"`
	CallID   string `json:"call_id,omitempty"`

	// Guardrail names the check that tripped, for guardrail_trip events.
	Guardrail string `json:"guardrail,omitempty"`

	// Status is the terminal run status, for run_end events.
	Status string `json:"status,omitempty"`

	// Usage is the token usage of the model call, for llm_end events.
	Usage *models.Usage `json:"usage,omitempty"`

	// Duration is how long the bracketed operation took, for *_end events.
	Duration time.Duration `json:"duration_ns,omitempty"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Context holds additional event-specific data.
	Context map[string]any `json:"context,omitempty"`

	// Error is set on events reporting a failure.
	Error    error  `json:"-"`
	ErrorMsg string `json:"error,omitempty"`
}

// Handler processes a lifecycle event. Handlers for the same event run
// concurrently; a returned error is logged by the registry and dropped.
type Handler func(ctx context.Context, event *Event) error

// Registration records one registered handler.
type Registration struct {
	// ID is a unique identifier for this registration.
	ID string

	// Event is the event type this handler listens for.
	Event EventType

	// Handler is the function to call.
	Handler Handler

	// Name is a human-readable name for logging.
	Name string

	// Source identifies where this handler came from.
	Source string
}

// NewEvent creates an event with the timestamp set.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// WithRun sets the run id and agent name.
func (e *Event) WithRun(runID, agentName string) *Event {
	e.RunID = runID
	e.AgentName = agentName
	return e
}

// WithSession sets the session id.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithStep sets the think-act cycle index.
func (e *Event) WithStep(step int) *Event {
	e.Step = step
	return e
}

// WithModel sets the model identifier.
func (e *Event) WithModel(model string) *Event {
	e.Model = model
	return e
}

// WithTool sets the tool name and call id.
func (e *Event) WithTool(toolName, callID string) *Event {
	e.ToolName = toolName
	e.CallID = callID
	return e
}

// WithGuardrail sets the name of the tripped guardrail.
func (e *Event) WithGuardrail(name string) *Event {
	e.Guardrail = name
	return e
}

// WithStatus sets the terminal run status.
func (e *Event) WithStatus(status string) *Event {
	e.Status = status
	return e
}

// WithUsage sets the token usage.
func (e *Event) WithUsage(usage *models.Usage) *Event {
	e.Usage = usage
	return e
}

// WithDuration sets the elapsed time of the bracketed operation.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// WithContext adds one key of event-specific data.
func (e *Event) WithContext(key string, value any) *Event {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithError sets the error on the event.
func (e *Event) WithError(err error) *Event {
	e.Error = err
	if err != nil {
		e.ErrorMsg = err.Error()
	}
	return e
}
