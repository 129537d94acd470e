// Package guardrails provides safety checks that run at interception
// points in the agent loop: before user input reaches the model, after
// the model responds, and before a tool executes.
//
// A check inspects a frozen Context snapshot and reports a Result.
// Failed checks are soft by default; a tripwire result aborts the run.
// Checks that error or panic internally are reported as passed (fail
// open) so a broken check never hard-stops an otherwise healthy run.
package guardrails

import (
	"context"
	"fmt"
	"time"
)

// Type is the interception point a guardrail runs at.
type Type string

const (
	// TypeInput runs before user input enters memory and the model.
	TypeInput Type = "input"

	// TypeOutput runs after the model responds, before returning to the user.
	TypeOutput Type = "output"

	// TypeToolCall runs before a tool is executed.
	TypeToolCall Type = "tool_call"
)

// Context is the frozen snapshot a guardrail inspects. At most one of
// the input text, output text, or tool call fields is populated,
// matching the interception point.
type Context struct {
	AgentName string
	RunID     string

	// InputText is set for input checks.
	InputText string

	// OutputText is set for output checks.
	OutputText string

	// ToolName and ToolArguments are set for tool_call checks.
	ToolName      string
	ToolArguments map[string]any
}

// InputContext builds the snapshot for an input check.
func InputContext(agentName, runID, text string) *Context {
	return &Context{AgentName: agentName, RunID: runID, InputText: text}
}

// OutputContext builds the snapshot for an output check.
func OutputContext(agentName, runID, text string) *Context {
	return &Context{AgentName: agentName, RunID: runID, OutputText: text}
}

// ToolCallContext builds the snapshot for a tool_call check.
func ToolCallContext(agentName, runID, toolName string, args map[string]any) *Context {
	return &Context{AgentName: agentName, RunID: runID, ToolName: toolName, ToolArguments: args}
}

// TextFor returns the text a stage inspects.
func (c *Context) TextFor(stage Type) string {
	if stage == TypeOutput {
		return c.OutputText
	}
	return c.InputText
}

// Result is the outcome of a single guardrail check.
type Result struct {
	Name      string         `json:"guardrail_name"`
	Type      Type           `json:"guardrail_type"`
	Passed    bool           `json:"passed"`
	Tripwire  bool           `json:"tripwire"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// WithMeta adds one metadata entry and returns the result for chaining.
func (r *Result) WithMeta(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// Guardrail is a single safety check. Check must be safe for
// concurrent use; the runner fires same-type guardrails in parallel.
// A returned error or a panic is treated as fail-open by the runner.
type Guardrail interface {
	Name() string
	Description() string
	Type() Type
	Check(ctx context.Context, gc *Context) (*Result, error)
}

// Pass builds a passing result for g.
func Pass(g Guardrail, message string) *Result {
	return &Result{
		Name:      g.Name(),
		Type:      g.Type(),
		Passed:    true,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Fail builds a failing result for g.
func Fail(g Guardrail, message string, tripwire bool) *Result {
	return &Result{
		Name:      g.Name(),
		Type:      g.Type(),
		Passed:    false,
		Tripwire:  tripwire,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// TripwireError reports the guardrail result that aborted a run.
type TripwireError struct {
	GuardrailName string
	Message       string
	Result        *Result
}

func (e *TripwireError) Error() string {
	return fmt.Sprintf("guardrail '%s' triggered tripwire: %s", e.GuardrailName, e.Message)
}
