package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/axonhq/axon/internal/guardrails"
	"github.com/axonhq/axon/pkg/models"
)

// Status is the terminal state of an agent run.
type Status string

const (
	// StatusCompleted means the agent finished naturally.
	StatusCompleted Status = "completed"

	// StatusMaxIterations means the run hit the iteration ceiling.
	StatusMaxIterations Status = "max_iterations_reached"

	// StatusError means an unrecoverable failure stopped the run.
	StatusError Status = "error"

	// StatusCancelled means the run's context was cancelled.
	StatusCancelled Status = "cancelled"

	// StatusGuardrailTripped means a tripwire guardrail aborted the run.
	StatusGuardrailTripped Status = "guardrail_tripped"
)

// ToolCallRecord is one tool invocation and its outcome.
type ToolCallRecord struct {
	ToolName  string         `json:"tool_name"`
	CallID    string         `json:"call_id"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
}

// Step is one think-act cycle inside a run. Thought holds the model's
// text for the cycle; ToolCalls is empty when the model answered
// directly. Usage covers this step's model call only.
type Step struct {
	Step         int                 `json:"step"`
	Thought      string              `json:"thought,omitempty"`
	Reasoning    string              `json:"reasoning,omitempty"`
	ToolCalls    []ToolCallRecord    `json:"tool_calls,omitempty"`
	Usage        *models.Usage       `json:"usage,omitempty"`
	FinishReason models.FinishReason `json:"finish_reason,omitempty"`
}

// HasToolCalls reports whether the step requested tools.
func (s *Step) HasToolCalls() bool {
	return len(s.ToolCalls) > 0
}

// AggregatedUsage accumulates token spend across every model call in a
// run.
type AggregatedUsage struct {
	models.Usage
	LLMCalls int `json:"llm_calls"`
}

// Record adds one model call's usage sample. A nil sample still counts
// the call.
func (u *AggregatedUsage) Record(sample *models.Usage) {
	u.LLMCalls++
	if sample != nil {
		u.Add(*sample)
	}
}

// RunResult is the complete outcome of one agent run. Output is the
// final answer text; Steps is the full reasoning trace. The error
// string is set only when Status is StatusError; guardrail outcomes are
// reported through GuardrailResults.
type RunResult struct {
	RunID     string `json:"run_id"`
	AgentName string `json:"agent_name"`

	Output string `json:"output"`
	Status Status `json:"status"`

	Steps []Step          `json:"steps"`
	Usage AggregatedUsage `json:"usage"`

	ToolCallsTotal  int            `json:"tool_calls_total"`
	ToolCallsByName map[string]int `json:"tool_calls_by_name,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Error string `json:"error,omitempty"`

	GuardrailResults []*guardrails.Result `json:"guardrail_results,omitempty"`

	MaxIterations int `json:"max_iterations"`
}

// Success reports whether the run finished naturally.
func (r *RunResult) Success() bool {
	return r.Status == StatusCompleted
}

// StepsUsed returns the number of think-act cycles consumed.
func (r *RunResult) StepsUsed() int {
	return len(r.Steps)
}

// Duration returns the wall-clock time of the run.
func (r *RunResult) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Summary returns a one-line human-readable digest of the run.
func (r *RunResult) Summary() string {
	names := make([]string, 0, len(r.ToolCallsByName))
	for name := range r.ToolCallsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	calls := make([]string, 0, len(names))
	for _, name := range names {
		calls = append(calls, fmt.Sprintf("%sx%d", name, r.ToolCallsByName[name]))
	}
	toolInfo := strings.Join(calls, ", ")
	if toolInfo == "" {
		toolInfo = "none"
	}
	return fmt.Sprintf("[%s] %s | %d/%d steps | %d tool calls (%s) | %d tokens | %s",
		r.Status, r.AgentName, r.StepsUsed(), r.MaxIterations,
		r.ToolCallsTotal, toolInfo, r.Usage.TotalTokens, r.Duration().Round(time.Millisecond))
}

func (r *RunResult) String() string {
	return r.Summary()
}
