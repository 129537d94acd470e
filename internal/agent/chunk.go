package agent

import "github.com/axonhq/axon/pkg/models"

// ChunkKind discriminates the payload of a streamed chunk.
type ChunkKind string

const (
	// ChunkTextDelta carries an incremental piece of response text.
	ChunkTextDelta ChunkKind = "text_delta"

	// ChunkReasoningDelta carries an incremental piece of reasoning text.
	ChunkReasoningDelta ChunkKind = "reasoning_delta"

	// ChunkCompletion carries the assembled assistant message for a step.
	ChunkCompletion ChunkKind = "completion"

	// ChunkToolResult carries the outcome of one tool call.
	ChunkToolResult ChunkKind = "tool_result"

	// ChunkRunEnd is the final chunk of every stream and carries the
	// aggregated run result.
	ChunkRunEnd ChunkKind = "run_end"
)

// Chunk is one unit of a streamed agent run. Exactly one payload field
// is populated, matching Kind.
type Chunk struct {
	Kind ChunkKind `json:"type"`

	// Step is the 1-based think-act cycle the chunk belongs to. Zero for
	// run_end chunks.
	Step int `json:"step,omitempty"`

	// Delta is the incremental text for text_delta and reasoning_delta.
	Delta string `json:"delta,omitempty"`

	// Message is the assembled assistant message for completion chunks.
	Message *models.AssistantMessage `json:"message,omitempty"`

	// ToolName and ToolResult describe one tool outcome for tool_result
	// chunks.
	ToolName   string                    `json:"tool_name,omitempty"`
	ToolResult *models.ToolResultMessage `json:"tool_result,omitempty"`

	// Result is the aggregated run outcome, set on the run_end chunk.
	Result *RunResult `json:"result,omitempty"`
}
