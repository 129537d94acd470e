package models

import "time"

// StepType classifies a persisted thread step.
type StepType string

const (
	StepUserMessage      StepType = "user_message"
	StepAssistantMessage StepType = "assistant_message"
	StepToolCall         StepType = "tool_call"
	StepToolResult       StepType = "tool_result"
	StepSystemMessage    StepType = "system_message"
)

// Step is one persisted element of a thread timeline. Steps form a shallow
// tree: tool calls and results hang off the assistant step that issued them.
type Step struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Sequence  int            `json:"sequence"`
	Type      StepType       `json:"type"`
	Name      string         `json:"name"`
	Input     string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Thread groups steps under one conversational timeline.
type Thread struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Feedback is a user rating attached to a step.
// Value is -1, 0 or 1.
type Feedback struct {
	ID        string    `json:"id"`
	ForID     string    `json:"for_id"`
	ThreadID  string    `json:"thread_id"`
	Value     int       `json:"value"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
