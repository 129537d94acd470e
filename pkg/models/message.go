// Package models defines the conversation, thread, and session data types
// shared by the server, memory tiers, and providers.
package models

import (
	"encoding/json"
	"time"
)

// MessageType is the discriminator tag carried by every message variant.
type MessageType string

const (
	MessageTypeSystem     MessageType = "system"
	MessageTypeUser       MessageType = "user"
	MessageTypeAssistant  MessageType = "assistant"
	MessageTypeToolCall   MessageType = "tool_call"
	MessageTypeToolResult MessageType = "tool_result"
)

// FinishReason indicates why an assistant turn ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishGuardrail FinishReason = "guardrail_tripped"
)

// Message is the closed union of conversation message variants. Every
// variant reports its discriminator via Type; serialization goes through
// Marshal/Unmarshal in codec.go so the tag stays consistent.
type Message interface {
	Type() MessageType
}

// ContentPart is one element of ordered multimodal content.
// Kind is one of "text", "image", "audio", "video".
type ContentPart struct {
	Kind   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Format string       `json:"format,omitempty"`
	Source *MediaSource `json:"source,omitempty"`
}

// MediaSource carries binary media as base64.
type MediaSource struct {
	Kind      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: "text", Text: text}
}

// ImagePart builds a base64 image content part.
func ImagePart(mediaType, data string) ContentPart {
	return ContentPart{
		Kind:   "image",
		Source: &MediaSource{Kind: "base64", MediaType: mediaType, Data: data},
	}
}

// ToolCall is a provider-issued request to invoke a registered tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// UnmarshalJSON tolerates an arguments field encoded either as a JSON
// object or as a JSON string containing an object, which is how several
// providers ship partial tool input.
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tc.ID = raw.ID
	tc.Name = raw.Name
	tc.Arguments = decodeArguments(raw.Arguments)
	return nil
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		if m == nil {
			return map[string]any{}
		}
		return m
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &m); err == nil && m != nil {
			return m
		}
	}
	return map[string]any{}
}

// ArgumentsJSON returns the arguments encoded as a JSON object.
func (tc *ToolCall) ArgumentsJSON() json.RawMessage {
	if tc.Arguments == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(tc.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// Usage aggregates token accounting for one or more model calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// SystemMessage sets instructions for the model.
type SystemMessage struct {
	Tag     MessageType `json:"type"`
	Content string      `json:"content"`
}

// NewSystemMessage builds a tagged system message.
func NewSystemMessage(content string) *SystemMessage {
	return &SystemMessage{Tag: MessageTypeSystem, Content: content}
}

func (m *SystemMessage) Type() MessageType { return MessageTypeSystem }

// UserMessage carries ordered multimodal user content.
type UserMessage struct {
	Tag     MessageType   `json:"type"`
	Content []ContentPart `json:"content"`
}

// NewUserMessage builds a tagged user message from content parts.
func NewUserMessage(parts ...ContentPart) *UserMessage {
	return &UserMessage{Tag: MessageTypeUser, Content: parts}
}

// NewUserText builds a user message with a single text part.
func NewUserText(text string) *UserMessage {
	return NewUserMessage(TextPart(text))
}

func (m *UserMessage) Type() MessageType { return MessageTypeUser }

// PlainText concatenates the text parts of the message.
func (m *UserMessage) PlainText() string {
	return joinTextParts(m.Content)
}

// AssistantMessage is one model turn: optional reasoning, ordered content,
// any tool calls the model issued, the finish reason and token usage.
type AssistantMessage struct {
	Tag          MessageType   `json:"type"`
	Reasoning    string        `json:"reasoning,omitempty"`
	Content      []ContentPart `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FinishReason FinishReason  `json:"finish_reason"`
	Usage        *Usage        `json:"usage,omitempty"`
}

// NewAssistantMessage builds a tagged assistant message with text content.
func NewAssistantMessage(text string) *AssistantMessage {
	return &AssistantMessage{
		Tag:          MessageTypeAssistant,
		Content:      []ContentPart{TextPart(text)},
		FinishReason: FinishStop,
	}
}

func (m *AssistantMessage) Type() MessageType { return MessageTypeAssistant }

// PlainText concatenates the text parts of the message.
func (m *AssistantMessage) PlainText() string {
	return joinTextParts(m.Content)
}

// ToolCallMessage records a single tool invocation request in history.
type ToolCallMessage struct {
	Tag       MessageType    `json:"type"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewToolCallMessage builds a tagged tool call record.
func NewToolCallMessage(id, name string, arguments map[string]any) *ToolCallMessage {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return &ToolCallMessage{Tag: MessageTypeToolCall, ID: id, Name: name, Arguments: arguments}
}

func (m *ToolCallMessage) Type() MessageType { return MessageTypeToolCall }

// UnmarshalJSON tolerates string-encoded arguments the same way ToolCall does.
func (m *ToolCallMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Tag       MessageType     `json:"type"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Tag = raw.Tag
	m.ID = raw.ID
	m.Name = raw.Name
	m.Arguments = decodeArguments(raw.Arguments)
	return nil
}

// ResultBlock is one typed block of tool output.
// Kind is one of "text", "image", "error", "file".
type ResultBlock struct {
	Kind      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64 for image and file blocks
	Name      string `json:"name,omitempty"` // file name for file blocks
}

// TextBlock builds a text result block.
func TextBlock(text string) ResultBlock {
	return ResultBlock{Kind: "text", Text: text}
}

// ErrorBlock builds an error result block.
func ErrorBlock(message string) ResultBlock {
	return ResultBlock{Kind: "error", Text: message}
}

// ImageBlock builds a base64 image result block.
func ImageBlock(mediaType, data string) ResultBlock {
	return ResultBlock{Kind: "image", MediaType: mediaType, Data: data}
}

// FileBlock builds a base64 file result block.
func FileBlock(name, data string) ResultBlock {
	return ResultBlock{Kind: "file", Name: name, Data: data}
}

// ToolResultMessage carries the outcome of one tool call.
type ToolResultMessage struct {
	Tag     MessageType   `json:"type"`
	CallID  string        `json:"call_id"`
	Content []ResultBlock `json:"content"`
	IsError bool          `json:"is_error,omitempty"`
}

// NewToolResultMessage builds a tagged tool result.
func NewToolResultMessage(callID string, blocks ...ResultBlock) *ToolResultMessage {
	return &ToolResultMessage{Tag: MessageTypeToolResult, CallID: callID, Content: blocks}
}

// NewToolErrorMessage builds an error tool result with a single error block.
func NewToolErrorMessage(callID, message string) *ToolResultMessage {
	return &ToolResultMessage{
		Tag:     MessageTypeToolResult,
		CallID:  callID,
		Content: []ResultBlock{ErrorBlock(message)},
		IsError: true,
	}
}

func (m *ToolResultMessage) Type() MessageType { return MessageTypeToolResult }

// PlainText concatenates the text and error blocks of the result.
func (m *ToolResultMessage) PlainText() string {
	var out string
	for _, b := range m.Content {
		if b.Kind == "text" || b.Kind == "error" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

func joinTextParts(parts []ContentPart) string {
	var out string
	for _, p := range parts {
		if p.Kind != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// Stamped pairs a message with its storage position when read back from
// the cold tier.
type Stamped struct {
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	Message   Message   `json:"-"`
}
