// Package providers adapts model backends to a single streaming contract.
//
// Each adapter converts the message union into its provider's wire format,
// streams the response back as Chunk values, and normalizes failures into
// ProviderError so callers can make retry and failover decisions without
// knowing which backend produced them.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/pkg/models"
)

// ModelClient is the interface every model backend implements.
//
// Implementations must be safe for concurrent use; each Stream call owns
// an independent goroutine and channel.
type ModelClient interface {
	// Stream sends a request and returns a channel of response chunks.
	// The channel is closed after the final chunk (Done or Err set).
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Generate sends a request and collects the full response.
	Generate(ctx context.Context, req *Request) (*models.AssistantMessage, error)

	// CountTokens estimates the token footprint of a request. Estimates
	// are tokenizer-based where possible and never fail.
	CountTokens(req *Request) int

	// Name returns the stable lowercase provider identifier.
	Name() string

	// Model returns the default model ID requests fall back to.
	Model() string
}

// generate aggregates a stream into a single assistant message. Each
// adapter's Generate delegates here.
func generate(ctx context.Context, client ModelClient, req *Request) (*models.AssistantMessage, error) {
	chunks, err := client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	msg := &models.AssistantMessage{
		Tag:          models.MessageTypeAssistant,
		FinishReason: models.FinishStop,
	}
	var text, reasoning strings.Builder

	for chunk := range chunks {
		if chunk.Err != nil {
			for range chunks {
			}
			return nil, chunk.Err
		}
		text.WriteString(chunk.Text)
		reasoning.WriteString(chunk.Thinking)
		if chunk.ToolCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			msg.FinishReason = chunk.FinishReason
			msg.Usage = chunk.Usage
		}
	}

	msg.Reasoning = reasoning.String()
	if text.Len() > 0 {
		msg.Content = []models.ContentPart{models.TextPart(text.String())}
	}
	return msg, nil
}

// Request carries one completion call.
type Request struct {
	// Model overrides the client's default model when non-empty.
	Model string `json:"model,omitempty"`

	// System is the system prompt. System messages in Messages are
	// folded into it by the orchestrator before the request is built.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"-"`

	// Tools lists the tool definitions exposed to the model.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens bounds the generated response; 0 uses the client default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking requests extended reasoning on models that support it.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens caps reasoning output when thinking is enabled.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// ToolSpec describes one callable tool in provider-neutral form.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// UnmarshalJSON accepts both the flat form and the nested function-call
// form {"type":"function","function":{name,description,parameters}};
// the nested form is flattened on decode.
func (t *ToolSpec) UnmarshalJSON(data []byte) error {
	var raw struct {
		Function *struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
		Schema      json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Function != nil {
		t.Name = raw.Function.Name
		t.Description = raw.Function.Description
		t.Schema = raw.Function.Parameters
		return nil
	}
	t.Name = raw.Name
	t.Description = raw.Description
	t.Schema = raw.Schema
	if len(t.Schema) == 0 {
		t.Schema = raw.Parameters
	}
	return nil
}

// Chunk is one unit of a streamed response.
type Chunk struct {
	// Text is a partial response text delta.
	Text string

	// Thinking is a partial reasoning delta when thinking is enabled.
	Thinking string

	// ThinkingStart and ThinkingEnd bracket a reasoning block.
	ThinkingStart bool
	ThinkingEnd   bool

	// ToolCall is a complete accumulated tool invocation request.
	ToolCall *models.ToolCall

	// Done marks the final chunk of a successful stream.
	Done bool

	// FinishReason reports why generation stopped, set with Done.
	FinishReason models.FinishReason

	// Usage carries token accounting, set with Done when available.
	Usage *models.Usage

	// Err terminates the stream with a failure.
	Err error
}

// ModelInfo describes an available model and its capabilities.
type ModelInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// New builds the named model client from provider configuration.
func New(ctx context.Context, name string, cfg config.ProvidersConfig) (ModelClient, error) {
	switch name {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:    cfg.OpenAI.APIKey,
			BaseURL:   cfg.OpenAI.BaseURL,
			Model:     cfg.OpenAI.Model,
			MaxTokens: cfg.OpenAI.MaxTokens,
		})
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
		})
	case "bedrock":
		return NewBedrockClient(ctx, BedrockConfig{
			Region:          cfg.Bedrock.Region,
			AccessKeyID:     cfg.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Bedrock.SessionToken,
			Model:           cfg.Bedrock.Model,
			MaxTokens:       cfg.Bedrock.MaxTokens,
		})
	case "google":
		return NewGoogleClient(ctx, GoogleConfig{
			APIKey:    cfg.Google.APIKey,
			Model:     cfg.Google.Model,
			MaxTokens: cfg.Google.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
