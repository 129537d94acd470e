package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/axonhq/axon/pkg/models"
)

// maxEmptyStreamEvents is the maximum number of consecutive events that
// produce no output before the stream is treated as malformed. Protects
// against streams that flood with empty events.
const maxEmptyStreamEvents = 300

// AnthropicClient implements ModelClient for Claude models.
//
// Anthropic-specific behavior this adapter absorbs:
//   - The system prompt is a request parameter, not a message.
//   - Tool calls arrive as content blocks whose input streams as partial
//     JSON fragments, finalized at content_block_stop.
//   - Tool results are content blocks inside a user message, and all
//     results for one assistant turn must share a single user message.
//   - Extended thinking streams as separate thinking blocks.
type AnthropicClient struct {
	base
	client anthropic.Client
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	// APIKey authenticates requests (required).
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for proxies.
	BaseURL string

	// Model is the default model ID. Default: claude-sonnet-4-20250514.
	Model string

	// MaxTokens is the default response budget. Default: 4096.
	MaxTokens int
}

// NewAnthropicClient creates an Anthropic-backed model client.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		base:   newBase("anthropic", cfg.Model, cfg.MaxTokens),
		client: anthropic.NewClient(opts...),
	}, nil
}

// Models returns the known Claude models and their capabilities.
func (c *AnthropicClient) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

// CountTokens estimates the token footprint of req.
func (c *AnthropicClient) CountTokens(req *Request) int {
	return estimateRequestTokens(c.resolveModel(req.Model), req)
}

// Generate sends the request and collects the full response.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (*models.AssistantMessage, error) {
	return generate(ctx, c, req)
}

// Stream sends the request and returns a channel of response chunks.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := c.resolveModel(req.Model)

	messages, systemBlocks := convertAnthropicMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(c.resolveMaxTokens(req.MaxTokens)),
	}

	if req.System != "" {
		systemBlocks = append([]anthropic.TextBlockParam{{Type: "text", Text: req.System}}, systemBlocks...)
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	stream, err := openStream(ctx, c.base, func() (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		s := c.client.Messages.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			return nil, c.wrapError(err, model)
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	chunks := make(chan *Chunk)
	go c.processStream(stream, chunks, model)
	return chunks, nil
}

// processStream converts Anthropic's SSE events into chunks. Tool call
// input accumulates across input_json_delta events and is finalized at
// content_block_stop; thinking blocks stream with explicit start and
// end markers so callers can frame reasoning output.
func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0
	inThinkingBlock := false
	sawToolUse := false

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "thinking":
				inThinkingBlock = true
				chunks <- &Chunk{ThinkingStart: true}
				eventProcessed = true
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &Chunk{Thinking: delta.Thinking}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if inThinkingBlock {
				chunks <- &Chunk{ThinkingEnd: true}
				inThinkingBlock = false
				eventProcessed = true
			} else if currentToolCall != nil {
				currentToolCall.Arguments = decodeToolArguments(currentToolInput.String())
				chunks <- &Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				sawToolUse = true
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			finish := models.FinishStop
			if sawToolUse {
				finish = models.FinishToolCalls
			}
			chunks <- &Chunk{
				Done:         true,
				FinishReason: finish,
				Usage: &models.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				},
			}
			return

		case "error":
			chunks <- &Chunk{Err: c.wrapError(errors.New("anthropic stream error"), model), Done: true}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &Chunk{
					Err:  c.wrapError(fmt.Errorf("stream malformed: %d consecutive empty events", emptyEventCount), model),
					Done: true,
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Err: c.wrapError(err, model), Done: true}
	}
}

// convertAnthropicMessages maps the message union onto Anthropic's
// format. System messages are returned separately for the system
// parameter; standalone tool call records merge into the preceding
// assistant turn; consecutive tool results share one user message as
// the API requires.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var result []anthropic.MessageParam
	var system []anthropic.TextBlockParam

	seenCalls := make(map[string]bool)
	lastToolResultIdx := -1

	for _, msg := range messages {
		switch m := msg.(type) {
		case *models.SystemMessage:
			if m.Content != "" {
				system = append(system, anthropic.TextBlockParam{Type: "text", Text: m.Content})
			}

		case *models.UserMessage:
			var content []anthropic.ContentBlockParamUnion
			for _, part := range m.Content {
				switch part.Kind {
				case "text":
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case "image":
					if part.Source != nil {
						if img := anthropicImageBlock(part.Source); img != nil {
							content = append(content, anthropic.ContentBlockParamUnion{OfImage: img})
						}
					}
				}
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(""))
			}
			result = append(result, anthropic.NewUserMessage(content...))

		case *models.AssistantMessage:
			var content []anthropic.ContentBlockParamUnion
			if text := m.PlainText(); text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}
			for _, tc := range m.ToolCalls {
				seenCalls[tc.ID] = true
				content = append(content, anthropic.NewToolUseBlock(tc.ID, anyArguments(tc.Arguments), tc.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(""))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case *models.ToolCallMessage:
			if seenCalls[m.ID] {
				continue
			}
			seenCalls[m.ID] = true
			block := anthropic.NewToolUseBlock(m.ID, anyArguments(m.Arguments), m.Name)
			if n := len(result); n > 0 && result[n-1].Role == anthropic.MessageParamRoleAssistant {
				result[n-1].Content = append(result[n-1].Content, block)
			} else {
				result = append(result, anthropic.NewAssistantMessage(block))
			}

		case *models.ToolResultMessage:
			block := anthropicToolResultBlock(m)
			if lastToolResultIdx == len(result)-1 && lastToolResultIdx >= 0 {
				result[lastToolResultIdx].Content = append(result[lastToolResultIdx].Content, block)
			} else {
				result = append(result, anthropic.NewUserMessage(block))
				lastToolResultIdx = len(result) - 1
			}
		}
	}

	return result, system
}

// anyArguments normalizes a nil arguments map; Anthropic rejects null
// tool input.
func anyArguments(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// anthropicToolResultBlock renders a tool result, inlining image blocks
// produced by tools next to their text output.
func anthropicToolResultBlock(m *models.ToolResultMessage) anthropic.ContentBlockParamUnion {
	hasImages := false
	for _, b := range m.Content {
		if b.Kind == "image" {
			hasImages = true
			break
		}
	}
	if !hasImages {
		return anthropic.NewToolResultBlock(m.CallID, m.PlainText(), m.IsError)
	}

	block := anthropic.ToolResultBlockParam{ToolUseID: m.CallID}
	if m.IsError {
		block.IsError = anthropic.Bool(true)
	}
	var content []anthropic.ToolResultBlockParamContentUnion
	if text := m.PlainText(); text != "" {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: text},
		})
	}
	for _, b := range m.Content {
		if b.Kind != "image" {
			continue
		}
		if img := anthropicImageBlock(&models.MediaSource{Kind: "base64", MediaType: b.MediaType, Data: b.Data}); img != nil {
			content = append(content, anthropic.ToolResultBlockParamContentUnion{OfImage: img})
		}
	}
	block.Content = content
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

func anthropicImageBlock(src *models.MediaSource) *anthropic.ImageBlockParam {
	switch src.Kind {
	case "base64":
		mediaType, ok := anthropicMediaType(src.MediaType)
		if !ok || src.Data == "" {
			return nil
		}
		return &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfBase64: &anthropic.Base64ImageSourceParam{
					Data:      src.Data,
					MediaType: mediaType,
				},
			},
		}
	case "url":
		if src.URL == "" {
			return nil
		}
		return &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfURL: &anthropic.URLImageSourceParam{URL: src.URL},
			},
		}
	default:
		return nil
	}
}

func anthropicMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch mediaType {
	case "image/jpeg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s has invalid schema: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" && param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func (c *AnthropicClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		var payload struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
			RequestID string `json:"request_id"`
		}
		if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.Error.Message != "" {
				providerErr = providerErr.WithMessage(payload.Error.Message)
			}
			if payload.RequestID != "" {
				requestID = payload.RequestID
			}
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
