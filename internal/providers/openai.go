package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/axonhq/axon/pkg/models"
)

// OpenAIClient implements ModelClient for OpenAI chat models.
//
// OpenAI-specific behavior this adapter absorbs:
//   - The system prompt is an ordinary first message, not a parameter.
//   - Tool calls stream incrementally and are accumulated by index until
//     the finish reason reports "tool_calls".
//   - Tool results are separate messages with role "tool", one per call.
type OpenAIClient struct {
	base
	client *openai.Client
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey authenticates requests (required).
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for proxies.
	BaseURL string

	// Model is the default model ID. Default: gpt-4o.
	Model string

	// MaxTokens is the default response budget. Default: 4096.
	MaxTokens int
}

// NewOpenAIClient creates an OpenAI-backed model client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		base:   newBase("openai", cfg.Model, cfg.MaxTokens),
		client: openai.NewClientWithConfig(clientCfg),
	}, nil
}

// Models returns the known GPT models and their capabilities.
func (c *OpenAIClient) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385, SupportsVision: false},
	}
}

// CountTokens estimates the token footprint of req with the model's
// tokenizer.
func (c *OpenAIClient) CountTokens(req *Request) int {
	return estimateRequestTokens(c.resolveModel(req.Model), req)
}

// Generate sends the request and collects the full response.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*models.AssistantMessage, error) {
	return generate(ctx, c, req)
}

// Stream sends the request and returns a channel of response chunks.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := c.resolveModel(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertOpenAIMessages(req.Messages, req.System),
		MaxTokens: c.resolveMaxTokens(req.MaxTokens),
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := openStream(ctx, c.base, func() (*openai.ChatCompletionStream, error) {
		s, err := c.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, c.wrapError(err, model)
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan *Chunk)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream consumes the SSE stream, emitting text deltas as they
// arrive and accumulating incremental tool call fragments by index
// until the model reports they are complete.
func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*toolCallDraft)
	finish := models.FinishStop
	var usage *models.Usage

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushOpenAIToolCalls(toolCalls, chunks)
				chunks <- &Chunk{Done: true, FinishReason: finish, Usage: usage}
				return
			}
			chunks <- &Chunk{Err: c.wrapError(err, c.model), Done: true}
			return
		}

		if response.Usage != nil {
			usage = &models.Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			applyOpenAIToolCallDelta(toolCalls, tc)
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			finish = models.FinishToolCalls
			flushOpenAIToolCalls(toolCalls, chunks)
			toolCalls = make(map[int]*toolCallDraft)
		case openai.FinishReasonLength:
			finish = models.FinishLength
		case openai.FinishReasonStop:
			finish = models.FinishStop
		}
	}
}

// toolCallDraft accumulates one tool call across stream deltas. The
// arguments arrive as raw JSON fragments that only parse once complete.
type toolCallDraft struct {
	id   string
	name string
	args strings.Builder
}

func (d *toolCallDraft) finalize() *models.ToolCall {
	if d.id == "" && d.name == "" {
		return nil
	}
	tc := &models.ToolCall{ID: d.id, Name: d.name, Arguments: map[string]any{}}
	if raw := d.args.String(); raw != "" {
		tc.Arguments = decodeToolArguments(raw)
	}
	return tc
}

func applyOpenAIToolCallDelta(drafts map[int]*toolCallDraft, tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	draft := drafts[index]
	if draft == nil {
		draft = &toolCallDraft{}
		drafts[index] = draft
	}
	if tc.ID != "" {
		draft.id = tc.ID
	}
	if tc.Function.Name != "" {
		draft.name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		draft.args.WriteString(tc.Function.Arguments)
	}
}

func flushOpenAIToolCalls(drafts map[int]*toolCallDraft, chunks chan<- *Chunk) {
	for i := 0; i < len(drafts); i++ {
		draft, ok := drafts[i]
		if !ok {
			continue
		}
		if tc := draft.finalize(); tc != nil {
			chunks <- &Chunk{ToolCall: tc}
		}
	}
}

// convertOpenAIMessages maps the message union onto OpenAI's chat format.
// Standalone tool call records merge into the preceding assistant turn,
// and calls already carried by an assistant message are not re-emitted.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	seenCalls := make(map[string]bool)

	for _, msg := range messages {
		switch m := msg.(type) {
		case *models.SystemMessage:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Content,
			})

		case *models.UserMessage:
			result = append(result, openAIUserMessage(m))

		case *models.AssistantMessage:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.PlainText(),
			}
			for _, tc := range m.ToolCalls {
				seenCalls[tc.ID] = true
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.ArgumentsJSON()),
					},
				})
			}
			result = append(result, oaiMsg)

		case *models.ToolCallMessage:
			if seenCalls[m.ID] {
				continue
			}
			seenCalls[m.ID] = true
			tc := models.ToolCall{ID: m.ID, Name: m.Name, Arguments: m.Arguments}
			call := openai.ToolCall{
				ID:   m.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      m.Name,
					Arguments: string(tc.ArgumentsJSON()),
				},
			}
			if n := len(result); n > 0 && result[n-1].Role == openai.ChatMessageRoleAssistant {
				result[n-1].ToolCalls = append(result[n-1].ToolCalls, call)
			} else {
				result = append(result, openai.ChatCompletionMessage{
					Role:      openai.ChatMessageRoleAssistant,
					ToolCalls: []openai.ToolCall{call},
				})
			}

		case *models.ToolResultMessage:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.PlainText(),
				ToolCallID: m.CallID,
			})
		}
	}

	return result
}

func openAIUserMessage(m *models.UserMessage) openai.ChatCompletionMessage {
	hasImages := false
	for _, part := range m.Content {
		if part.Kind == "image" && part.Source != nil {
			hasImages = true
			break
		}
	}
	if !hasImages {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: m.PlainText(),
		}
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Content))
	for _, part := range m.Content {
		switch part.Kind {
		case "text":
			if part.Text != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			}
		case "image":
			if url := imagePartURL(part); url != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    url,
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
		}
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

// imagePartURL renders an image part as a URL, encoding base64 sources
// as data URLs the way OpenAI's vision API expects.
func imagePartURL(part models.ContentPart) string {
	if part.Source == nil {
		return ""
	}
	switch part.Source.Kind {
	case "url":
		return part.Source.URL
	case "base64":
		if part.Source.Data == "" {
			return ""
		}
		mediaType := part.Source.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return fmt.Sprintf("data:%s;base64,%s", mediaType, part.Source.Data)
	default:
		return ""
	}
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.Schema),
			},
		}
	}
	return result
}

func (c *OpenAIClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
			Message:  apiErr.Message,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError("openai", model, err)
}
