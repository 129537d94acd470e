package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/axonhq/axon/internal/backoff"
	"github.com/axonhq/axon/pkg/models"
)

// GoogleClient implements ModelClient for Gemini models via the Google
// Gen AI SDK.
//
// Gemini-specific behavior this adapter absorbs:
//   - Streaming uses a Go 1.23 iterator; transport errors only surface
//     during iteration, so retry wraps the whole attempt and stops once
//     output has been emitted.
//   - Function calls carry no IDs, so this adapter generates them and
//     resolves results back to function names on replay.
//   - Thinking arrives as parts flagged Thought rather than a separate
//     block type.
type GoogleClient struct {
	base
	client *genai.Client
}

// GoogleConfig configures a GoogleClient.
type GoogleConfig struct {
	// APIKey authenticates requests (required).
	APIKey string

	// Model is the default model ID. Default: gemini-2.0-flash.
	Model string

	// MaxTokens is the default response budget. Default: 4096.
	MaxTokens int
}

// NewGoogleClient creates a Gemini-backed model client.
func NewGoogleClient(ctx context.Context, cfg GoogleConfig) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleClient{
		base:   newBase("google", cfg.Model, cfg.MaxTokens),
		client: client,
	}, nil
}

// Models returns the known Gemini models and their capabilities.
func (c *GoogleClient) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000, SupportsVision: true},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000, SupportsVision: true},
	}
}

// CountTokens estimates the token footprint of req.
func (c *GoogleClient) CountTokens(req *Request) int {
	return estimateRequestTokens(c.resolveModel(req.Model), req)
}

// Generate sends the request and collects the full response.
func (c *GoogleClient) Generate(ctx context.Context, req *Request) (*models.AssistantMessage, error) {
	return generate(ctx, c, req)
}

// Stream sends the request and returns a channel of response chunks.
func (c *GoogleClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := c.resolveModel(req.Model)
	contents := convertGoogleMessages(req.Messages)
	cfg := c.buildConfig(req)

	chunks := make(chan *Chunk)

	go func() {
		defer close(chunks)

		// Transport errors surface mid-iteration, so the retry covers
		// the whole attempt but stands down once anything was emitted:
		// re-sending after partial output would duplicate it.
		emitted := false
		var finish models.FinishReason
		var usage *models.Usage

		attempt := func(int) (struct{}, error) {
			streamIter := c.client.Models.GenerateContentStream(ctx, model, contents, cfg)
			f, u, err := c.processStreamResponse(ctx, streamIter, chunks, model, &emitted)
			if err != nil {
				return struct{}{}, err
			}
			finish, usage = f, u
			return struct{}{}, nil
		}
		retryable := func(err error) bool {
			return !emitted && IsRetryable(err)
		}

		if _, err := backoff.Retry(ctx, c.policy, c.maxAttempts, retryable, attempt); err != nil {
			if ctx.Err() != nil {
				chunks <- &Chunk{Err: ctx.Err(), Done: true}
				return
			}
			chunks <- &Chunk{Err: fmt.Errorf("google: %w", err), Done: true}
			return
		}

		chunks <- &Chunk{Done: true, FinishReason: finish, Usage: usage}
	}()

	return chunks, nil
}

func (c *GoogleClient) processStreamResponse(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *Chunk, model string, emitted *bool) (models.FinishReason, *models.Usage, error) {
	finish := models.FinishStop
	sawToolCall := false
	inThinking := false
	var usage *models.Usage

	emit := func(chunk *Chunk) {
		*emitted = true
		chunks <- chunk
	}

	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return finish, usage, ctx.Err()
		default:
		}

		if err != nil {
			return finish, usage, c.wrapError(err, model)
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage = &models.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}

			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}

				if part.Thought {
					if part.Text != "" {
						if !inThinking {
							inThinking = true
							emit(&Chunk{ThinkingStart: true})
						}
						emit(&Chunk{Thinking: part.Text})
					}
					continue
				}
				if inThinking {
					inThinking = false
					emit(&Chunk{ThinkingEnd: true})
				}

				if part.Text != "" {
					emit(&Chunk{Text: part.Text})
				}

				if part.FunctionCall != nil {
					sawToolCall = true
					args := part.FunctionCall.Args
					if args == nil {
						args = map[string]any{}
					}
					emit(&Chunk{ToolCall: &models.ToolCall{
						ID:        generateToolCallID(part.FunctionCall.Name),
						Name:      part.FunctionCall.Name,
						Arguments: args,
					}})
				}
			}

			switch candidate.FinishReason {
			case genai.FinishReasonStop:
				finish = models.FinishStop
			case genai.FinishReasonMaxTokens:
				finish = models.FinishLength
			}
		}
	}

	if inThinking {
		emit(&Chunk{ThinkingEnd: true})
	}
	if sawToolCall {
		finish = models.FinishToolCalls
	}
	return finish, usage, nil
}

// generateToolCallID fabricates a call ID; Gemini does not assign them.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// convertGoogleMessages maps the message union onto Gemini contents.
// System messages are omitted here (they ride in the system instruction
// built by buildConfig), standalone tool calls merge into the preceding
// model turn, and tool results become function response parts resolved
// back to the originating function name.
func convertGoogleMessages(messages []models.Message) []*genai.Content {
	callNames := toolCallNames(messages)

	var result []*genai.Content
	seenCalls := make(map[string]bool)

	for _, msg := range messages {
		switch m := msg.(type) {
		case *models.SystemMessage:
			continue

		case *models.UserMessage:
			content := &genai.Content{Role: genai.RoleUser}
			for _, part := range m.Content {
				switch part.Kind {
				case "text":
					if part.Text != "" {
						content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
					}
				case "image":
					if part.Source != nil {
						if p := googleImagePart(part.Source); p != nil {
							content.Parts = append(content.Parts, p)
						}
					}
				}
			}
			if len(content.Parts) > 0 {
				result = append(result, content)
			}

		case *models.AssistantMessage:
			content := &genai.Content{Role: genai.RoleModel}
			if text := m.PlainText(); text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: text})
			}
			for _, tc := range m.ToolCalls {
				seenCalls[tc.ID] = true
				content.Parts = append(content.Parts, functionCallPart(tc.Name, tc.Arguments))
			}
			if len(content.Parts) > 0 {
				result = append(result, content)
			}

		case *models.ToolCallMessage:
			if seenCalls[m.ID] {
				continue
			}
			seenCalls[m.ID] = true
			part := functionCallPart(m.Name, m.Arguments)
			if n := len(result); n > 0 && result[n-1].Role == genai.RoleModel {
				result[n-1].Parts = append(result[n-1].Parts, part)
			} else {
				result = append(result, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{part}})
			}

		case *models.ToolResultMessage:
			text := m.PlainText()
			var response map[string]any
			if err := json.Unmarshal([]byte(text), &response); err != nil || response == nil {
				response = map[string]any{"result": text, "error": m.IsError}
			}
			part := &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     callNames[m.CallID],
					Response: response,
				},
			}
			if n := len(result); n > 0 && result[n-1].Role == genai.RoleUser && hasFunctionResponse(result[n-1]) {
				result[n-1].Parts = append(result[n-1].Parts, part)
			} else {
				result = append(result, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
			}
		}
	}

	return result
}

// toolCallNames indexes call IDs to function names so results can be
// replayed; Gemini keys function responses by name, not ID.
func toolCallNames(messages []models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		switch m := msg.(type) {
		case *models.AssistantMessage:
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Name
			}
		case *models.ToolCallMessage:
			names[m.ID] = m.Name
		}
	}
	return names
}

func hasFunctionResponse(content *genai.Content) bool {
	for _, p := range content.Parts {
		if p != nil && p.FunctionResponse != nil {
			return true
		}
	}
	return false
}

func functionCallPart(name string, args map[string]any) *genai.Part {
	if args == nil {
		args = map[string]any{}
	}
	return &genai.Part{
		FunctionCall: &genai.FunctionCall{Name: name, Args: args},
	}
}

func googleImagePart(src *models.MediaSource) *genai.Part {
	switch src.Kind {
	case "base64":
		if src.Data == "" {
			return nil
		}
		data, err := base64.StdEncoding.DecodeString(src.Data)
		if err != nil {
			return nil
		}
		mimeType := src.MediaType
		if mimeType == "" {
			mimeType = "image/png"
		}
		return &genai.Part{
			InlineData: &genai.Blob{Data: data, MIMEType: mimeType},
		}
	case "url":
		if src.URL == "" {
			return nil
		}
		if strings.HasPrefix(src.URL, "data:") {
			data, mediaType, err := decodeImageDataURL(src.URL)
			if err != nil {
				return nil
			}
			return &genai.Part{
				InlineData: &genai.Blob{Data: data, MIMEType: mediaType},
			}
		}
		mimeType := src.MediaType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		return &genai.Part{
			FileData: &genai.FileData{FileURI: src.URL, MIMEType: mimeType},
		}
	default:
		return nil
	}
}

func (c *GoogleClient) buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	var systemParts []*genai.Part
	if req.System != "" {
		systemParts = append(systemParts, &genai.Part{Text: req.System})
	}
	for _, msg := range req.Messages {
		if m, ok := msg.(*models.SystemMessage); ok && m.Content != "" {
			systemParts = append(systemParts, &genai.Part{Text: m.Content})
		}
	}
	if len(systemParts) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: systemParts}
	}

	maxTokens := min(c.resolveMaxTokens(req.MaxTokens), math.MaxInt32)
	cfg.MaxOutputTokens = int32(maxTokens)

	if len(req.Tools) > 0 {
		cfg.Tools = convertGoogleTools(req.Tools)
	}

	if req.EnableThinking {
		thinking := &genai.ThinkingConfig{IncludeThoughts: true}
		if req.ThinkingBudgetTokens > 0 {
			budget := int32(min(req.ThinkingBudgetTokens, math.MaxInt32))
			thinking.ThinkingBudget = &budget
		}
		cfg.ThinkingConfig = thinking
	}

	return cfg
}

func convertGoogleTools(tools []ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object"}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  googleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// googleSchema converts a JSON Schema map to Gemini's Schema type.
// Gemini uses uppercase type names and a typed schema tree rather than
// raw JSON Schema.
func googleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = googleSchema(items)
	}

	return schema
}

func (c *GoogleClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	return NewProviderError("google", model, err)
}
