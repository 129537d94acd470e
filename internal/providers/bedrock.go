package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/axonhq/axon/pkg/models"
)

// BedrockClient implements ModelClient for models hosted on AWS Bedrock
// via the Converse API.
//
// Bedrock-specific behavior this adapter absorbs:
//   - Authentication goes through the AWS credential chain, with static
//     credentials as an override.
//   - Events arrive as a tagged member union on a channel rather than
//     an SSE stream.
//   - Token usage arrives in a metadata event after message stop, so
//     the stream must be drained to the end.
type BedrockClient struct {
	base
	client *bedrockruntime.Client
	region string
}

// BedrockConfig configures a BedrockClient.
type BedrockConfig struct {
	// Region is the AWS region. Default: us-east-1.
	Region string

	// AccessKeyID and SecretAccessKey set explicit credentials. When
	// empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// SessionToken for temporary credentials (optional).
	SessionToken string

	// Model is the default model ID.
	// Default: anthropic.claude-3-sonnet-20240229-v1:0.
	Model string

	// MaxTokens is the default response budget. Default: 4096.
	MaxTokens int
}

// NewBedrockClient creates a Bedrock-backed model client.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Model == "" {
		cfg.Model = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockClient{
		base:   newBase("bedrock", cfg.Model, cfg.MaxTokens),
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: cfg.Region,
	}, nil
}

// Models returns a catalog of commonly enabled Bedrock models. Actual
// availability depends on the AWS account's model access.
func (c *BedrockClient) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "anthropic.claude-3-opus-20240229-v1:0", Name: "Claude 3 Opus (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Name: "Claude 3 Sonnet (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "amazon.titan-text-express-v1", Name: "Titan Text Express", ContextSize: 8192, SupportsVision: false},
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ContextSize: 8192, SupportsVision: false},
		{ID: "mistral.mixtral-8x7b-instruct-v0:1", Name: "Mixtral 8x7B (Bedrock)", ContextSize: 32768, SupportsVision: false},
	}
}

// CountTokens estimates the token footprint of req.
func (c *BedrockClient) CountTokens(req *Request) int {
	return estimateRequestTokens(c.resolveModel(req.Model), req)
}

// Generate sends the request and collects the full response.
func (c *BedrockClient) Generate(ctx context.Context, req *Request) (*models.AssistantMessage, error) {
	return generate(ctx, c, req)
}

// Stream sends the request and returns a channel of response chunks.
func (c *BedrockClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := c.resolveModel(req.Model)

	messages, systemBlocks := convertBedrockMessages(req.Messages)

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}

	if req.System != "" {
		systemBlocks = append([]types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}, systemBlocks...)
	}
	if len(systemBlocks) > 0 {
		input.System = systemBlocks
	}

	maxTokens := min(c.resolveMaxTokens(req.MaxTokens), math.MaxInt32)
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}

	stream, err := openStream(ctx, c.base, func() (*bedrockruntime.ConverseStreamOutput, error) {
		out, err := c.client.ConverseStream(ctx, input)
		if err != nil {
			return nil, c.wrapError(err, model)
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	chunks := make(chan *Chunk)
	go c.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// processStream consumes the Converse event union. Usage arrives in a
// trailing metadata event after message stop, so the loop records the
// stop reason and keeps draining until the event channel closes.
func (c *BedrockClient) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- *Chunk, model string) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolCall *models.ToolCall
	var toolInput strings.Builder
	inThinking := false
	finish := models.FinishStop
	var usage *models.Usage

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: ctx.Err(), Done: true}
			return

		case event, ok := <-events:
			if !ok {
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Arguments = decodeToolArguments(toolInput.String())
					chunks <- &Chunk{ToolCall: currentToolCall}
				}
				if err := eventStream.Err(); err != nil {
					chunks <- &Chunk{Err: c.wrapError(err, model), Done: true}
				} else {
					chunks <- &Chunk{Done: true, FinishReason: finish, Usage: usage}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolCall = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- &Chunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						if !inThinking {
							inThinking = true
							chunks <- &Chunk{ThinkingStart: true}
						}
						chunks <- &Chunk{Thinking: text.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if inThinking {
					chunks <- &Chunk{ThinkingEnd: true}
					inThinking = false
				}
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Arguments = decodeToolArguments(toolInput.String())
					chunks <- &Chunk{ToolCall: currentToolCall}
					currentToolCall = nil
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				switch string(ev.Value.StopReason) {
				case "tool_use":
					finish = models.FinishToolCalls
				case "max_tokens":
					finish = models.FinishLength
				default:
					finish = models.FinishStop
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					u := &models.Usage{}
					if t := ev.Value.Usage.InputTokens; t != nil {
						u.PromptTokens = int(*t)
					}
					if t := ev.Value.Usage.OutputTokens; t != nil {
						u.CompletionTokens = int(*t)
					}
					if t := ev.Value.Usage.TotalTokens; t != nil {
						u.TotalTokens = int(*t)
					}
					if u.TotalTokens == 0 {
						u.TotalTokens = u.PromptTokens + u.CompletionTokens
					}
					usage = u
				}
			}
		}
	}
}

// convertBedrockMessages maps the message union onto Converse messages.
// System messages are returned separately; standalone tool calls merge
// into the preceding assistant turn; consecutive tool results share one
// user message.
func convertBedrockMessages(messages []models.Message) ([]types.Message, []types.SystemContentBlock) {
	var result []types.Message
	var system []types.SystemContentBlock

	seenCalls := make(map[string]bool)
	lastToolResultIdx := -1

	for _, msg := range messages {
		switch m := msg.(type) {
		case *models.SystemMessage:
			if m.Content != "" {
				system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
			}

		case *models.UserMessage:
			var content []types.ContentBlock
			for _, part := range m.Content {
				switch part.Kind {
				case "text":
					if part.Text != "" {
						content = append(content, &types.ContentBlockMemberText{Value: part.Text})
					}
				case "image":
					if part.Source != nil {
						if img := bedrockImageBlock(part.Source); img != nil {
							content = append(content, img)
						}
					}
				}
			}
			if len(content) > 0 {
				result = append(result, types.Message{Role: types.ConversationRoleUser, Content: content})
			}

		case *models.AssistantMessage:
			var content []types.ContentBlock
			if text := m.PlainText(); text != "" {
				content = append(content, &types.ContentBlockMemberText{Value: text})
			}
			for _, tc := range m.ToolCalls {
				seenCalls[tc.ID] = true
				content = append(content, bedrockToolUseBlock(tc.ID, tc.Name, tc.Arguments))
			}
			if len(content) > 0 {
				result = append(result, types.Message{Role: types.ConversationRoleAssistant, Content: content})
			}

		case *models.ToolCallMessage:
			if seenCalls[m.ID] {
				continue
			}
			seenCalls[m.ID] = true
			block := bedrockToolUseBlock(m.ID, m.Name, m.Arguments)
			if n := len(result); n > 0 && result[n-1].Role == types.ConversationRoleAssistant {
				result[n-1].Content = append(result[n-1].Content, block)
			} else {
				result = append(result, types.Message{
					Role:    types.ConversationRoleAssistant,
					Content: []types.ContentBlock{block},
				})
			}

		case *models.ToolResultMessage:
			block := &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.CallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: m.PlainText()},
					},
				},
			}
			if m.IsError {
				block.Value.Status = types.ToolResultStatusError
			}
			if lastToolResultIdx == len(result)-1 && lastToolResultIdx >= 0 {
				result[lastToolResultIdx].Content = append(result[lastToolResultIdx].Content, block)
			} else {
				result = append(result, types.Message{
					Role:    types.ConversationRoleUser,
					Content: []types.ContentBlock{block},
				})
				lastToolResultIdx = len(result) - 1
			}
		}
	}

	return result, system
}

func bedrockToolUseBlock(id, name string, args map[string]any) *types.ContentBlockMemberToolUse {
	if args == nil {
		args = map[string]any{}
	}
	return &types.ContentBlockMemberToolUse{
		Value: types.ToolUseBlock{
			ToolUseId: aws.String(id),
			Name:      aws.String(name),
			Input:     document.NewLazyDocument(args),
		},
	}
}

// bedrockImageBlock renders an image source as raw bytes. Converse has
// no URL image source, so url parts are only honored when they carry an
// inline data URL.
func bedrockImageBlock(src *models.MediaSource) *types.ContentBlockMemberImage {
	var data []byte
	mediaType := src.MediaType

	switch src.Kind {
	case "base64":
		if src.Data == "" {
			return nil
		}
		decoded, err := base64.StdEncoding.DecodeString(src.Data)
		if err != nil {
			return nil
		}
		data = decoded
	case "url":
		if !strings.HasPrefix(src.URL, "data:") {
			return nil
		}
		decoded, dataURLType, err := decodeImageDataURL(src.URL)
		if err != nil {
			return nil
		}
		data = decoded
		if mediaType == "" {
			mediaType = dataURLType
		}
	default:
		return nil
	}

	format, ok := bedrockImageFormat(mediaType)
	if !ok {
		return nil
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}
}

func decodeImageDataURL(raw string) ([]byte, string, error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("invalid data url")
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	mediaType := "image/jpeg"
	if meta != "" {
		metaParts := strings.Split(meta, ";")
		if len(metaParts) > 0 && metaParts[0] != "" {
			mediaType = metaParts[0]
		}
	}
	data, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	return data, mediaType, nil
}

func bedrockImageFormat(mediaType string) (types.ImageFormat, bool) {
	normalized := strings.ToLower(strings.TrimSpace(strings.Split(mediaType, ";")[0]))
	switch normalized {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

func convertBedrockTools(tools []ToolSpec) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

func (c *BedrockClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	return NewProviderError("bedrock", model, err)
}
