package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/axonhq/axon/pkg/models"
)

func newTestBedrockClient(t *testing.T) *BedrockClient {
	t.Helper()
	client, err := NewBedrockClient(context.Background(), BedrockConfig{
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	})
	if err != nil {
		t.Fatalf("NewBedrockClient() error = %v", err)
	}
	return client
}

func TestNewBedrockClientDefaults(t *testing.T) {
	client := newTestBedrockClient(t)
	if client.Name() != "bedrock" {
		t.Errorf("Name() = %q, want bedrock", client.Name())
	}
	if client.Model() != "anthropic.claude-3-sonnet-20240229-v1:0" {
		t.Errorf("Model() = %q", client.Model())
	}
	if client.region != "us-east-1" {
		t.Errorf("region = %q, want us-east-1", client.region)
	}
}

func TestBedrockModels(t *testing.T) {
	client := newTestBedrockClient(t)

	ids := make(map[string]ModelInfo)
	for _, m := range client.Models() {
		ids[m.ID] = m
		if m.ContextSize <= 0 {
			t.Errorf("model %s has invalid context size", m.ID)
		}
	}
	if _, ok := ids["anthropic.claude-3-sonnet-20240229-v1:0"]; !ok {
		t.Error("expected claude-3-sonnet in model list")
	}
	if ids["amazon.titan-text-express-v1"].SupportsVision {
		t.Error("titan should not report vision support")
	}
}

func TestConvertBedrockMessages(t *testing.T) {
	messages := []models.Message{
		models.NewSystemMessage("You are helpful."),
		models.NewUserText("Hello!"),
		models.NewAssistantMessage("Hi there!"),
	}

	result, system := convertBedrockMessages(messages)
	if len(system) != 1 {
		t.Fatalf("expected 1 system block, got %d", len(system))
	}
	sys, ok := system[0].(*types.SystemContentBlockMemberText)
	if !ok || sys.Value != "You are helpful." {
		t.Errorf("system block = %+v", system[0])
	}

	if len(result) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result))
	}
	if result[0].Role != types.ConversationRoleUser {
		t.Errorf("first role = %q, want user", result[0].Role)
	}
	text, ok := result[0].Content[0].(*types.ContentBlockMemberText)
	if !ok || text.Value != "Hello!" {
		t.Errorf("user content = %+v", result[0].Content[0])
	}
	if result[1].Role != types.ConversationRoleAssistant {
		t.Errorf("second role = %q, want assistant", result[1].Role)
	}
}

func TestConvertBedrockMessagesToolFlow(t *testing.T) {
	messages := []models.Message{
		models.NewUserText("Weather for London and Paris?"),
		models.NewAssistantMessage("Checking both."),
		models.NewToolCallMessage("call_1", "get_weather", map[string]any{"city": "London"}),
		models.NewToolCallMessage("call_2", "get_weather", map[string]any{"city": "Paris"}),
		models.NewToolResultMessage("call_1", models.TextBlock("Rainy")),
		models.NewToolResultMessage("call_2", models.TextBlock("Sunny")),
	}

	result, _ := convertBedrockMessages(messages)
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (user, assistant, results), got %d", len(result))
	}

	assistant := result[1]
	if len(assistant.Content) != 3 {
		t.Fatalf("expected text + 2 tool use blocks, got %d", len(assistant.Content))
	}
	for i, wantID := range []string{"call_1", "call_2"} {
		tu, ok := assistant.Content[1+i].(*types.ContentBlockMemberToolUse)
		if !ok {
			t.Fatalf("block %d is %T, want tool use", 1+i, assistant.Content[1+i])
		}
		if aws.ToString(tu.Value.ToolUseId) != wantID {
			t.Errorf("block %d ToolUseId = %q, want %q", 1+i, aws.ToString(tu.Value.ToolUseId), wantID)
		}
	}

	results := result[2]
	if results.Role != types.ConversationRoleUser {
		t.Errorf("results role = %q, want user", results.Role)
	}
	if len(results.Content) != 2 {
		t.Fatalf("expected 2 tool result blocks in one message, got %d", len(results.Content))
	}
	for i, wantID := range []string{"call_1", "call_2"} {
		tr, ok := results.Content[i].(*types.ContentBlockMemberToolResult)
		if !ok {
			t.Fatalf("block %d is %T, want tool result", i, results.Content[i])
		}
		if aws.ToString(tr.Value.ToolUseId) != wantID {
			t.Errorf("block %d ToolUseId = %q, want %q", i, aws.ToString(tr.Value.ToolUseId), wantID)
		}
	}
}

func TestConvertBedrockMessagesDeduplicatesToolCalls(t *testing.T) {
	assistant := models.NewAssistantMessage("")
	assistant.ToolCalls = []models.ToolCall{
		{ID: "call_1", Name: "calculator", Arguments: map[string]any{"expression": "2+2"}},
	}

	messages := []models.Message{
		assistant,
		models.NewToolCallMessage("call_1", "calculator", map[string]any{"expression": "2+2"}),
	}

	result, _ := convertBedrockMessages(messages)
	if len(result) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result))
	}
	if len(result[0].Content) != 1 {
		t.Errorf("expected 1 tool use block after dedup, got %d", len(result[0].Content))
	}
}

func TestConvertBedrockMessagesToolResultError(t *testing.T) {
	messages := []models.Message{
		models.NewToolErrorMessage("call_1", "network error"),
	}

	result, _ := convertBedrockMessages(messages)
	if len(result) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result))
	}
	tr, ok := result[0].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("content is %T, want tool result", result[0].Content[0])
	}
	if tr.Value.Status != types.ToolResultStatusError {
		t.Errorf("status = %q, want error", tr.Value.Status)
	}
}

func TestBedrockToolUseBlock(t *testing.T) {
	block := bedrockToolUseBlock("call_1", "get_weather", nil)
	if aws.ToString(block.Value.ToolUseId) != "call_1" {
		t.Errorf("ToolUseId = %q", aws.ToString(block.Value.ToolUseId))
	}
	if aws.ToString(block.Value.Name) != "get_weather" {
		t.Errorf("Name = %q", aws.ToString(block.Value.Name))
	}
	if block.Value.Input == nil {
		t.Error("nil arguments should still produce an input document")
	}
}

func TestBedrockImageBlock(t *testing.T) {
	tests := []struct {
		name    string
		src     models.MediaSource
		wantNil bool
		format  types.ImageFormat
	}{
		{
			name:   "base64 png",
			src:    models.MediaSource{Kind: "base64", MediaType: "image/png", Data: "aGVsbG8="},
			format: types.ImageFormatPng,
		},
		{
			name:   "data url",
			src:    models.MediaSource{Kind: "url", URL: "data:image/jpeg;base64,aGVsbG8="},
			format: types.ImageFormatJpeg,
		},
		{
			name:    "remote url unsupported",
			src:     models.MediaSource{Kind: "url", URL: "https://example.com/x.png"},
			wantNil: true,
		},
		{
			name:    "invalid base64",
			src:     models.MediaSource{Kind: "base64", MediaType: "image/png", Data: "!!!"},
			wantNil: true,
		},
		{
			name:    "unsupported media type",
			src:     models.MediaSource{Kind: "base64", MediaType: "image/tiff", Data: "aGVsbG8="},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bedrockImageBlock(&tt.src)
			if (got == nil) != tt.wantNil {
				t.Fatalf("bedrockImageBlock() = %v, wantNil %v", got, tt.wantNil)
			}
			if got != nil && got.Value.Format != tt.format {
				t.Errorf("format = %q, want %q", got.Value.Format, tt.format)
			}
		})
	}
}

func TestDecodeImageDataURL(t *testing.T) {
	data, mediaType, err := decodeImageDataURL("data:image/png;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("decodeImageDataURL() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("data = %q, want hello", data)
	}
	if mediaType != "image/png" {
		t.Errorf("mediaType = %q, want image/png", mediaType)
	}

	_, mediaType, err = decodeImageDataURL("data:;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("decodeImageDataURL() error = %v", err)
	}
	if mediaType != "image/jpeg" {
		t.Errorf("default mediaType = %q, want image/jpeg", mediaType)
	}

	if _, _, err := decodeImageDataURL("no comma here"); err == nil {
		t.Error("expected error for malformed data url")
	}
	if _, _, err := decodeImageDataURL("data:image/png;base64,!!!"); err == nil {
		t.Error("expected error for invalid base64 payload")
	}
}

func TestBedrockImageFormat(t *testing.T) {
	tests := []struct {
		mediaType string
		want      types.ImageFormat
		ok        bool
	}{
		{"image/png", types.ImageFormatPng, true},
		{"image/jpeg", types.ImageFormatJpeg, true},
		{"image/jpg", types.ImageFormatJpeg, true},
		{"image/gif", types.ImageFormatGif, true},
		{"image/webp", types.ImageFormatWebp, true},
		{"IMAGE/PNG", types.ImageFormatPng, true},
		{"image/png; charset=utf-8", types.ImageFormatPng, true},
		{"image/tiff", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			got, ok := bedrockImageFormat(tt.mediaType)
			if ok != tt.ok || got != tt.want {
				t.Errorf("bedrockImageFormat(%q) = %q, %v, want %q, %v", tt.mediaType, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestConvertBedrockTools(t *testing.T) {
	tools := []ToolSpec{
		{
			Name:        "get_weather",
			Description: "Get current weather",
			Schema:      []byte(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		},
		{
			Name:   "broken",
			Schema: []byte(`not json`),
		},
	}

	cfg := convertBedrockTools(tools)
	if len(cfg.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(cfg.Tools))
	}

	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("tool is %T, want tool spec", cfg.Tools[0])
	}
	if aws.ToString(spec.Value.Name) != "get_weather" {
		t.Errorf("name = %q", aws.ToString(spec.Value.Name))
	}
	if spec.Value.InputSchema == nil {
		t.Error("expected input schema")
	}

	fallback, ok := cfg.Tools[1].(*types.ToolMemberToolSpec)
	if !ok || fallback.Value.InputSchema == nil {
		t.Error("invalid schema should fall back to an empty object schema")
	}
}

func TestWrapBedrockError(t *testing.T) {
	client := newTestBedrockClient(t)

	if client.wrapError(nil, "m") != nil {
		t.Error("nil error should stay nil")
	}

	wrapped := client.wrapError(errors.New("ThrottlingException: rate exceeded"), "m")
	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", wrapped)
	}
	if providerErr.Reason != FailoverRateLimit {
		t.Errorf("reason = %v, want %v", providerErr.Reason, FailoverRateLimit)
	}

	original := NewProviderError("bedrock", "m", errors.New("boom"))
	if got := client.wrapError(original, "m"); got != original {
		t.Error("already wrapped error should pass through unchanged")
	}
}
