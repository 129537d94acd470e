package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/axonhq/axon/pkg/models"
)

// Token accounting mirrors the OpenAI chat format: a fixed overhead per
// message plus a reply priming cost. Non-OpenAI models tokenize
// differently, so counts are estimates for budgeting, not billing.
const (
	tokensPerMessage = 3
	tokensPriming    = 3

	// imageTokens is the flat budget charged per image part, matching
	// the low-detail image cost.
	imageTokens = 85
)

var (
	encodingsMu sync.RWMutex
	encodings   = make(map[string]*tiktoken.Tiktoken)
)

// encodingForModel returns a cached tokenizer for the model, falling
// back to a family default when the model is unknown to tiktoken.
func encodingForModel(model string) *tiktoken.Tiktoken {
	encodingsMu.RLock()
	enc, ok := encodings[model]
	encodingsMu.RUnlock()
	if ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(encodingName(model))
		if err != nil {
			enc = nil
		}
	}

	encodingsMu.Lock()
	encodings[model] = enc
	encodingsMu.Unlock()
	return enc
}

// encodingName picks the closest tiktoken encoding for a model family.
// Claude and Gemini have no public tokenizer; cl100k_base tracks them
// closely enough for budgeting.
func encodingName(model string) string {
	switch {
	case hasAnyPrefix(model, "gpt-4o", "gpt-4.1", "o1", "o3", "o4"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// CountText returns the token count of text for the given model,
// approximating with one token per four characters when no tokenizer
// is available.
func CountText(model, text string) int {
	return countText(encodingForModel(model), text)
}

func countText(enc *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// estimateRequestTokens estimates the prompt footprint of a request:
// system prompt, every message, tool call payloads, and tool schemas.
func estimateRequestTokens(model string, req *Request) int {
	enc := encodingForModel(model)
	total := tokensPriming

	if req.System != "" {
		total += tokensPerMessage + countText(enc, req.System)
	}

	for _, msg := range req.Messages {
		total += tokensPerMessage + countText(enc, string(msg.Type()))

		switch m := msg.(type) {
		case *models.SystemMessage:
			total += countText(enc, m.Content)

		case *models.UserMessage:
			for _, part := range m.Content {
				switch part.Kind {
				case "text":
					total += countText(enc, part.Text)
				case "image":
					total += imageTokens
				}
			}

		case *models.AssistantMessage:
			total += countText(enc, m.PlainText())
			for _, tc := range m.ToolCalls {
				total += countText(enc, tc.Name)
				total += countText(enc, string(tc.ArgumentsJSON()))
			}

		case *models.ToolCallMessage:
			tc := models.ToolCall{ID: m.ID, Name: m.Name, Arguments: m.Arguments}
			total += countText(enc, m.Name)
			total += countText(enc, string(tc.ArgumentsJSON()))

		case *models.ToolResultMessage:
			total += countText(enc, m.PlainText())
			for _, block := range m.Content {
				if block.Kind == "image" {
					total += imageTokens
				}
			}
		}
	}

	for _, tool := range req.Tools {
		total += countText(enc, tool.Name)
		total += countText(enc, tool.Description)
		total += countText(enc, string(tool.Schema))
	}

	return total
}
