package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/axonhq/axon/internal/hitl"
)

// MaxAskHumanRequests caps how many times a single run may interrupt the
// user. The model gets an error result past the cap instead of stalling
// the conversation again.
const MaxAskHumanRequests = 3

// bestJudgementAnswer is what the model sees when the user never responds.
const bestJudgementAnswer = "No response received from the user. Proceed with your best judgement."

// InputRequester is the human-input side of the HITL bridge.
type InputRequester interface {
	RequestInput(ctx context.Context, req *hitl.InputRequest) (*hitl.InputResponse, error)
}

// AskHumanTool lets the agent pause and ask the user a question. One
// instance serves one run; the request counter is per run.
type AskHumanTool struct {
	requests InputRequester

	mu    sync.Mutex
	asked int
}

// NewAskHumanTool creates an ask_human tool bound to one run's bridge
// session.
func NewAskHumanTool(requests InputRequester) *AskHumanTool {
	return &AskHumanTool{requests: requests}
}

func (t *AskHumanTool) Name() string { return "ask_human" }

func (t *AskHumanTool) Description() string {
	return "Ask the user a question and wait for their answer. Offer at least two options unless the question is free-form only. Use sparingly; at most three questions per run."
}

func (t *AskHumanTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {
				"type": "string",
				"description": "The question to ask the user."
			},
			"context": {
				"type": "string",
				"description": "Why the answer is needed."
			},
			"options": {
				"type": "array",
				"description": "Choices to offer. Provide at least two, or none for a free-form question.",
				"items": {
					"type": "object",
					"properties": {
						"key": {"type": "string"},
						"label": {"type": "string"},
						"description": {"type": "string"}
					},
					"required": ["key", "label"]
				}
			},
			"allow_freeform": {
				"type": "boolean",
				"description": "Whether the user may answer with free text."
			}
		},
		"required": ["question"]
	}`)
}

func (t *AskHumanTool) Display() *Display {
	return &Display{
		Name:       "ask_human",
		Title:      "Ask Human",
		Label:      "Asking",
		Verb:       "Asking",
		DetailKeys: []string{"question"},
	}
}

func (t *AskHumanTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	if t.requests == nil {
		return Errorf("human input is not available on this run"), nil
	}

	var input struct {
		Question      string `json:"question"`
		Context       string `json:"context"`
		AllowFreeform bool   `json:"allow_freeform"`
		Options       []struct {
			Key         string `json:"key"`
			Label       string `json:"label"`
			Description string `json:"description"`
		} `json:"options"`
	}
	if err := DecodeArgs(args, &input); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return Errorf("question is required"), nil
	}
	if len(input.Options) == 1 {
		return Errorf("offer at least two options, or none with allow_freeform for a free-form question"), nil
	}
	if len(input.Options) == 0 && !input.AllowFreeform {
		return Errorf("offer at least two options, or set allow_freeform for a free-form question"), nil
	}

	t.mu.Lock()
	if t.asked >= MaxAskHumanRequests {
		t.mu.Unlock()
		return Errorf("the user has been asked %d times already this run; proceed without asking again", MaxAskHumanRequests), nil
	}
	t.asked++
	t.mu.Unlock()

	req := &hitl.InputRequest{
		Question:      question,
		Context:       input.Context,
		AllowFreeform: input.AllowFreeform,
	}
	for _, opt := range input.Options {
		req.Options = append(req.Options, hitl.InputOption{
			Key:         opt.Key,
			Label:       opt.Label,
			Description: opt.Description,
		})
	}

	resp, err := t.requests.RequestInput(ctx, req)
	if errors.Is(err, hitl.ErrTimeout) {
		return Text(bestJudgementAnswer), nil
	}
	if err != nil {
		return nil, err
	}
	answer := strings.TrimSpace(resp.Answer())
	if answer == "" {
		return Text(bestJudgementAnswer), nil
	}
	return Text(answer), nil
}
