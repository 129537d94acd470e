package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/axonhq/axon/internal/sandbox/protocol"
	"github.com/axonhq/axon/pkg/models"
)

// MaxInterpreterTimeout caps the per-call timeout the model may request.
// The sandbox service clamps again on its side.
const MaxInterpreterTimeout = 300

// CodeRunner executes Python inside the session's sandbox VM. Implemented
// by the sandbox routing client.
type CodeRunner interface {
	RunPython(ctx context.Context, sessionID, code string, timeoutSeconds int) (*protocol.Response, error)
}

// CodeInterpreterTool runs model-written Python in an isolated microVM.
// State persists across calls within the same session, so one instance is
// bound to one conversation.
type CodeInterpreterTool struct {
	runner    CodeRunner
	sessionID string
}

// NewCodeInterpreterTool creates a code_interpreter tool bound to a
// sandbox session.
func NewCodeInterpreterTool(runner CodeRunner, sessionID string) *CodeInterpreterTool {
	return &CodeInterpreterTool{runner: runner, sessionID: sessionID}
}

func (t *CodeInterpreterTool) Name() string { return "code_interpreter" }

func (t *CodeInterpreterTool) Description() string {
	return "Execute Python code in a persistent sandboxed interpreter. Variables and imports survive across calls; matplotlib figures are returned as images."
}

func (t *CodeInterpreterTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {
				"type": "string",
				"description": "Python code to execute."
			},
			"timeout_seconds": {
				"type": "integer",
				"description": "Execution timeout in seconds (max 300).",
				"minimum": 1,
				"maximum": 300
			}
		},
		"required": ["code"]
	}`)
}

func (t *CodeInterpreterTool) Display() *Display {
	return &Display{
		Name:       "code_interpreter",
		Title:      "Code Interpreter",
		Label:      "Running code",
		Verb:       "Running",
		DetailKeys: []string{"code"},
	}
}

func (t *CodeInterpreterTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	if t.runner == nil {
		return Errorf("code interpreter is not available on this run"), nil
	}

	var input struct {
		Code           string `json:"code"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := DecodeArgs(args, &input); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Code) == "" {
		return Errorf("code is required"), nil
	}
	timeout := input.TimeoutSeconds
	if timeout <= 0 || timeout > MaxInterpreterTimeout {
		timeout = MaxInterpreterTimeout
	}

	resp, err := t.runner.RunPython(ctx, t.sessionID, input.Code, timeout)
	if err != nil {
		// Sandbox capacity and availability failures surface to the model
		// as tool errors, not run failures.
		return Errorf("code execution failed: %v", err), nil
	}

	payload := map[string]any{
		"stdout": resp.Stdout(),
	}
	if resp.Stderr != "" {
		payload["stderr"] = resp.Stderr
	}
	if resp.Error != "" {
		payload["error"] = resp.Error
	}
	if resp.CellID != "" {
		payload["cell_id"] = resp.CellID
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Errorf("encode result: %v", err), nil
	}

	result := &Result{Blocks: []models.ResultBlock{models.TextBlock(string(encoded))}}
	for _, image := range resp.Images() {
		mediaType := "image/png"
		if image.Format != "" {
			mediaType = "image/" + image.Format
		}
		result.Blocks = append(result.Blocks, models.ImageBlock(mediaType, image.Content))
	}
	if !resp.Success {
		result.IsError = true
	}
	return result, nil
}
