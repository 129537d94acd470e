package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/axonhq/axon/internal/sandbox/protocol"
)

type fakeRunner struct {
	sessionID string
	code      string
	timeout   int
	resp      *protocol.Response
	err       error
}

func (f *fakeRunner) RunPython(_ context.Context, sessionID, code string, timeoutSeconds int) (*protocol.Response, error) {
	f.sessionID = sessionID
	f.code = code
	f.timeout = timeoutSeconds
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestCodeInterpreterExecute(t *testing.T) {
	runner := &fakeRunner{resp: &protocol.Response{
		Success: true,
		Outputs: []protocol.Output{
			{Type: protocol.OutputText, Content: "42\n"},
		},
		CellID:        "In[1]",
		ExecutionTime: 0.01,
	}}
	tool := NewCodeInterpreterTool(runner, "session-1")

	result, err := tool.Execute(context.Background(), map[string]any{"code": "x = 41\nprint(x + 1)"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success: %s", result.PlainText())
	}
	if !strings.Contains(result.PlainText(), "42") {
		t.Errorf("PlainText() = %q, want stdout with 42", result.PlainText())
	}
	if !strings.Contains(result.PlainText(), "In[1]") {
		t.Errorf("PlainText() = %q, want cell id", result.PlainText())
	}

	if runner.sessionID != "session-1" {
		t.Errorf("sessionID = %q, want session-1", runner.sessionID)
	}
	if runner.timeout != MaxInterpreterTimeout {
		t.Errorf("timeout = %d, want default %d", runner.timeout, MaxInterpreterTimeout)
	}
}

func TestCodeInterpreterTimeoutClamp(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		want      int
	}{
		{"explicit", 30, 30},
		{"zero uses ceiling", 0, MaxInterpreterTimeout},
		{"over ceiling clamped", 9000, MaxInterpreterTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{resp: &protocol.Response{Success: true}}
			tool := NewCodeInterpreterTool(runner, "session-1")
			args := map[string]any{"code": "pass"}
			if tt.requested != 0 {
				args["timeout_seconds"] = float64(tt.requested)
			}
			if _, err := tool.Execute(context.Background(), args); err != nil {
				t.Fatalf("execute: %v", err)
			}
			if runner.timeout != tt.want {
				t.Errorf("timeout = %d, want %d", runner.timeout, tt.want)
			}
		})
	}
}

func TestCodeInterpreterImages(t *testing.T) {
	runner := &fakeRunner{resp: &protocol.Response{
		Success: true,
		Outputs: []protocol.Output{
			{Type: protocol.OutputText, Content: "plotted\n"},
			{Type: protocol.OutputImage, Content: "aGVsbG8=", Format: "png", Encoding: "base64"},
		},
	}}
	tool := NewCodeInterpreterTool(runner, "session-1")

	result, err := tool.Execute(context.Background(), map[string]any{"code": "plt.plot([1,2])"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(result.Blocks))
	}
	image := result.Blocks[1]
	if image.Kind != "image" || image.MediaType != "image/png" || image.Data != "aGVsbG8=" {
		t.Errorf("image block = %+v", image)
	}
}

func TestCodeInterpreterExecutionFailure(t *testing.T) {
	runner := &fakeRunner{resp: &protocol.Response{
		Success: false,
		Stderr:  "Traceback (most recent call last):\n",
		Error:   "NameError: name 'y' is not defined",
	}}
	tool := NewCodeInterpreterTool(runner, "session-1")

	result, err := tool.Execute(context.Background(), map[string]any{"code": "print(y)"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for failed execution")
	}
	if !strings.Contains(result.PlainText(), "NameError") {
		t.Errorf("PlainText() = %q, want NameError", result.PlainText())
	}
}

func TestCodeInterpreterRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("sandbox unavailable")}
	tool := NewCodeInterpreterTool(runner, "session-1")

	result, err := tool.Execute(context.Background(), map[string]any{"code": "pass"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result when the sandbox is unreachable")
	}
	if !strings.Contains(result.PlainText(), "sandbox unavailable") {
		t.Errorf("PlainText() = %q", result.PlainText())
	}
}

func TestCodeInterpreterValidation(t *testing.T) {
	tool := NewCodeInterpreterTool(&fakeRunner{resp: &protocol.Response{Success: true}}, "session-1")

	result, err := tool.Execute(context.Background(), map[string]any{"code": "   "})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError || !strings.Contains(result.PlainText(), "code is required") {
		t.Errorf("result = %+v", result)
	}

	unavailable := NewCodeInterpreterTool(nil, "session-1")
	result, err = unavailable.Execute(context.Background(), map[string]any{"code": "pass"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result without a runner")
	}
}
