package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/axonhq/axon/internal/backoff"
	"github.com/axonhq/axon/internal/guardrails"
	"github.com/axonhq/axon/internal/hitl"
	"github.com/axonhq/axon/internal/hooks"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/providers"
	"github.com/axonhq/axon/internal/tools"
	"github.com/axonhq/axon/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

// stubTool is a configurable tool for loop tests.
type stubTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, args map[string]any) (*tools.Result, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "test tool" }

func (t *stubTool) Schema() json.RawMessage {
	if t.schema == "" {
		return nil
	}
	return json.RawMessage(t.schema)
}

func (t *stubTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	if t.execute != nil {
		return t.execute(ctx, args)
	}
	return tools.Text("ok"), nil
}

func echoStub() *stubTool {
	return &stubTool{
		name:   "echo",
		schema: `{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`,
		execute: func(_ context.Context, args map[string]any) (*tools.Result, error) {
			message, _ := args["message"].(string)
			return tools.Text(message), nil
		},
	}
}

func toolRegistry(t *testing.T, list ...tools.Tool) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range list {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	return registry
}

// modelScript is one scripted Stream call: either an open error or a
// chunk sequence to replay.
type modelScript struct {
	openErr error
	chunks  []*providers.Chunk
}

func textScript(text string) modelScript {
	return modelScript{chunks: []*providers.Chunk{
		{Text: text},
		{Done: true, FinishReason: models.FinishStop, Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}}
}

func toolScript(thought, tool string, args map[string]any) modelScript {
	return modelScript{chunks: []*providers.Chunk{
		{Text: thought},
		{ToolCall: &models.ToolCall{ID: "call_1", Name: tool, Arguments: args}},
		{Done: true, FinishReason: models.FinishToolCalls, Usage: &models.Usage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18}},
	}}
}

// scriptedModel replays one script per Stream call and records the
// requests it saw.
type scriptedModel struct {
	mu       sync.Mutex
	scripts  []modelScript
	requests []*providers.Request
}

func (m *scriptedModel) Stream(ctx context.Context, req *providers.Request) (<-chan *providers.Chunk, error) {
	m.mu.Lock()
	idx := len(m.requests)
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if idx >= len(m.scripts) {
		return nil, &providers.ProviderError{Reason: providers.FailoverInvalidRequest, Message: "no scripted response left"}
	}
	script := m.scripts[idx]
	if script.openErr != nil {
		return nil, script.openErr
	}
	out := make(chan *providers.Chunk, len(script.chunks))
	for _, chunk := range script.chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (m *scriptedModel) Generate(context.Context, *providers.Request) (*models.AssistantMessage, error) {
	return nil, errors.New("generate is not scripted")
}

func (m *scriptedModel) CountTokens(*providers.Request) int { return 0 }
func (m *scriptedModel) Name() string                       { return "scripted" }
func (m *scriptedModel) Model() string                      { return "test-model" }

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// scriptedApproval answers every approval request the same way.
type scriptedApproval struct {
	resp     *hitl.ApprovalResponse
	err      error
	requests []*hitl.ApprovalRequest
}

func (h *scriptedApproval) RequestApproval(_ context.Context, req *hitl.ApprovalRequest) (*hitl.ApprovalResponse, error) {
	h.requests = append(h.requests, req)
	if h.err != nil {
		return nil, h.err
	}
	return h.resp, nil
}

// tripGuard trips its tripwire on every check of its type.
type tripGuard struct {
	gtype   guardrails.Type
	message string
}

func (g *tripGuard) Name() string          { return "trip-" + string(g.gtype) }
func (g *tripGuard) Description() string   { return "test guardrail" }
func (g *tripGuard) Type() guardrails.Type { return g.gtype }

func (g *tripGuard) Check(_ context.Context, _ *guardrails.Context) (*guardrails.Result, error) {
	return guardrails.Fail(g, g.message, true), nil
}

func newTestAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.RetryPolicy.InitialMs == 0 {
		cfg.RetryPolicy = backoff.Policy{InitialMs: 1, MaxMs: 2, Factor: 1}
	}
	agent, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return agent
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error for a missing client")
	}
}

func TestRunSimpleCompletion(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{textScript("Hello there.")}}
	buffer := NewBuffer()
	agent := newTestAgent(t, Config{Name: "helper", Client: model, Memory: buffer, SessionID: "s1"})

	res, err := agent.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q (error %q)", res.Status, StatusCompleted, res.Error)
	}
	if res.Output != "Hello there." {
		t.Errorf("Output = %q", res.Output)
	}
	if res.AgentName != "helper" || res.RunID == "" {
		t.Errorf("identity = %q/%q", res.AgentName, res.RunID)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(res.Steps))
	}
	if res.Steps[0].FinishReason != models.FinishStop {
		t.Errorf("FinishReason = %q", res.Steps[0].FinishReason)
	}
	if res.Usage.LLMCalls != 1 || res.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if res.ToolCallsTotal != 0 {
		t.Errorf("ToolCallsTotal = %d, want 0", res.ToolCallsTotal)
	}
	if !res.Success() {
		t.Error("expected Success()")
	}
	if buffer.Len("s1") != 2 {
		t.Errorf("memory holds %d messages, want user + assistant", buffer.Len("s1"))
	}
}

func TestRunToolCallRoundTrip(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{
		toolScript("Let me check.", "echo", map[string]any{"message": "hi"}),
		textScript("done"),
	}}
	buffer := NewBuffer()
	agent := newTestAgent(t, Config{
		Client:    model,
		Tools:     toolRegistry(t, echoStub()),
		Memory:    buffer,
		SessionID: "s1",
	})

	res, err := agent.Run(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q (error %q)", res.Status, res.Error)
	}
	if res.Output != "done" {
		t.Errorf("Output = %q", res.Output)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(res.Steps))
	}

	first := res.Steps[0]
	if first.Thought != "Let me check." {
		t.Errorf("Thought = %q", first.Thought)
	}
	if first.FinishReason != models.FinishToolCalls {
		t.Errorf("FinishReason = %q", first.FinishReason)
	}
	if len(first.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(first.ToolCalls))
	}
	record := first.ToolCalls[0]
	if record.ToolName != "echo" || record.CallID != "call_1" {
		t.Errorf("record identity = %q/%q", record.ToolName, record.CallID)
	}
	if record.Result != "hi" || record.IsError {
		t.Errorf("record = %q (is_error %v)", record.Result, record.IsError)
	}

	if res.ToolCallsTotal != 1 || res.ToolCallsByName["echo"] != 1 {
		t.Errorf("tallies = %d %+v", res.ToolCallsTotal, res.ToolCallsByName)
	}
	if res.Usage.LLMCalls != 2 || res.Usage.TotalTokens != 33 {
		t.Errorf("Usage = %+v", res.Usage)
	}

	// The second model call sees the transcript with the tool result.
	if model.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", model.callCount())
	}
	second := model.requests[1]
	if len(second.Messages) != 3 {
		t.Errorf("second request carries %d messages, want 3", len(second.Messages))
	}
	if len(second.Tools) != 1 || second.Tools[0].Name != "echo" {
		t.Errorf("second request tools = %+v", second.Tools)
	}
	if buffer.Len("s1") != 4 {
		t.Errorf("memory holds %d messages, want 4", buffer.Len("s1"))
	}
}

func TestStreamChunkSequence(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{
		toolScript("Let me check.", "echo", map[string]any{"message": "hi"}),
		textScript("done"),
	}}
	agent := newTestAgent(t, Config{Client: model, Tools: toolRegistry(t, echoStub())})

	chunks, err := agent.Stream(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var collected []*Chunk
	for chunk := range chunks {
		collected = append(collected, chunk)
	}

	want := []ChunkKind{
		ChunkTextDelta, ChunkCompletion, ChunkToolResult,
		ChunkTextDelta, ChunkCompletion, ChunkRunEnd,
	}
	if len(collected) != len(want) {
		t.Fatalf("chunks = %d, want %d", len(collected), len(want))
	}
	for i, kind := range want {
		if collected[i].Kind != kind {
			t.Fatalf("chunk[%d].Kind = %q, want %q", i, collected[i].Kind, kind)
		}
	}

	if collected[0].Delta != "Let me check." || collected[0].Step != 1 {
		t.Errorf("delta chunk = %+v", collected[0])
	}
	if msg := collected[1].Message; msg == nil || len(msg.ToolCalls) != 1 {
		t.Errorf("completion chunk = %+v", collected[1])
	}
	if tr := collected[2]; tr.ToolName != "echo" || tr.ToolResult == nil || tr.ToolResult.PlainText() != "hi" {
		t.Errorf("tool result chunk = %+v", tr)
	}
	final := collected[len(collected)-1]
	if final.Result == nil || final.Result.Status != StatusCompleted {
		t.Errorf("run end chunk = %+v", final)
	}
}

func TestRunHeuristicToolDetection(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{
		textScript(`{"message": "ping"}`),
		textScript("pong"),
	}}
	buffer := NewBuffer()
	agent := newTestAgent(t, Config{
		Client:    model,
		Tools:     toolRegistry(t, echoStub()),
		Memory:    buffer,
		SessionID: "s1",
	})

	res, err := agent.Run(context.Background(), "ping me")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q (error %q)", res.Status, res.Error)
	}
	if res.Output != "pong" {
		t.Errorf("Output = %q", res.Output)
	}
	if len(res.Steps) != 2 || len(res.Steps[0].ToolCalls) != 1 {
		t.Fatalf("steps = %+v", res.Steps)
	}
	record := res.Steps[0].ToolCalls[0]
	if record.ToolName != "echo" || record.Result != "ping" {
		t.Errorf("record = %+v", record)
	}
	if record.CallID == "" {
		t.Error("expected a generated call id")
	}

	msgs, err := buffer.GetMessages(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	assistant, ok := msgs[1].(*models.AssistantMessage)
	if !ok || len(assistant.ToolCalls) != 1 {
		t.Errorf("stored assistant message = %+v", msgs[1])
	}
}

func TestRunInputGuardrailTrip(t *testing.T) {
	model := &scriptedModel{}
	buffer := NewBuffer()
	agent := newTestAgent(t, Config{
		Client:     model,
		Memory:     buffer,
		SessionID:  "s1",
		Guardrails: []guardrails.Guardrail{&tripGuard{gtype: guardrails.TypeInput, message: "pii detected"}},
	})

	res, err := agent.Run(context.Background(), "my ssn is 123-45-6789")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusGuardrailTripped {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.Output != "Request blocked: pii detected" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Error != "" {
		t.Errorf("Error = %q, want empty", res.Error)
	}
	if len(res.Steps) != 0 {
		t.Errorf("steps = %d, want 0", len(res.Steps))
	}
	if model.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", model.callCount())
	}
	// The user turn is still in the transcript.
	if buffer.Len("s1") != 1 {
		t.Errorf("memory holds %d messages, want 1", buffer.Len("s1"))
	}
	if len(res.GuardrailResults) != 1 || !res.GuardrailResults[0].Tripwire {
		t.Errorf("guardrail results = %+v", res.GuardrailResults)
	}
}

func TestRunOutputGuardrailTrip(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{textScript("the secret is 42")}}
	buffer := NewBuffer()
	agent := newTestAgent(t, Config{
		Client:     model,
		Memory:     buffer,
		SessionID:  "s1",
		Guardrails: []guardrails.Guardrail{&tripGuard{gtype: guardrails.TypeOutput, message: "leak"}},
	})

	res, err := agent.Run(context.Background(), "tell me")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusGuardrailTripped {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.Output != "Response blocked: leak" {
		t.Errorf("Output = %q", res.Output)
	}
	if len(res.Steps) != 0 {
		t.Errorf("steps = %d, want 0", len(res.Steps))
	}
	if res.Usage.LLMCalls != 1 {
		t.Errorf("LLMCalls = %d, want 1", res.Usage.LLMCalls)
	}
	// The raw response was already recorded before the output checks.
	if buffer.Len("s1") != 2 {
		t.Errorf("memory holds %d messages, want 2", buffer.Len("s1"))
	}
}

func TestRunToolGuardrailTripAborts(t *testing.T) {
	executed := false
	echo := echoStub()
	echo.execute = func(_ context.Context, args map[string]any) (*tools.Result, error) {
		executed = true
		return tools.Text("ran"), nil
	}
	model := &scriptedModel{scripts: []modelScript{{chunks: []*providers.Chunk{
		{ToolCall: &models.ToolCall{ID: "call_1", Name: "echo", Arguments: map[string]any{"message": "a"}}},
		{ToolCall: &models.ToolCall{ID: "call_2", Name: "echo", Arguments: map[string]any{"message": "b"}}},
		{Done: true, FinishReason: models.FinishToolCalls},
	}}}}
	buffer := NewBuffer()
	agent := newTestAgent(t, Config{
		Client:     model,
		Tools:      toolRegistry(t, echo),
		Memory:     buffer,
		SessionID:  "s1",
		Guardrails: []guardrails.Guardrail{&tripGuard{gtype: guardrails.TypeToolCall, message: "forbidden"}},
	})

	res, err := agent.Run(context.Background(), "do it")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusGuardrailTripped {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.Output != "Tool blocked: forbidden" {
		t.Errorf("Output = %q", res.Output)
	}
	if executed {
		t.Error("tool ran despite the tripwire")
	}
	if model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", model.callCount())
	}

	if len(res.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(res.Steps))
	}
	records := res.Steps[0].ToolCalls
	if len(records) != 2 {
		t.Fatalf("records = %d, want blocked + skipped", len(records))
	}
	if records[0].CallID != "call_1" || !records[0].IsError || records[0].Result != "Tool blocked: forbidden" {
		t.Errorf("blocked record = %+v", records[0])
	}
	if records[1].CallID != "call_2" || !records[1].IsError || !strings.Contains(records[1].Result, "Tool skipped") {
		t.Errorf("skipped record = %+v", records[1])
	}

	// user, assistant, and one result per call id
	if buffer.Len("s1") != 4 {
		t.Errorf("memory holds %d messages, want 4", buffer.Len("s1"))
	}
}

func TestRunApprovalDeny(t *testing.T) {
	executed := false
	echo := echoStub()
	echo.execute = func(_ context.Context, args map[string]any) (*tools.Result, error) {
		executed = true
		return tools.Text("ran"), nil
	}
	approval := &scriptedApproval{resp: &hitl.ApprovalResponse{Action: hitl.ActionDeny, Reason: "not today"}}
	model := &scriptedModel{scripts: []modelScript{
		toolScript("", "echo", map[string]any{"message": "hi"}),
		textScript("ok then"),
	}}
	agent := newTestAgent(t, Config{
		Client:   model,
		Tools:    toolRegistry(t, echo),
		Approval: approval,
	})

	res, err := agent.Run(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q (error %q)", res.Status, res.Error)
	}
	if executed {
		t.Error("tool ran despite the denial")
	}

	record := res.Steps[0].ToolCalls[0]
	if !record.IsError || record.Result != "Tool denied by user: not today" {
		t.Errorf("record = %+v", record)
	}

	if len(approval.requests) != 1 {
		t.Fatalf("approval requests = %d, want 1", len(approval.requests))
	}
	req := approval.requests[0]
	if req.ToolName != "echo" || req.CallID != "call_1" {
		t.Errorf("approval request = %+v", req)
	}
	if req.Context != "Agent wants to call 'echo' at step 1" {
		t.Errorf("approval context = %q", req.Context)
	}
}

func TestRunApprovalModify(t *testing.T) {
	approval := &scriptedApproval{resp: &hitl.ApprovalResponse{
		Action:            hitl.ActionModify,
		ModifiedArguments: map[string]any{"message": "changed"},
	}}
	model := &scriptedModel{scripts: []modelScript{
		toolScript("", "echo", map[string]any{"message": "original"}),
		textScript("ok"),
	}}
	agent := newTestAgent(t, Config{
		Client:   model,
		Tools:    toolRegistry(t, echoStub()),
		Approval: approval,
	})

	res, err := agent.Run(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	record := res.Steps[0].ToolCalls[0]
	if record.IsError {
		t.Fatalf("record = %+v", record)
	}
	if record.Result != "changed" {
		t.Errorf("Result = %q, want the modified argument echoed", record.Result)
	}
	if record.Arguments["message"] != "changed" {
		t.Errorf("Arguments = %+v", record.Arguments)
	}
}

func TestRunApprovalHandlerError(t *testing.T) {
	approval := &scriptedApproval{err: errors.New("boom")}
	model := &scriptedModel{scripts: []modelScript{
		toolScript("", "echo", map[string]any{"message": "hi"}),
		textScript("ok"),
	}}
	agent := newTestAgent(t, Config{
		Client:   model,
		Tools:    toolRegistry(t, echoStub()),
		Approval: approval,
	})

	res, err := agent.Run(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	record := res.Steps[0].ToolCalls[0]
	if !record.IsError || record.Result != "Tool denied by user: Approval handler error: boom" {
		t.Errorf("record = %+v", record)
	}
}

func TestRunApprovalScopedTools(t *testing.T) {
	approval := &scriptedApproval{resp: &hitl.ApprovalResponse{Action: hitl.ActionDeny}}
	model := &scriptedModel{scripts: []modelScript{
		toolScript("", "echo", map[string]any{"message": "hi"}),
		textScript("ok"),
	}}
	agent := newTestAgent(t, Config{
		Client:                 model,
		Tools:                  toolRegistry(t, echoStub()),
		Approval:               approval,
		ToolsRequiringApproval: []string{"dangerous"},
	})

	res, err := agent.Run(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(approval.requests) != 0 {
		t.Errorf("approval requests = %d, want none for an unlisted tool", len(approval.requests))
	}
	record := res.Steps[0].ToolCalls[0]
	if record.IsError || record.Result != "hi" {
		t.Errorf("record = %+v", record)
	}
}

func TestRunToolTimeout(t *testing.T) {
	slow := &stubTool{
		name:   "slow",
		schema: `{"type":"object"}`,
		execute: func(_ context.Context, _ map[string]any) (*tools.Result, error) {
			time.Sleep(500 * time.Millisecond)
			return tools.Text("late"), nil
		},
	}
	model := &scriptedModel{scripts: []modelScript{
		toolScript("", "slow", map[string]any{}),
		textScript("gave up"),
	}}
	agent := newTestAgent(t, Config{
		Client:      model,
		Tools:       toolRegistry(t, slow),
		ToolTimeout: 30 * time.Millisecond,
	})

	res, err := agent.Run(context.Background(), "wait")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q (error %q)", res.Status, res.Error)
	}
	record := res.Steps[0].ToolCalls[0]
	if !record.IsError || !strings.HasPrefix(record.Result, "Tool 'slow' timed out") {
		t.Errorf("record = %+v", record)
	}
}

func TestRunToolNotFound(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{
		toolScript("", "missing", map[string]any{}),
		textScript("sorry"),
	}}
	agent := newTestAgent(t, Config{Client: model, Tools: toolRegistry(t, echoStub())})

	res, err := agent.Run(context.Background(), "use the missing tool")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q (error %q)", res.Status, res.Error)
	}
	record := res.Steps[0].ToolCalls[0]
	if !record.IsError || !strings.Contains(record.Result, "not found") {
		t.Errorf("record = %+v", record)
	}
	if res.ToolCallsByName["missing"] != 1 {
		t.Errorf("tallies = %+v", res.ToolCallsByName)
	}
}

func TestRunMaxIterations(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{
		toolScript("step one", "echo", map[string]any{"message": "a"}),
		toolScript("step two", "echo", map[string]any{"message": "b"}),
	}}
	agent := newTestAgent(t, Config{
		Client:        model,
		Tools:         toolRegistry(t, echoStub()),
		MaxIterations: 2,
	})

	res, err := agent.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusMaxIterations {
		t.Fatalf("Status = %q (error %q)", res.Status, res.Error)
	}
	if len(res.Steps) != 2 || res.MaxIterations != 2 {
		t.Errorf("steps = %d, ceiling = %d", len(res.Steps), res.MaxIterations)
	}
	if res.Output != "step two" {
		t.Errorf("Output = %q, want the last thought", res.Output)
	}
	if res.Success() {
		t.Error("expected Success() to be false")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{textScript("never")}}
	agent := newTestAgent(t, Config{Client: model})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := agent.Run(ctx, "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCancelled {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.Error != "" {
		t.Errorf("Error = %q, want empty", res.Error)
	}
	if model.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", model.callCount())
	}
}

func TestRunCancelledDuringTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	echo := echoStub()
	echo.execute = func(_ context.Context, _ map[string]any) (*tools.Result, error) {
		cancel()
		return tools.Text("ok"), nil
	}
	model := &scriptedModel{scripts: []modelScript{
		toolScript("", "echo", map[string]any{"message": "hi"}),
	}}
	agent := newTestAgent(t, Config{Client: model, Tools: toolRegistry(t, echo)})

	res, err := agent.Run(ctx, "go")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCancelled {
		t.Fatalf("Status = %q (error %q)", res.Status, res.Error)
	}
	if model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", model.callCount())
	}
}

func TestRunModelErrorSetsStatus(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{
		{openErr: &providers.ProviderError{Reason: providers.FailoverAuth, Message: "bad key"}},
	}}
	agent := newTestAgent(t, Config{Client: model})

	res, err := agent.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("Status = %q", res.Status)
	}
	if !strings.Contains(res.Error, "model call failed") {
		t.Errorf("Error = %q", res.Error)
	}
	if res.Output != "" || len(res.Steps) != 0 {
		t.Errorf("result = %+v", res)
	}
	// auth failures are not retryable
	if model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", model.callCount())
	}
}

func TestRunRetriesTransientModelError(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{
		{openErr: &providers.ProviderError{Reason: providers.FailoverRateLimit, Message: "throttled"}},
		textScript("recovered"),
	}}
	agent := newTestAgent(t, Config{Client: model})

	res, err := agent.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q (error %q)", res.Status, res.Error)
	}
	if res.Output != "recovered" {
		t.Errorf("Output = %q", res.Output)
	}
	if model.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", model.callCount())
	}
}

func TestRunNoRetryAfterStreamedOutput(t *testing.T) {
	model := &scriptedModel{scripts: []modelScript{
		{chunks: []*providers.Chunk{
			{Text: "partial "},
			{Err: &providers.ProviderError{Reason: providers.FailoverServerError, Message: "upstream reset"}},
		}},
		textScript("never"),
	}}
	agent := newTestAgent(t, Config{Client: model})

	res, err := agent.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("Status = %q", res.Status)
	}
	if !strings.Contains(res.Error, "upstream reset") {
		t.Errorf("Error = %q", res.Error)
	}
	// deltas already reached the caller, so no second attempt
	if model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", model.callCount())
	}
}

func TestRunFoldsSystemMessages(t *testing.T) {
	buffer := NewBuffer()
	if err := buffer.AddMessages(context.Background(), "s1",
		[]models.Message{models.NewSystemMessage("Prefer short answers.")}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	model := &scriptedModel{scripts: []modelScript{textScript("ok")}}
	agent := newTestAgent(t, Config{
		Client:       model,
		Memory:       buffer,
		SessionID:    "s1",
		SystemPrompt: "You are terse.",
	})

	if _, err := agent.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	req := model.requests[0]
	if req.System != "You are terse.\n\nPrefer short answers." {
		t.Errorf("System = %q", req.System)
	}
	for _, msg := range req.Messages {
		if msg.Type() == models.MessageTypeSystem {
			t.Errorf("system message leaked into the transcript: %+v", msg)
		}
	}
	if len(req.Messages) != 1 {
		t.Errorf("messages = %d, want just the user turn", len(req.Messages))
	}
}

func TestRunFiresLifecycleHooks(t *testing.T) {
	registry := hooks.NewRegistry(testLogger())
	var mu sync.Mutex
	var seen []hooks.EventType
	registry.RegisterAll(hooks.AllEvents(), func(_ context.Context, event *hooks.Event) error {
		mu.Lock()
		seen = append(seen, event.Type)
		mu.Unlock()
		return nil
	})

	model := &scriptedModel{scripts: []modelScript{textScript("ok")}}
	agent := newTestAgent(t, Config{Client: model, Hooks: registry})

	if _, err := agent.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []hooks.EventType{
		hooks.EventRunStart,
		hooks.EventStepStart,
		hooks.EventLLMStart,
		hooks.EventLLMEnd,
		hooks.EventStepEnd,
		hooks.EventRunEnd,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i, event := range want {
		if seen[i] != event {
			t.Fatalf("events[%d] = %q, want %q", i, seen[i], event)
		}
	}
}
