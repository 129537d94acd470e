// Package agent implements the think-act orchestrator. An Agent drives
// a bounded loop over one user turn: each cycle streams a model
// response, executes any requested tools, and feeds the results back
// until the model answers directly or the iteration ceiling is hit.
// Runs stream Chunk values as they happen and settle into a RunResult.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axonhq/axon/internal/backoff"
	"github.com/axonhq/axon/internal/guardrails"
	"github.com/axonhq/axon/internal/hitl"
	"github.com/axonhq/axon/internal/hooks"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/providers"
	"github.com/axonhq/axon/internal/tools"
	"github.com/axonhq/axon/pkg/models"
)

const (
	// DefaultMaxIterations bounds think-act cycles per run.
	DefaultMaxIterations = 10

	// DefaultToolTimeout bounds a single tool execution.
	DefaultToolTimeout = 5 * time.Minute

	// DefaultMaxRetries bounds model-call retries on transient failures.
	DefaultMaxRetries = 3

	streamBufferSize = 32
)

// ApprovalHandler gates tool execution on a human decision. The hitl
// session satisfies it.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req *hitl.ApprovalRequest) (*hitl.ApprovalResponse, error)
}

// Config assembles one agent.
type Config struct {
	// Name identifies the agent in results, events, and logs.
	Name string

	// Client is the model backend the agent reasons with. Required.
	Client providers.ModelClient

	// Tools is the capability registry exposed to the model.
	Tools *tools.Registry

	// Memory is the session message log. Nil falls back to an
	// in-process Buffer.
	Memory Memory

	// SessionID selects the conversation inside Memory. Empty generates
	// a fresh id.
	SessionID string

	// SystemPrompt is folded into every model request together with any
	// system messages already in the transcript.
	SystemPrompt string

	// Guardrails are partitioned by type and fired at their
	// interception points.
	Guardrails []guardrails.Guardrail

	// Hooks receives lifecycle events. Nil disables dispatch.
	Hooks *hooks.Registry

	// Approval gates the tools named in ToolsRequiringApproval. With a
	// handler set and a nil list, every tool requires approval; an
	// empty non-nil list requires none.
	Approval               ApprovalHandler
	ToolsRequiringApproval []string

	// MaxIterations bounds think-act cycles per run. Default 10.
	MaxIterations int

	// MaxTokens bounds each model response. Zero uses the client
	// default.
	MaxTokens int

	// EnableThinking requests extended reasoning from the model.
	EnableThinking       bool
	ThinkingBudgetTokens int

	// ToolTimeout bounds one tool execution. Default 5 minutes.
	ToolTimeout time.Duration

	// MaxRetries bounds model-call retries on transient failures.
	// Default 3.
	MaxRetries int

	// RetryPolicy shapes the backoff between model-call retries. Zero
	// uses backoff.DefaultPolicy.
	RetryPolicy backoff.Policy

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Agent drives the think-act loop for one configured identity. Safe for
// concurrent runs; per-run state lives on each Run or Stream call.
type Agent struct {
	name     string
	client   providers.ModelClient
	registry *tools.Registry
	memory   Memory
	session  string
	system   string

	checks []guardrails.Guardrail
	guard  *guardrails.Runner
	hooks  *hooks.Registry

	approval      ApprovalHandler
	approvalAll   bool
	approvalTools map[string]bool

	maxIterations  int
	maxTokens      int
	thinking       bool
	thinkingBudget int
	toolTimeout    time.Duration
	maxRetries     int
	retryPolicy    backoff.Policy

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New validates the configuration and builds an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Client == nil {
		return nil, errors.New("agent: model client is required")
	}

	a := &Agent{
		name:           cfg.Name,
		client:         cfg.Client,
		registry:       cfg.Tools,
		memory:         cfg.Memory,
		session:        cfg.SessionID,
		system:         cfg.SystemPrompt,
		checks:         cfg.Guardrails,
		hooks:          cfg.Hooks,
		approval:       cfg.Approval,
		maxIterations:  cfg.MaxIterations,
		maxTokens:      cfg.MaxTokens,
		thinking:       cfg.EnableThinking,
		thinkingBudget: cfg.ThinkingBudgetTokens,
		toolTimeout:    cfg.ToolTimeout,
		maxRetries:     cfg.MaxRetries,
		retryPolicy:    cfg.RetryPolicy,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
	}
	if a.name == "" {
		a.name = "agent"
	}
	if a.registry == nil {
		a.registry = tools.NewRegistry()
	}
	if a.memory == nil {
		a.memory = NewBuffer()
	}
	if a.session == "" {
		a.session = uuid.NewString()
	}
	if a.maxIterations <= 0 {
		a.maxIterations = DefaultMaxIterations
	}
	if a.toolTimeout <= 0 {
		a.toolTimeout = DefaultToolTimeout
	}
	if a.maxRetries <= 0 {
		a.maxRetries = DefaultMaxRetries
	}
	if a.retryPolicy.InitialMs == 0 {
		a.retryPolicy = backoff.DefaultPolicy()
	}
	if a.logger == nil {
		a.logger = observability.NewLogger(observability.LogConfig{})
	}
	if a.tracer == nil {
		a.tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	a.guard = guardrails.NewRunner(a.logger, a.metrics)

	if cfg.ToolsRequiringApproval == nil {
		a.approvalAll = true
	} else {
		a.approvalTools = make(map[string]bool, len(cfg.ToolsRequiringApproval))
		for _, name := range cfg.ToolsRequiringApproval {
			a.approvalTools[name] = true
		}
	}
	return a, nil
}

// Name returns the agent's configured name.
func (a *Agent) Name() string { return a.name }

// SessionID returns the session the agent's memory is bound to.
func (a *Agent) SessionID() string { return a.session }

// Run completes one turn and returns the aggregated result. Terminal
// failures are reported through the result's Status and Error fields;
// the returned error is reserved for not obtaining a result at all.
func (a *Agent) Run(ctx context.Context, input string) (*RunResult, error) {
	chunks, err := a.Stream(ctx, input)
	if err != nil {
		return nil, err
	}
	var result *RunResult
	for chunk := range chunks {
		if chunk.Kind == ChunkRunEnd {
			result = chunk.Result
		}
	}
	if result == nil {
		return nil, errors.New("agent: stream ended without a terminal result")
	}
	return result, nil
}

// Stream runs one turn, yielding chunks as they become available. The
// channel always ends with a ChunkRunEnd carrying the run result and is
// then closed. The caller must drain the channel; an abandoned stream
// blocks its run goroutine.
func (a *Agent) Stream(ctx context.Context, input string) (<-chan *Chunk, error) {
	out := make(chan *Chunk, streamBufferSize)
	go func() {
		defer close(out)
		a.runLoop(ctx, input, out)
	}()
	return out, nil
}

func (a *Agent) runLoop(ctx context.Context, input string, out chan<- *Chunk) {
	res := &RunResult{
		RunID:           uuid.NewString(),
		AgentName:       a.name,
		Status:          StatusCompleted,
		ToolCallsByName: make(map[string]int),
		StartTime:       time.Now(),
		MaxIterations:   a.maxIterations,
	}

	ctx, span := a.tracer.TraceRun(ctx, a.name, res.RunID)
	defer func() {
		res.EndTime = time.Now()
		if a.metrics != nil {
			a.metrics.RecordRun(a.name, string(res.Status), res.Duration().Seconds())
		}
		a.dispatch(ctx, hooks.NewEvent(hooks.EventRunEnd).
			WithRun(res.RunID, a.name).
			WithSession(a.session).
			WithStatus(string(res.Status)).
			WithUsage(&res.Usage.Usage).
			WithDuration(res.Duration()).
			WithContext("steps_used", res.StepsUsed()).
			WithContext("tool_calls_total", res.ToolCallsTotal))
		span.End()
		out <- &Chunk{Kind: ChunkRunEnd, Result: res}
	}()

	a.logger.Info(ctx, "starting run",
		"agent", a.name, "run_id", res.RunID, "session_id", a.session)
	a.dispatch(ctx, hooks.NewEvent(hooks.EventRunStart).
		WithRun(res.RunID, a.name).
		WithSession(a.session).
		WithContext("input_length", len(input)))

	// The user turn is recorded before input checks so blocked requests
	// still appear in the transcript.
	if err := a.remember(ctx, models.NewUserText(input)); err != nil {
		a.settle(ctx, res, fmt.Errorf("failed to record user message: %w", err))
		return
	}

	if tripped := a.runGuardrails(ctx, res, guardrails.TypeInput,
		guardrails.InputContext(a.name, res.RunID, input)); tripped != nil {
		blocked := "Request blocked: " + tripped.Message
		out <- &Chunk{Kind: ChunkCompletion, Message: blockedMessage(blocked)}
		res.Status = StatusGuardrailTripped
		res.Output = blocked
		return
	}

	for step := 1; step <= a.maxIterations; step++ {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return
		}
		if a.runStep(ctx, res, step, out) {
			return
		}
	}

	res.Status = StatusMaxIterations
	if n := len(res.Steps); n > 0 {
		res.Output = res.Steps[n-1].Thought
	}
	a.logger.Warn(ctx, "hit max iterations",
		"agent", a.name, "run_id", res.RunID, "max_iterations", a.maxIterations)
}

// runStep executes one think-act cycle and reports whether the run
// reached a terminal state.
func (a *Agent) runStep(ctx context.Context, res *RunResult, step int, out chan<- *Chunk) bool {
	stepStart := time.Now()
	a.dispatch(ctx, hooks.NewEvent(hooks.EventStepStart).
		WithRun(res.RunID, a.name).WithSession(a.session).WithStep(step))
	defer func() {
		a.dispatch(ctx, hooks.NewEvent(hooks.EventStepEnd).
			WithRun(res.RunID, a.name).WithSession(a.session).WithStep(step).
			WithDuration(time.Since(stepStart)))
	}()

	turn, err := a.think(ctx, res, step, out)
	if err != nil {
		a.settle(ctx, res, err)
		return true
	}

	msg := turn.message()

	// Some models emit a tool call as a bare JSON object in the text.
	if len(msg.ToolCalls) == 0 && turn.text != "" {
		if tc := DetectTool(turn.text, a.registry); tc != nil {
			msg.ToolCalls = []models.ToolCall{*tc}
			msg.FinishReason = models.FinishToolCalls
			a.logger.Debug(ctx, "recovered tool call from text",
				"run_id", res.RunID, "tool", tc.Name)
		}
	}
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = uuid.NewString()
		}
		if msg.ToolCalls[i].Arguments == nil {
			msg.ToolCalls[i].Arguments = map[string]any{}
		}
	}

	out <- &Chunk{Kind: ChunkCompletion, Step: step, Message: msg}
	if err := a.remember(ctx, msg); err != nil {
		a.settle(ctx, res, fmt.Errorf("failed to record assistant message: %w", err))
		return true
	}
	res.Usage.Record(turn.usage)

	if len(msg.ToolCalls) == 0 {
		if tripped := a.runGuardrails(ctx, res, guardrails.TypeOutput,
			guardrails.OutputContext(a.name, res.RunID, turn.text)); tripped != nil {
			blocked := "Response blocked: " + tripped.Message
			out <- &Chunk{Kind: ChunkCompletion, Step: step, Message: blockedMessage(blocked)}
			res.Status = StatusGuardrailTripped
			res.Output = blocked
			return true
		}
		res.Steps = append(res.Steps, Step{
			Step:         step,
			Thought:      turn.text,
			Reasoning:    turn.reasoning,
			Usage:        turn.usage,
			FinishReason: turn.finish,
		})
		res.Output = turn.text
		return true
	}

	records, terminal := a.act(ctx, res, step, msg.ToolCalls, out)
	res.Steps = append(res.Steps, Step{
		Step:         step,
		Thought:      turn.text,
		Reasoning:    turn.reasoning,
		ToolCalls:    records,
		Usage:        turn.usage,
		FinishReason: models.FinishToolCalls,
	})
	return terminal
}

// modelTurn is the collected outcome of one streamed model call.
type modelTurn struct {
	text      string
	reasoning string
	toolCalls []models.ToolCall
	usage     *models.Usage
	finish    models.FinishReason
}

// message assembles the assistant message for the turn.
func (t *modelTurn) message() *models.AssistantMessage {
	msg := &models.AssistantMessage{
		Tag:          models.MessageTypeAssistant,
		Reasoning:    t.reasoning,
		ToolCalls:    t.toolCalls,
		FinishReason: t.finish,
		Usage:        t.usage,
	}
	if t.text != "" {
		msg.Content = []models.ContentPart{models.TextPart(t.text)}
	}
	if len(t.toolCalls) > 0 {
		msg.FinishReason = models.FinishToolCalls
	}
	return msg
}

// think performs one model call, forwarding deltas as they arrive.
// Transient failures are retried with backoff until the first delta has
// been forwarded; after that a retry would duplicate visible output.
func (a *Agent) think(ctx context.Context, res *RunResult, step int, out chan<- *Chunk) (*modelTurn, error) {
	snapshot, err := a.memory.GetMessages(ctx, a.session, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	req := a.buildRequest(snapshot)

	a.dispatch(ctx, hooks.NewEvent(hooks.EventLLMStart).
		WithRun(res.RunID, a.name).WithSession(a.session).WithStep(step).
		WithModel(a.client.Model()).
		WithContext("message_count", len(req.Messages)).
		WithContext("tool_count", len(req.Tools)))

	llmCtx, span := a.tracer.TraceLLMRequest(ctx, a.client.Name(), a.client.Model())
	defer span.End()

	start := time.Now()
	emitted := false
	outcome, err := backoff.Retry(ctx, a.retryPolicy, a.maxRetries+1,
		func(err error) bool {
			return !emitted && providers.IsRetryable(err)
		},
		func(attempt int) (*modelTurn, error) {
			if attempt > 1 {
				a.logger.Warn(ctx, "retrying model call",
					"run_id", res.RunID, "step", step, "attempt", attempt)
			}
			chunks, err := a.client.Stream(llmCtx, req)
			if err != nil {
				return nil, err
			}
			return a.consume(chunks, step, out, &emitted)
		})
	elapsed := time.Since(start)

	if err != nil {
		a.tracer.RecordError(span, err)
		if a.metrics != nil {
			a.metrics.RecordLLMRequest(a.client.Name(), a.client.Model(), "error", elapsed.Seconds(), 0, 0)
		}
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	turn := outcome.Value
	if a.metrics != nil {
		var prompt, completion int
		if turn.usage != nil {
			prompt = turn.usage.PromptTokens
			completion = turn.usage.CompletionTokens
		}
		a.metrics.RecordLLMRequest(a.client.Name(), a.client.Model(), "success", elapsed.Seconds(), prompt, completion)
	}
	a.dispatch(ctx, hooks.NewEvent(hooks.EventLLMEnd).
		WithRun(res.RunID, a.name).WithSession(a.session).WithStep(step).
		WithModel(a.client.Model()).
		WithUsage(turn.usage).WithDuration(elapsed).
		WithContext("has_tool_calls", len(turn.toolCalls) > 0))
	return turn, nil
}

// consume drains one model stream, forwarding deltas and collecting
// tool calls, usage, and the finish reason.
func (a *Agent) consume(chunks <-chan *providers.Chunk, step int, out chan<- *Chunk, emitted *bool) (*modelTurn, error) {
	turn := &modelTurn{finish: models.FinishStop}
	var text, reasoning strings.Builder

	for chunk := range chunks {
		if chunk.Err != nil {
			for range chunks {
			}
			return nil, chunk.Err
		}
		if chunk.Thinking != "" {
			reasoning.WriteString(chunk.Thinking)
			*emitted = true
			out <- &Chunk{Kind: ChunkReasoningDelta, Step: step, Delta: chunk.Thinking}
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			*emitted = true
			out <- &Chunk{Kind: ChunkTextDelta, Step: step, Delta: chunk.Text}
		}
		if chunk.ToolCall != nil {
			turn.toolCalls = append(turn.toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			if chunk.FinishReason != "" {
				turn.finish = chunk.FinishReason
			}
			turn.usage = chunk.Usage
		}
	}

	turn.text = text.String()
	turn.reasoning = reasoning.String()
	return turn, nil
}

// buildRequest folds system messages out of the transcript and attaches
// tool schemas.
func (a *Agent) buildRequest(snapshot []models.Message) *providers.Request {
	system := a.system
	msgs := make([]models.Message, 0, len(snapshot))
	for _, m := range snapshot {
		if sm, ok := m.(*models.SystemMessage); ok {
			if system != "" {
				system += "\n\n"
			}
			system += sm.Content
			continue
		}
		msgs = append(msgs, m)
	}

	var specs []providers.ToolSpec
	for _, capability := range a.registry.Capabilities() {
		specs = append(specs, providers.ToolSpec{
			Name:        capability.Name,
			Description: capability.Description,
			Schema:      capability.InputSchema,
		})
	}

	return &providers.Request{
		System:               system,
		Messages:             msgs,
		Tools:                specs,
		MaxTokens:            a.maxTokens,
		EnableThinking:       a.thinking,
		ThinkingBudgetTokens: a.thinkingBudget,
	}
}

// act executes the step's tool calls sequentially. It reports true when
// the run reached a terminal state: a tool_call tripwire aborts the
// whole run, and cancellation stops it. Tool failures do not.
func (a *Agent) act(ctx context.Context, res *RunResult, step int, calls []models.ToolCall, out chan<- *Chunk) ([]ToolCallRecord, bool) {
	records := make([]ToolCallRecord, 0, len(calls))

	for i, tc := range calls {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return records, true
		}

		if tripped := a.runGuardrails(ctx, res, guardrails.TypeToolCall,
			guardrails.ToolCallContext(a.name, res.RunID, tc.Name, tc.Arguments)); tripped != nil {
			blocked := "Tool blocked: " + tripped.Message
			if record, err := a.deliver(ctx, step, tc, tc.Arguments,
				models.NewToolErrorMessage(tc.ID, blocked), 0, out); err == nil {
				records = append(records, record)
				res.ToolCallsTotal++
				res.ToolCallsByName[tc.Name]++
			}
			// The model's remaining calls still get results so the
			// transcript keeps one result per call id.
			for _, rest := range calls[i+1:] {
				skipped := models.NewToolErrorMessage(rest.ID,
					fmt.Sprintf("Tool skipped: run aborted by guardrail '%s'", tripped.GuardrailName))
				if record, err := a.deliver(ctx, step, rest, rest.Arguments, skipped, 0, out); err == nil {
					records = append(records, record)
				}
			}
			res.Status = StatusGuardrailTripped
			res.Output = blocked
			return records, true
		}

		record, err := a.executeCall(ctx, res, step, tc, out)
		if err != nil {
			if ctx.Err() != nil {
				res.Status = StatusCancelled
			} else {
				a.fail(ctx, res, err)
			}
			return records, true
		}
		records = append(records, record)
		res.ToolCallsTotal++
		res.ToolCallsByName[tc.Name]++
	}
	return records, false
}

// executeCall runs one tool call through the approval gate and the
// registry.
// The returned error is terminal for the run: cancellation or a memory
// failure. Tool-side failures come back inside the record.
func (a *Agent) executeCall(ctx context.Context, res *RunResult, step int, tc models.ToolCall, out chan<- *Chunk) (ToolCallRecord, error) {
	args := tc.Arguments
	start := time.Now()

	a.dispatch(ctx, hooks.NewEvent(hooks.EventToolStart).
		WithRun(res.RunID, a.name).WithSession(a.session).WithStep(step).
		WithTool(tc.Name, tc.ID).
		WithContext("arguments", args))

	finish := func(msg *models.ToolResultMessage, status string) (ToolCallRecord, error) {
		dur := time.Since(start)
		if a.metrics != nil {
			a.metrics.RecordToolExecution(tc.Name, status, dur.Seconds())
		}
		a.dispatch(ctx, hooks.NewEvent(hooks.EventToolEnd).
			WithRun(res.RunID, a.name).WithSession(a.session).WithStep(step).
			WithTool(tc.Name, tc.ID).WithDuration(dur).
			WithContext("is_error", msg.IsError))
		return a.deliver(ctx, step, tc, args, msg, dur, out)
	}

	if a.approval != nil && a.needsApproval(tc.Name) {
		resp, err := a.approval.RequestApproval(ctx, &hitl.ApprovalRequest{
			ToolName:  tc.Name,
			CallID:    tc.ID,
			Arguments: args,
			Context:   fmt.Sprintf("Agent wants to call '%s' at step %d", tc.Name, step),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ToolCallRecord{}, ctx.Err()
			}
			resp = &hitl.ApprovalResponse{
				Action: hitl.ActionDeny,
				Reason: fmt.Sprintf("Approval handler error: %v", err),
			}
		}
		if a.metrics != nil {
			a.metrics.RecordHITL("approval", resp.Action)
		}
		switch {
		case resp.Modified():
			if resp.ModifiedArguments != nil {
				args = resp.ModifiedArguments
			}
			a.logger.Info(ctx, "tool call modified by user",
				"tool", tc.Name, "call_id", tc.ID)
		case resp.Approved():
			a.logger.Info(ctx, "tool call approved",
				"tool", tc.Name, "call_id", tc.ID)
		default:
			reason := resp.Reason
			if reason == "" {
				reason = "User denied tool execution"
			}
			a.logger.Info(ctx, "tool call denied",
				"tool", tc.Name, "call_id", tc.ID, "reason", reason)
			return finish(models.NewToolErrorMessage(tc.ID, "Tool denied by user: "+reason), "denied")
		}
	}

	execCtx, span := a.tracer.TraceToolExecution(ctx, tc.Name, tc.ID)
	defer span.End()
	tctx, cancel := context.WithTimeout(execCtx, a.toolTimeout)
	defer cancel()

	type outcome struct {
		result *tools.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := a.registry.ExecuteArgs(tctx, tc.Name, args)
		done <- outcome{result, err}
	}()

	var msg *models.ToolResultMessage
	select {
	case o := <-done:
		switch {
		case o.err != nil:
			msg = models.NewToolErrorMessage(tc.ID, o.err.Error())
		case o.result == nil:
			msg = models.NewToolErrorMessage(tc.ID, "tool returned no result")
		default:
			msg = models.NewToolResultMessage(tc.ID, o.result.Blocks...)
			msg.IsError = o.result.IsError
		}
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ToolCallRecord{}, ctx.Err()
		}
		msg = models.NewToolErrorMessage(tc.ID,
			fmt.Sprintf("Tool '%s' timed out after %.0fs", tc.Name, a.toolTimeout.Seconds()))
	}

	status := "success"
	if msg.IsError {
		status = "error"
	}
	return finish(msg, status)
}

// deliver records one tool outcome: appends it to memory, emits the
// chunk, and builds the record.
func (a *Agent) deliver(ctx context.Context, step int, tc models.ToolCall, args map[string]any, msg *models.ToolResultMessage, dur time.Duration, out chan<- *Chunk) (ToolCallRecord, error) {
	if err := a.remember(ctx, msg); err != nil {
		return ToolCallRecord{}, fmt.Errorf("failed to record tool result: %w", err)
	}
	out <- &Chunk{Kind: ChunkToolResult, Step: step, ToolName: tc.Name, ToolResult: msg}
	return ToolCallRecord{
		ToolName:  tc.Name,
		CallID:    tc.ID,
		Arguments: args,
		Result:    msg.PlainText(),
		IsError:   msg.IsError,
		Duration:  dur,
	}, nil
}

// runGuardrails fires the checks of one type, captures their results on
// the run, and returns the tripwire if one fired.
func (a *Agent) runGuardrails(ctx context.Context, res *RunResult, only guardrails.Type, gc *guardrails.Context) *guardrails.TripwireError {
	results, err := a.guard.Run(ctx, a.checks, gc, only)
	res.GuardrailResults = append(res.GuardrailResults, results...)
	if err == nil {
		return nil
	}
	trip := &guardrails.TripwireError{}
	if !errors.As(err, &trip) {
		trip = &guardrails.TripwireError{Message: err.Error()}
	}
	a.dispatch(ctx, hooks.NewEvent(hooks.EventGuardrailTrip).
		WithRun(res.RunID, a.name).
		WithSession(a.session).
		WithGuardrail(trip.GuardrailName).
		WithError(err))
	return trip
}

func (a *Agent) needsApproval(name string) bool {
	if a.approvalAll {
		return true
	}
	return a.approvalTools[name]
}

func (a *Agent) remember(ctx context.Context, msg models.Message) error {
	return a.memory.AddMessages(ctx, a.session, []models.Message{msg})
}

// settle classifies a loop failure as cancellation or a hard error.
func (a *Agent) settle(ctx context.Context, res *RunResult, err error) {
	if ctx.Err() != nil {
		res.Status = StatusCancelled
		return
	}
	a.fail(ctx, res, err)
}

func (a *Agent) fail(ctx context.Context, res *RunResult, err error) {
	res.Status = StatusError
	res.Error = err.Error()
	a.logger.Error(ctx, "run failed",
		"agent", a.name, "run_id", res.RunID, "error", err)
}

func (a *Agent) dispatch(ctx context.Context, event *hooks.Event) {
	if a.hooks == nil {
		return
	}
	a.hooks.Dispatch(ctx, event)
}

// blockedMessage builds the synthetic assistant message shown when a
// guardrail blocks a request or response.
func blockedMessage(text string) *models.AssistantMessage {
	msg := models.NewAssistantMessage(text)
	msg.FinishReason = models.FinishGuardrail
	return msg
}
