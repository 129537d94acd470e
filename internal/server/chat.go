package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/axonhq/axon/internal/agent"
	"github.com/axonhq/axon/internal/hitl"
	"github.com/axonhq/axon/internal/memory"
	"github.com/axonhq/axon/internal/threads"
	"github.com/axonhq/axon/internal/tools"
	"github.com/axonhq/axon/pkg/models"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	ThreadID string        `json:"thread_id"`
	Messages []chatMessage `json:"messages"`
}

// handleChat runs one agent turn over SSE. Two workers feed the stream:
// the agent worker translates run chunks into events and persists steps
// inline, and the HITL worker forwards approval and input requests. The
// response goroutine is the single writer; event order within each
// worker is preserved.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "thread_id is required")
		return
	}
	input, history, err := splitInput(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetThread(ctx, req.ThreadID); err != nil {
		if errors.Is(err, threads.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Thread not found")
			return
		}
		s.internalError(w, r, "failed to load thread", err)
		return
	}

	if err := s.ensureSession(ctx, req.ThreadID); err != nil {
		s.internalError(w, r, "failed to prepare session", err)
		return
	}
	if err := s.recordHistory(ctx, req.ThreadID, history); err != nil {
		s.internalError(w, r, "failed to record history", err)
		return
	}

	// The user turn is persisted before the run starts so blocked and
	// failed requests still appear in the thread.
	now := time.Now().UTC()
	if _, err := s.store.AppendStep(ctx, &models.Step{
		ThreadID:  req.ThreadID,
		Type:      models.StepUserMessage,
		Name:      "user",
		Input:     input,
		StartedAt: now,
		EndedAt:   now,
	}); err != nil {
		s.internalError(w, r, "failed to record user message", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Streaming unsupported")
		return
	}

	hs := s.bridge.NewSession()
	ag, err := s.buildAgent(hs, req.ThreadID)
	if err != nil {
		s.internalError(w, r, "failed to build agent", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan any, 32)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.agentWorker(ctx, ag, hs, req.ThreadID, input, events)
	}()
	go func() {
		defer wg.Done()
		hitlWorker(ctx, hs, events)
	}()
	go func() {
		wg.Wait()
		close(events)
	}()

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Warn(ctx, "failed to encode sse event", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// splitInput separates the final user message, the run input, from any
// preceding context messages.
func splitInput(msgs []chatMessage) (string, []chatMessage, error) {
	if len(msgs) == 0 {
		return "", nil, errors.New("messages must not be empty")
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" {
		return "", nil, errors.New("last message must have role user")
	}
	if last.Content == "" {
		return "", nil, errors.New("last message content must not be empty")
	}
	return last.Content, msgs[:len(msgs)-1], nil
}

// ensureSession binds the thread to its session memory, rebuilding the
// transcript from persisted steps when the hot state is gone.
func (s *Server) ensureSession(ctx context.Context, threadID string) error {
	_, err := s.sessions.ResumeSession(ctx, threadID)
	if errors.Is(err, memory.ErrSessionNotFound) {
		if _, err := s.sessions.CreateSessionWithID(ctx, threadID, s.cfg.Agent.Name, "", nil); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	count, err := s.sessions.MessageCount(ctx, threadID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	steps, err := s.store.Steps(ctx, threadID)
	if err != nil {
		return err
	}
	msgs := messagesFromSteps(steps)
	if len(msgs) == 0 {
		return nil
	}
	s.logger.Info(ctx, "rebuilding session memory from steps",
		"thread_id", threadID, "steps", len(steps), "messages", len(msgs))
	return s.sessions.AddMessages(ctx, threadID, msgs)
}

// messagesFromSteps replays a persisted thread as session messages.
// Tool call steps are skipped; the calls travel on the assistant
// message that issued them.
func messagesFromSteps(steps []*models.Step) []models.Message {
	var msgs []models.Message
	for _, step := range steps {
		switch step.Type {
		case models.StepUserMessage:
			msgs = append(msgs, models.NewUserText(step.Input))
		case models.StepSystemMessage:
			msgs = append(msgs, models.NewSystemMessage(step.Input))
		case models.StepAssistantMessage:
			msg := &models.AssistantMessage{
				Tag:          models.MessageTypeAssistant,
				Reasoning:    metaStr(step.Metadata, "reasoning"),
				ToolCalls:    toolCallsFromMeta(step.Metadata),
				FinishReason: models.FinishReason(metaStr(step.Metadata, "finish_reason")),
			}
			if step.Output != "" {
				msg.Content = []models.ContentPart{models.TextPart(step.Output)}
			}
			if msg.FinishReason == "" {
				msg.FinishReason = models.FinishStop
			}
			msgs = append(msgs, msg)
		case models.StepToolResult:
			result := models.NewToolResultMessage(metaStr(step.Metadata, "call_id"),
				models.TextBlock(step.Output))
			result.IsError = step.IsError
			msgs = append(msgs, result)
		}
	}
	return msgs
}

func metaStr(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// toolCallsFromMeta decodes the tool_calls metadata written by the
// agent worker. Metadata round-trips through JSON, so the calls come
// back as generic maps and are re-decoded.
func toolCallsFromMeta(meta map[string]any) []models.ToolCall {
	raw, ok := meta["tool_calls"]
	if !ok {
		return nil
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var calls []models.ToolCall
	if err := json.Unmarshal(payload, &calls); err != nil {
		return nil
	}
	return calls
}

// recordHistory persists context messages preceding the user turn and
// mirrors them into session memory.
func (s *Server) recordHistory(ctx context.Context, threadID string, history []chatMessage) error {
	for _, m := range history {
		var (
			stepType models.StepType
			msg      models.Message
		)
		switch m.Role {
		case "system":
			stepType = models.StepSystemMessage
			msg = models.NewSystemMessage(m.Content)
		case "user":
			stepType = models.StepUserMessage
			msg = models.NewUserText(m.Content)
		default:
			return fmt.Errorf("unsupported history role %q", m.Role)
		}
		now := time.Now().UTC()
		if _, err := s.store.AppendStep(ctx, &models.Step{
			ThreadID:  threadID,
			Type:      stepType,
			Name:      m.Role,
			Input:     m.Content,
			StartedAt: now,
			EndedAt:   now,
		}); err != nil {
			return err
		}
		if err := s.sessions.AddMessages(ctx, threadID, []models.Message{msg}); err != nil {
			return err
		}
	}
	return nil
}

// buildAgent assembles the per-request orchestrator: shared tools plus
// ask_human and, when a sandbox is wired, code_interpreter bound to the
// thread's sandbox session.
func (s *Server) buildAgent(hs *hitl.Session, threadID string) (*agent.Agent, error) {
	registry := tools.NewRegistry()
	for _, name := range s.tools.Names() {
		if tool, ok := s.tools.Get(name); ok {
			registry.MustRegister(tool)
		}
	}
	registry.MustRegister(tools.NewAskHumanTool(hs))
	if s.codeRunner != nil {
		registry.MustRegister(tools.NewCodeInterpreterTool(s.codeRunner, threadID))
	}

	// The config list is declarative: an absent list means no tool is
	// gated, unlike the orchestrator's nil-means-all default.
	approvalTools := s.cfg.Agent.ToolsRequiringApproval
	if approvalTools == nil {
		approvalTools = []string{}
	}

	return agent.New(agent.Config{
		Name:                   s.cfg.Agent.Name,
		Client:                 s.client,
		Tools:                  registry,
		Memory:                 s.sessions,
		SessionID:              threadID,
		SystemPrompt:           s.cfg.Agent.SystemPrompt,
		Guardrails:             s.guardrailChecks(),
		Hooks:                  s.hooks,
		Approval:               hs,
		ToolsRequiringApproval: approvalTools,
		MaxIterations:          s.cfg.Agent.MaxIterations,
		ToolTimeout:            s.cfg.Agent.ToolTimeout.Duration(),
		Logger:                 s.logger,
		Metrics:                s.metrics,
		Tracer:                 s.tracer,
	})
}

// errorEvent is the terminal failure payload on the SSE stream.
type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// agentWorker drains the run stream, persisting completion and
// tool_result steps inline and translating chunks into SSE events.
// Persistence failures are logged but do not kill the stream; the
// session memory copy is authoritative for the running turn.
func (s *Server) agentWorker(ctx context.Context, ag *agent.Agent, hs *hitl.Session, threadID, input string, events chan<- any) {
	defer hs.SignalDone()

	chunks, err := ag.Stream(ctx, input)
	if err != nil {
		events <- errorEvent{Type: "error", Error: err.Error()}
		return
	}

	var parentID string
	for chunk := range chunks {
		switch chunk.Kind {
		case agent.ChunkTextDelta, agent.ChunkReasoningDelta:
			events <- chunk

		case agent.ChunkCompletion:
			parentID = s.persistCompletion(ctx, threadID, chunk)
			events <- chunk

		case agent.ChunkToolResult:
			s.persistToolResult(ctx, threadID, parentID, chunk)
			events <- chunk

		case agent.ChunkRunEnd:
			if chunk.Result != nil && chunk.Result.Status == agent.StatusError {
				events <- errorEvent{Type: "error", Error: chunk.Result.Error}
			}
			s.checkpoint(ctx, threadID)
		}
	}
}

// persistCompletion stores the assistant step and its tool_call children,
// returning the assistant step id for parenting tool results.
func (s *Server) persistCompletion(ctx context.Context, threadID string, chunk *agent.Chunk) string {
	msg := chunk.Message
	if msg == nil {
		return ""
	}

	meta := map[string]any{}
	if msg.Reasoning != "" {
		meta["reasoning"] = msg.Reasoning
	}
	if msg.FinishReason != "" {
		meta["finish_reason"] = string(msg.FinishReason)
	}
	if len(msg.ToolCalls) > 0 {
		meta["tool_calls"] = msg.ToolCalls
	}
	if msg.Usage != nil {
		meta["usage"] = msg.Usage
	}

	now := time.Now().UTC()
	stored, err := s.store.AppendStep(ctx, &models.Step{
		ThreadID:  threadID,
		Type:      models.StepAssistantMessage,
		Name:      s.cfg.Agent.Name,
		Output:    msg.PlainText(),
		Metadata:  meta,
		StartedAt: now,
		EndedAt:   now,
	})
	if err != nil {
		s.logger.Warn(ctx, "failed to persist assistant step",
			"thread_id", threadID, "error", err)
		return ""
	}

	for _, tc := range msg.ToolCalls {
		if _, err := s.store.AppendStep(ctx, &models.Step{
			ThreadID:  threadID,
			ParentID:  stored.ID,
			Type:      models.StepToolCall,
			Name:      tc.Name,
			Input:     string(tc.ArgumentsJSON()),
			Metadata:  map[string]any{"call_id": tc.ID},
			StartedAt: now,
			EndedAt:   now,
		}); err != nil {
			s.logger.Warn(ctx, "failed to persist tool call step",
				"thread_id", threadID, "tool", tc.Name, "error", err)
		}
	}
	return stored.ID
}

// persistToolResult saves binary blocks as artifacts and stores the
// tool_result step carrying their references.
func (s *Server) persistToolResult(ctx context.Context, threadID, parentID string, chunk *agent.Chunk) {
	msg := chunk.ToolResult
	if msg == nil {
		return
	}

	meta := map[string]any{"call_id": msg.CallID}
	if refs := s.saver.SaveBlocks(ctx, threadID, msg.Content); len(refs) > 0 {
		meta["artifacts"] = refs
	}

	now := time.Now().UTC()
	if _, err := s.store.AppendStep(ctx, &models.Step{
		ThreadID:  threadID,
		ParentID:  parentID,
		Type:      models.StepToolResult,
		Name:      chunk.ToolName,
		Output:    msg.PlainText(),
		IsError:   msg.IsError,
		Metadata:  meta,
		StartedAt: now,
		EndedAt:   now,
	}); err != nil {
		s.logger.Warn(ctx, "failed to persist tool result step",
			"thread_id", threadID, "tool", chunk.ToolName, "error", err)
	}
}

// checkpoint flushes the session's hot transcript when the store
// supports it.
func (s *Server) checkpoint(ctx context.Context, threadID string) {
	cp, ok := s.sessions.(interface {
		Checkpoint(ctx context.Context, sessionID string) (int, error)
	})
	if !ok {
		return
	}
	if _, err := cp.Checkpoint(ctx, threadID); err != nil {
		s.logger.Warn(ctx, "checkpoint after run failed",
			"thread_id", threadID, "error", err)
	}
}

// hitlWorker forwards approval and input requests until the done
// sentinel or the client disconnects.
func hitlWorker(ctx context.Context, hs *hitl.Session, events chan<- any) {
	for {
		select {
		case event := <-hs.Events():
			if event.Type == hitl.EventDone {
				return
			}
			events <- event
		case <-ctx.Done():
			return
		}
	}
}

type respondResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleRespond resolves one pending HITL request by id. The payload
// shape depends on the request kind and is passed through opaquely.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	if !s.bridge.Resolve(requestID, payload) {
		writeJSON(w, http.StatusNotFound, respondResponse{
			Status: "error",
			Error:  "no pending request with that id",
		})
		return
	}
	writeJSON(w, http.StatusOK, respondResponse{Status: "ok"})
}
