// Package hitl couples the orchestrator's blocking approval and input
// requests to an asynchronous HTTP client. Requests are announced on a
// per-stream event queue drained by the SSE sender; responses arrive on a
// separate POST endpoint and are matched back by request id.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axonhq/axon/internal/observability"
)

// DefaultTimeout bounds how long a request waits for a human response.
const DefaultTimeout = 5 * time.Minute

// Outgoing event types consumed by the SSE sender.
const (
	EventToolApproval = "tool_approval_request"
	EventHumanInput   = "human_input_request"
	EventDone         = "done"
)

// Approval actions a responder may take.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
	ActionModify  = "modify"
)

// ErrTimeout is returned when no response arrives before the deadline.
var ErrTimeout = errors.New("hitl: request timed out")

// ApprovalRequest asks a human to allow, reject, or rewrite a tool call.
type ApprovalRequest struct {
	ToolName  string         `json:"tool_name"`
	CallID    string         `json:"call_id"`
	Arguments map[string]any `json:"arguments"`
	Context   string         `json:"context,omitempty"`
}

// ApprovalResponse carries the responder's decision. Unknown actions are
// treated as deny.
type ApprovalResponse struct {
	Action            string         `json:"action"`
	ModifiedArguments map[string]any `json:"modified_arguments,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// Approved reports whether execution may proceed with the original arguments.
func (r *ApprovalResponse) Approved() bool {
	return r != nil && r.Action == ActionApprove
}

// Modified reports whether execution may proceed with replaced arguments.
func (r *ApprovalResponse) Modified() bool {
	return r != nil && r.Action == ActionModify
}

// InputOption is one selectable choice on an input request.
type InputOption struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// InputRequest asks a human a question mid-run.
type InputRequest struct {
	Question      string        `json:"question"`
	Context       string        `json:"context,omitempty"`
	Options       []InputOption `json:"options,omitempty"`
	AllowFreeform bool          `json:"allow_freeform"`
}

// InputResponse carries the human's answer.
type InputResponse struct {
	SelectedKey   string `json:"selected_key,omitempty"`
	SelectedLabel string `json:"selected_label,omitempty"`
	FreeformText  string `json:"freeform_text,omitempty"`
}

// Answer flattens the response to a single string for the model.
func (r *InputResponse) Answer() string {
	if r == nil {
		return ""
	}
	if r.FreeformText != "" {
		return r.FreeformText
	}
	if r.SelectedLabel != "" {
		return r.SelectedLabel
	}
	return r.SelectedKey
}

// Event is one outgoing notification for the SSE sender.
type Event struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Approval  *ApprovalRequest `json:"approval,omitempty"`
	Input     *InputRequest    `json:"input,omitempty"`
}

// Bridge holds the process-wide pending-request table. Any respond endpoint
// can resolve any stream's request; the id alone identifies the promise.
type Bridge struct {
	logger  *observability.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

// NewBridge creates a bridge. A zero timeout falls back to DefaultTimeout.
func NewBridge(timeout time.Duration, logger *observability.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Bridge{
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]chan json.RawMessage),
	}
}

// Resolve completes a pending request with the raw response payload. It
// reports whether a request with that id was waiting; an unknown id has no
// side effects.
func (b *Bridge) Resolve(requestID string, payload json.RawMessage) bool {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- payload:
	default:
	}
	return true
}

// PendingCount returns the number of requests still waiting for a response.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) register(requestID string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()
	return ch
}

func (b *Bridge) unregister(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// Session carries the outgoing event queue for one chat stream. Requests
// from concurrent tool calls interleave on the queue in submission order;
// the SSE sender is the single consumer.
type Session struct {
	bridge *Bridge
	events chan *Event

	mu   sync.Mutex
	done bool
}

// NewSession creates the event queue for one chat stream.
func (b *Bridge) NewSession() *Session {
	return &Session{
		bridge: b,
		events: make(chan *Event, 64),
	}
}

// Events returns the outgoing queue. Read until an EventDone arrives.
func (s *Session) Events() <-chan *Event {
	return s.events
}

// SignalDone pushes the done sentinel telling the SSE sender no further
// requests will arrive on this stream. Safe to call more than once.
func (s *Session) SignalDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	select {
	case s.events <- &Event{Type: EventDone}:
	default:
	}
}

// RequestApproval announces a tool-call approval request and blocks until a
// response arrives, the timeout elapses, or ctx is cancelled. A timeout
// resolves to deny rather than an error.
func (s *Session) RequestApproval(ctx context.Context, req *ApprovalRequest) (*ApprovalResponse, error) {
	requestID := uuid.NewString()
	ch := s.bridge.register(requestID)
	defer s.bridge.unregister(requestID)

	event := &Event{Type: EventToolApproval, RequestID: requestID, Approval: req}
	if err := s.enqueue(ctx, event); err != nil {
		return nil, err
	}

	s.bridge.logger.Info(ctx, "approval requested",
		"request_id", requestID,
		"tool", req.ToolName,
		"call_id", req.CallID,
	)

	select {
	case payload := <-ch:
		resp := &ApprovalResponse{}
		if err := json.Unmarshal(payload, resp); err != nil {
			s.bridge.logger.Warn(ctx, "malformed approval response", "request_id", requestID, "error", err)
			return &ApprovalResponse{Action: ActionDeny, Reason: "malformed response"}, nil
		}
		if resp.Action != ActionApprove && resp.Action != ActionModify {
			resp.Action = ActionDeny
		}
		s.bridge.logger.Info(ctx, "approval resolved", "request_id", requestID, "action", resp.Action)
		return resp, nil
	case <-time.After(s.bridge.timeout):
		s.bridge.logger.Warn(ctx, "approval timed out", "request_id", requestID, "tool", req.ToolName)
		return &ApprovalResponse{Action: ActionDeny, Reason: "approval request timed out"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestInput announces a human-input request and blocks until a response
// arrives, the timeout elapses, or ctx is cancelled. A timeout returns
// ErrTimeout so the caller can substitute its own fallback answer.
func (s *Session) RequestInput(ctx context.Context, req *InputRequest) (*InputResponse, error) {
	requestID := uuid.NewString()
	ch := s.bridge.register(requestID)
	defer s.bridge.unregister(requestID)

	event := &Event{Type: EventHumanInput, RequestID: requestID, Input: req}
	if err := s.enqueue(ctx, event); err != nil {
		return nil, err
	}

	s.bridge.logger.Info(ctx, "human input requested", "request_id", requestID)

	select {
	case payload := <-ch:
		resp := &InputResponse{}
		if err := json.Unmarshal(payload, resp); err != nil {
			return nil, err
		}
		s.bridge.logger.Info(ctx, "human input resolved", "request_id", requestID)
		return resp, nil
	case <-time.After(s.bridge.timeout):
		s.bridge.logger.Warn(ctx, "human input timed out", "request_id", requestID)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) enqueue(ctx context.Context, event *Event) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
