// Package tools defines the capability contract for agent tools and the
// name-keyed registry the orchestrator dispatches through. Arguments are
// validated against each tool's JSON schema at the registry boundary, so
// Execute implementations receive objects that already conform.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/axonhq/axon/pkg/models"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON schema for the argument object. An empty
	// schema means any object is accepted.
	Schema() json.RawMessage

	// Execute runs the tool. Arguments have already been validated
	// against Schema by the registry.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Annotated is implemented by tools that attach extra capability metadata,
// such as read-only or idempotency hints.
type Annotated interface {
	Annotations() map[string]any
}

// Displayable is implemented by tools that carry presentation hints.
type Displayable interface {
	Display() *Display
}

// Result is the outcome of one tool execution. Failures the model should
// see and recover from (bad input, denied approval, tool-side faults) are
// error results; Go errors are reserved for infrastructure problems.
type Result struct {
	Blocks  []models.ResultBlock `json:"blocks"`
	IsError bool                 `json:"is_error,omitempty"`
}

// Text builds a single-block success result.
func Text(text string) *Result {
	return &Result{Blocks: []models.ResultBlock{models.TextBlock(text)}}
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{
		Blocks:  []models.ResultBlock{models.ErrorBlock(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// JSON builds a success result carrying an indented JSON payload.
func JSON(v any) *Result {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Errorf("encode result: %v", err)
	}
	return Text(string(payload))
}

// PlainText joins the result's text and error blocks for transcripts and
// logging. Binary blocks are skipped.
func (r *Result) PlainText() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Blocks))
	for _, block := range r.Blocks {
		switch block.Kind {
		case "text", "error":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Capability is the registry's public view of one tool.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Annotations map[string]any  `json:"annotations,omitempty"`
	UIMeta      *Display        `json:"ui_meta,omitempty"`
}

// DecodeArgs maps a validated argument object onto a typed struct.
func DecodeArgs(args map[string]any, v any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
