package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/axonhq/axon/internal/tools"
	"github.com/axonhq/axon/pkg/models"
)

// DetectTool recovers a tool call from free text for models that emit
// tool invocations as a raw JSON object instead of structured events.
//
// The text must parse as a JSON object. With a single registered tool
// that tool is chosen unconditionally; otherwise each tool is scored by
// the overlap between the object's keys and the tool's declared
// parameter names and the largest overlap wins. Returns nil when the
// text is not a JSON object or no tool's parameters overlap it, in
// which case the text is an ordinary assistant answer.
func DetectTool(text string, registry *tools.Registry) *models.ToolCall {
	if registry == nil || registry.Len() == 0 {
		return nil
	}

	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil
	}

	names := registry.Names()
	if len(names) == 1 {
		return newDetectedCall(names[0], args)
	}

	best := ""
	bestScore := 0
	for _, name := range names {
		score := 0
		for _, param := range registry.ParameterNames(name) {
			if _, ok := args[param]; ok {
				score++
			}
		}
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	if bestScore == 0 {
		return nil
	}
	return newDetectedCall(best, args)
}

func newDetectedCall(name string, args map[string]any) *models.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return &models.ToolCall{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: args,
	}
}
