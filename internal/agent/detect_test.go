package agent

import (
	"testing"

	"github.com/axonhq/axon/internal/tools"
)

func detectRegistry(t *testing.T, list ...tools.Tool) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range list {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	return registry
}

func TestDetectToolSingleToolMatchesAnyObject(t *testing.T) {
	registry := detectRegistry(t, &stubTool{
		name:   "search",
		schema: `{"type":"object","properties":{"query":{"type":"string"}}}`,
	})

	tc := DetectTool(`{"anything": "goes"}`, registry)
	if tc == nil {
		t.Fatal("expected a detected call")
	}
	if tc.Name != "search" {
		t.Errorf("Name = %q, want search", tc.Name)
	}
	if tc.ID == "" {
		t.Error("expected a generated call id")
	}
	if tc.Arguments["anything"] != "goes" {
		t.Errorf("Arguments = %+v", tc.Arguments)
	}
}

func TestDetectToolScoresParameterOverlap(t *testing.T) {
	registry := detectRegistry(t,
		&stubTool{
			name:   "search",
			schema: `{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}}}`,
		},
		&stubTool{
			name:   "calculator",
			schema: `{"type":"object","properties":{"expression":{"type":"string"}}}`,
		},
	)

	tc := DetectTool(`{"query": "golang channels", "limit": 3}`, registry)
	if tc == nil {
		t.Fatal("expected a detected call")
	}
	if tc.Name != "search" {
		t.Errorf("Name = %q, want search", tc.Name)
	}

	tc = DetectTool(`{"expression": "37*42"}`, registry)
	if tc == nil {
		t.Fatal("expected a detected call")
	}
	if tc.Name != "calculator" {
		t.Errorf("Name = %q, want calculator", tc.Name)
	}
}

func TestDetectToolRejectsNonObjects(t *testing.T) {
	registry := detectRegistry(t,
		&stubTool{name: "a", schema: `{"type":"object","properties":{"x":{"type":"string"}}}`},
		&stubTool{name: "b", schema: `{"type":"object","properties":{"y":{"type":"string"}}}`},
	)

	for _, text := range []string{
		"The answer is 42.",
		`"just a string"`,
		`[{"x": "array"}]`,
		`{"x": broken}`,
		"",
	} {
		if tc := DetectTool(text, registry); tc != nil {
			t.Errorf("DetectTool(%q) = %+v, want nil", text, tc)
		}
	}
}

func TestDetectToolNoOverlapReturnsNil(t *testing.T) {
	registry := detectRegistry(t,
		&stubTool{name: "a", schema: `{"type":"object","properties":{"x":{"type":"string"}}}`},
		&stubTool{name: "b", schema: `{"type":"object","properties":{"y":{"type":"string"}}}`},
	)

	if tc := DetectTool(`{"z": 1}`, registry); tc != nil {
		t.Errorf("DetectTool = %+v, want nil", tc)
	}
}

func TestDetectToolEmptyRegistry(t *testing.T) {
	if tc := DetectTool(`{"x": 1}`, tools.NewRegistry()); tc != nil {
		t.Errorf("DetectTool = %+v, want nil", tc)
	}
	if tc := DetectTool(`{"x": 1}`, nil); tc != nil {
		t.Errorf("DetectTool with nil registry = %+v, want nil", tc)
	}
}
