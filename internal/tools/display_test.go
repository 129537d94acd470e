package tools

import (
	"strings"
	"testing"
)

func TestNormalizeToolName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"calculator", "calculator"},
		{"CALCULATOR", "calculator"},
		{"calculator_tool", "calculator"},
		{"ns__server__echo", "echo"},
		{"server.echo", "echo"},
		{"ASK_HUMAN", "ask_human"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := normalizeToolName(tc.input); got != tc.expected {
				t.Errorf("normalizeToolName(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestDefaultTitle(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"calculator", "Calculator"},
		{"ask_human", "Ask Human"},
		{"code-interpreter", "Code Interpreter"},
		{"ns__server__file_reader", "File Reader"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := defaultTitle(tc.input); got != tc.expected {
				t.Errorf("defaultTitle(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestDisplayFor(t *testing.T) {
	calc := DisplayFor(NewCalculatorTool())
	if calc.Title != "Calculator" || calc.Label != "Calculating" {
		t.Errorf("calculator display = %+v", calc)
	}

	plain := DisplayFor(echoTool("echo"))
	if plain.Name != "echo" || plain.Title != "Echo" || plain.Verb != "Using" {
		t.Errorf("derived display = %+v", plain)
	}
}

func TestSummary(t *testing.T) {
	display := &Display{Title: "Calculator", Label: "Calculating", DetailKeys: []string{"expression"}}
	args := map[string]any{"expression": "37 * 42"}

	if got := Summary(display, args); got != "Calculating: 37 * 42" {
		t.Errorf("Summary() = %q", got)
	}
	if got := Summary(display, nil); got != "Calculating" {
		t.Errorf("Summary() without args = %q", got)
	}
	if got := Summary(&Display{Title: "Echo"}, args); got != "Echo" {
		t.Errorf("Summary() without label = %q", got)
	}
	if got := Summary(nil, args); got != "" {
		t.Errorf("Summary(nil) = %q", got)
	}
}

func TestCoerceDisplayValue(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"int", 42, "42"},
		{"float whole", float64(42), "42"},
		{"float fraction", 3.14, "3.14"},
		{"array", []any{"a", "b"}, "a, b"},
		{"empty array", []any{}, ""},
		{"map with name", map[string]any{"name": "test"}, "test"},
		{"map without known key", map[string]any{"other": "x"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := coerceDisplayValue(tc.input); got != tc.expected {
				t.Errorf("coerceDisplayValue(%v) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestLookupValueByPath(t *testing.T) {
	args := map[string]any{
		"code": "print(1)",
		"nested": map[string]any{
			"key": "value",
		},
	}
	tests := []struct {
		path     string
		expected any
	}{
		{"code", "print(1)"},
		{"nested.key", "value"},
		{"missing", nil},
		{"nested.missing", nil},
		{"", nil},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			if got := lookupValueByPath(args, tc.path); got != tc.expected {
				t.Errorf("lookupValueByPath(%q) = %v, want %v", tc.path, got, tc.expected)
			}
		})
	}
}

func TestResolveDetailFromKeys(t *testing.T) {
	args := map[string]any{
		"expression": "1 + 1",
		"question":   "why",
	}
	tests := []struct {
		name     string
		keys     []string
		expected string
	}{
		{"single", []string{"expression"}, "1 + 1"},
		{"multiple", []string{"expression", "question"}, "1 + 1 · why"},
		{"missing skipped", []string{"expression", "missing", "question"}, "1 + 1 · why"},
		{"none", nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveDetailFromKeys(args, tc.keys); got != tc.expected {
				t.Errorf("resolveDetailFromKeys(%v) = %q, want %q", tc.keys, got, tc.expected)
			}
		})
	}
}

func TestResolveDetailCapped(t *testing.T) {
	args := map[string]any{}
	keys := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		key := string(rune('a' + i))
		args[key] = key
		keys = append(keys, key)
	}

	result := resolveDetailFromKeys(args, keys)
	if separators := strings.Count(result, " · "); separators != MaxDetailEntries-1 {
		t.Errorf("separators = %d, want %d", separators, MaxDetailEntries-1)
	}
}
