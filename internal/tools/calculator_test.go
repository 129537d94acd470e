package tools

import (
	"context"
	"math"
	"strings"
	"testing"
)

func TestEvalExpression(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"37 * 42", 1554},
		{"1 + 2", 3},
		{"10 - 4 - 3", 3},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"7 % 3", 1},
		{"2 ^ 10", 1024},
		{"2 ^ 3 ^ 2", 512},
		{"-5 + 3", -2},
		{"-(2 + 3)", -5},
		{"-2 ^ 2", -4},
		{"+7", 7},
		{"3.5 * 2", 7},
		{"  12*12  ", 144},
		{"((1))", 1},
		{"100", 100},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpression(tt.expr)
			if err != nil {
				t.Fatalf("evalExpression(%q): %v", tt.expr, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("evalExpression(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalExpressionErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"division by zero", "1 / 0"},
		{"modulo by zero", "5 % 0"},
		{"unclosed paren", "(1 + 2"},
		{"trailing operator", "1 +"},
		{"empty", ""},
		{"letters", "two + two"},
		{"trailing garbage", "1 + 2 x"},
		{"double dot", "1.2.3 + 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := evalExpression(tt.expr); err == nil {
				t.Errorf("evalExpression(%q): expected error", tt.expr)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{1554, "1554"},
		{2.5, "2.5"},
		{-4, "-4"},
		{0.1, "0.1"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCalculatorToolExecute(t *testing.T) {
	tool := NewCalculatorTool()

	result, err := tool.Execute(context.Background(), map[string]any{"expression": "37 * 42"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success: %s", result.PlainText())
	}
	if result.PlainText() != "1554" {
		t.Errorf("PlainText() = %q, want 1554", result.PlainText())
	}
}

func TestCalculatorToolExecuteErrors(t *testing.T) {
	tool := NewCalculatorTool()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"empty expression", map[string]any{"expression": "   "}, "expression is required"},
		{"division by zero", map[string]any{"expression": "1/0"}, "division by zero"},
		{"garbage", map[string]any{"expression": "squirrel"}, "unexpected character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tool.Execute(context.Background(), tt.args)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result, got %s", result.PlainText())
			}
			if !strings.Contains(result.PlainText(), tt.want) {
				t.Errorf("PlainText() = %q, want substring %q", result.PlainText(), tt.want)
			}
		})
	}
}

func TestCalculatorThroughRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(NewCalculatorTool())

	// Schema validation rejects a missing expression before the tool runs.
	missing, err := registry.Execute(context.Background(), "calculator", []byte(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !missing.IsError {
		t.Error("expected error result for missing expression")
	}

	result, err := registry.Execute(context.Background(), "calculator", []byte(`{"expression":"(3 + 4) * 2"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.PlainText() != "14" {
		t.Errorf("PlainText() = %q, want 14", result.PlainText())
	}
}
