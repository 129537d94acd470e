package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		avoid string
	}{
		{"anthropic key", "got key sk-ant-" + strings.Repeat("a", 100), "sk-ant-"},
		{"openai key", "key sk-" + strings.Repeat("b", 48) + " rejected", strings.Repeat("b", 48)},
		{"jwt", "auth eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln failed", "eyJhbGci"},
		{"api key assignment", `api_key="abcdefghighlmnop1234"`, "abcdefghighlmnop1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
			logger.Info(context.Background(), tt.msg)

			out := buf.String()
			if strings.Contains(out, tt.avoid) {
				t.Errorf("log output contains secret %q: %s", tt.avoid, out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("log output missing redaction marker: %s", out)
			}
		})
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddSessionID(ctx, "sess-456")
	ctx = AddRunID(ctx, "run-789")
	logger.Info(ctx, "processing")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", record["request_id"])
	}
	if record["session_id"] != "sess-456" {
		t.Errorf("session_id = %v, want sess-456", record["session_id"])
	}
	if record["run_id"] != "run-789" {
		t.Errorf("run_id = %v, want run-789", record["run_id"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Debug(context.Background(), "debug line")
	logger.Info(context.Background(), "info line")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %s", buf.String())
	}

	logger.Warn(context.Background(), "warn line")
	if !strings.Contains(buf.String(), "warn line") {
		t.Errorf("warn output missing: %s", buf.String())
	}
}

func TestLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "error", Format: "json", Output: &buf})

	logger.Info(context.Background(), "before")
	if buf.Len() != 0 {
		t.Fatalf("info logged at error level: %s", buf.String())
	}

	logger.SetLevel("debug")
	logger.Info(context.Background(), "after")
	if !strings.Contains(buf.String(), "after") {
		t.Errorf("info output missing after SetLevel: %s", buf.String())
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "config loaded", "settings", map[string]any{
		"api_key": "super-secret-value",
		"model":   "claude-sonnet",
	})

	out := buf.String()
	if strings.Contains(out, "super-secret-value") {
		t.Errorf("map value not redacted: %s", out)
	}
	if !strings.Contains(out, "claude-sonnet") {
		t.Errorf("benign value dropped: %s", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
