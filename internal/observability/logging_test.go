package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{"json format", LogConfig{Level: "info", Format: "json"}},
		{"text format", LogConfig{Level: "debug", Format: "text"}},
		{"defaults", LogConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.logger == nil {
				t.Error("logger.logger is nil")
			}
		})
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		level    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"nonsense", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := LogLevelFromString(tt.level).String(); got != tt.expected {
				t.Errorf("LogLevelFromString(%q) = %q, want %q", tt.level, got, tt.expected)
			}
		})
	}
}

func TestLoggerIncludesRunCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := WithRun(context.Background(), "run-1", "sess-1")
	logger.Info(ctx, "run claimed", "owner_id", "worker-a")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to parse log line as JSON: %v", err)
	}
	if record["run_id"] != "run-1" {
		t.Errorf("record[run_id] = %v, want run-1", record["run_id"])
	}
	if record["session_id"] != "sess-1" {
		t.Errorf("record[session_id] = %v, want sess-1", record["session_id"])
	}
	if record["owner_id"] != "worker-a" {
		t.Errorf("record[owner_id] = %v, want worker-a", record["owner_id"])
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	logger.Error(context.Background(), "token exchange failed",
		"error", errors.New("bearer: sk-ant-REDACTED"))

	out := buf.String()
	if strings.Contains(out, "sk-ant-0123456789") {
		t.Errorf("expected secret to be redacted, got: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected [REDACTED] marker in output, got: %s", out)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	logger.Info(context.Background(), "oauth state", "meta", map[string]any{
		"client_id": "abc",
		"token":     "shh-do-not-log-me",
	})

	out := buf.String()
	if strings.Contains(out, "shh-do-not-log-me") {
		t.Errorf("expected token field to be redacted, got: %s", out)
	}
}

func TestWithFieldsAttachesToAllRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf}).WithFields("component", "scheduler")

	logger.Info(context.Background(), "claim loop started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to parse log line as JSON: %v", err)
	}
	if record["component"] != "scheduler" {
		t.Errorf("record[component] = %v, want scheduler", record["component"])
	}
}
