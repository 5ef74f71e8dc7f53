package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"trustgraph/notifyd/internal/config"
)

func TestLoggerWritesStructuredJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := config.LoggingConfig{
		Level:      "debug",
		Path:       filepath.Join(dir, "notifyd.log"),
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	logger.Info("client subscribed", String("client_id", "c-1"), Int("stream", 0))
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync() returned error: %v", err)
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("failed reading log file: %v", err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) == 0 {
		t.Fatalf("expected at least one log line")
	}
	var payload map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if payload["message"] != "client subscribed" {
		t.Fatalf("expected message field, got %#v", payload["message"])
	}
	if payload["client_id"] != "c-1" {
		t.Fatalf("expected client_id field, got %#v", payload["client_id"])
	}
}

func TestWithAppendsFields(t *testing.T) {
	base := NewTestLogger()
	derived := base.With(String("subscription_id", "sub-1"))
	if derived == base {
		t.Fatalf("expected With to return a distinct logger")
	}
}

func TestGenerateTraceIDIsNonEmpty(t *testing.T) {
	if GenerateTraceID() == "" {
		t.Fatalf("expected a non-empty trace id")
	}
}
