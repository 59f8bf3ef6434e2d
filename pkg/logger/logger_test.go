package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"off", zerolog.Disabled},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestInitWithFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "agentdesk.log")
	defer func() { _ = Close() }()

	if err := Init(LogConfig{Level: "debug", Format: "json", File: logPath}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Info().Str("run_id", "r1").Msg("run started")

	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "run started") {
		t.Errorf("log file missing message, got: %s", string(content))
	}
}

func TestInitWithInvalidFile(t *testing.T) {
	defer func() { _ = Close() }()

	err := Init(LogConfig{Level: "info", Format: "json", File: "/nonexistent/directory/test.log"})
	if err == nil {
		t.Error("expected error for invalid file path")
	}
}

func TestComponentTagsEntries(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	SetOutput(&buf)

	log := Component("session")
	log.Info().Str("connection_id", "c-1").Msg("connected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	if entry["component"] != "session" {
		t.Errorf("component = %v, want session", entry["component"])
	}
	if entry["connection_id"] != "c-1" {
		t.Errorf("connection_id = %v, want c-1", entry["connection_id"])
	}
}

func TestGetWithoutInit(t *testing.T) {
	mu.Lock()
	initialized = false
	mu.Unlock()

	if Get() == nil {
		t.Fatal("Get() should return a default logger when not initialized")
	}
}
