package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitWriterJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "warn", "json")
	t.Cleanup(func() { Log = nil })

	Info("ignored_event", "k", "v")
	Warn("slow_query", "duration_ms", 120)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "slow_query" || entry["level"] != "WARN" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestHelpersAreSafeWithoutInit(t *testing.T) {
	Log = nil
	Debug("a")
	Info("b")
	Warn("c")
	Error("d")
}
