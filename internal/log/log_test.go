package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONOutputAndLevels(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(Options{Level: "info", Encoding: "json"}, &buf)
	t.Cleanup(func() { InitWriter(Options{}, os.Stderr) })

	Debug("hidden", "k", 1)
	Info("poll session started", "user", "alice")
	Error("fetch failed", errors.New("boom"), "user", "bob")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines (debug suppressed), got %d: %s", len(lines), buf.String())
	}
	if lines[0]["msg"] != "poll session started" || lines[0]["user"] != "alice" {
		t.Errorf("Unexpected info line: %v", lines[0])
	}
	if lines[1]["err"] != "boom" || lines[1]["user"] != "bob" {
		t.Errorf("Expected err field first-class, got %v", lines[1])
	}

	buf.Reset()
	SetLevel(LevelDebug)
	Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected debug output after SetLevel, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"":        LevelInfo,
		"DEBUG":   LevelDebug,
		" error ": LevelError,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestStdErrorWritesThroughLogger(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(Options{Level: "error", Encoding: "json"}, &buf)
	t.Cleanup(func() { InitWriter(Options{}, os.Stderr) })

	StdError("http").Printf("http: TLS handshake error from %s", "10.0.0.1:5555")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d: %s", len(lines), buf.String())
	}
	if lines[0]["level"] != "error" || lines[0]["component"] != "http" {
		t.Errorf("Expected error-level line tagged http, got %v", lines[0])
	}
	if msg, _ := lines[0]["msg"].(string); !strings.Contains(msg, "TLS handshake error") {
		t.Errorf("Expected message to be carried, got %v", lines[0]["msg"])
	}
}
