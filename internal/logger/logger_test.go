package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Run("invalid level", func(t *testing.T) {
		if _, err := New(Config{Level: "loud", Format: "json"}); err == nil {
			t.Error("expected error for invalid level")
		}
	})

	t.Run("file output creates directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "memento.log")
		var buf bytes.Buffer
		log, err := New(Config{
			Level:  "info",
			Format: "json",
			Output: &buf,
			File:   &FileConfig{Enabled: true, Path: path},
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		log.Info("hello")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("expected log file: %v", err)
		}
		if !strings.Contains(string(data), `"msg":"hello"`) {
			t.Errorf("expected message in file, got %s", data)
		}
		if !strings.Contains(buf.String(), "hello") {
			t.Errorf("expected message on output, got %s", buf.String())
		}
	})
}

func TestLogRequest(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	log.WithComponent("server").WithRequestID("req-1").LogRequest("POST", "/v1/embed", map[string][]string{
		"Authorization": {"Bearer secret"},
		"Content-Type":  {"application/json"},
	}, 42)
	_ = log.Sync()

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["component"] != "server" {
		t.Errorf("expected context fields, got %v", entry)
	}
	if strings.Contains(buf.String(), "secret") {
		t.Error("authorization header leaked into logs")
	}
	if entry["body_bytes"] != float64(42) {
		t.Errorf("expected body_bytes 42, got %v", entry["body_bytes"])
	}
}

func TestLogResponseLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{200, "info"},
		{404, "warn"},
		{503, "error"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		log, err := New(Config{Level: "debug", Format: "json", Output: &buf})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		log.LogResponse(tt.status, 10, time.Millisecond)
		_ = log.Sync()

		var entry map[string]interface{}
		// error level adds a stacktrace but stays one JSON object
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("expected JSON log line: %v", err)
		}
		if entry["level"] != tt.level {
			t.Errorf("status %d: expected level %s, got %v", tt.status, tt.level, entry["level"])
		}
	}
}

func TestSafeHeaders(t *testing.T) {
	safe := SafeHeaders(map[string][]string{
		"X-Api-Key": {"k"},
		"Cookie":    {"c"},
		"Accept":    {"a", "b"},
		"Empty":     {},
	})
	if safe["X-Api-Key"] != "[REDACTED]" || safe["Cookie"] != "[REDACTED]" {
		t.Errorf("expected credentials redacted, got %v", safe)
	}
	if safe["Accept"] != "a" {
		t.Errorf("expected first value kept, got %q", safe["Accept"])
	}
	if _, ok := safe["Empty"]; ok {
		t.Error("expected empty header dropped")
	}
}
