package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/helmsman-dev/helmsman/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l := New(cfg)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewWithWriterEmitsServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, config.Logging{Level: "info", Service: "helmsman"})

	l.Info("hello", "plan_id", "p1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "helmsman" {
		t.Errorf("expected service attr, got %v", rec["service"])
	}
	if rec["msg"] != "hello" || rec["plan_id"] != "p1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNewWithWriterLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, config.Logging{Level: "error"})

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info record filtered at error level, got %q", buf.String())
	}
	l.Error("kept")
	if buf.Len() == 0 {
		t.Fatal("expected error record to be emitted")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()

	// Empty context returns empty string
	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	// Set and retrieve
	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}
