package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Options{Level: "warn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	l.Info(ctx, "hidden")
	l.Warn(ctx, "shown", String("k", "v"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "k=v") {
		t.Errorf("expected warn line with field, got %q", out)
	}
}

func TestNamed_AddsComponent(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(&buf, Options{Level: "debug"})
	l.Named("udp").Debug(context.Background(), "hello", Error(errors.New("boom")))

	out := buf.String()
	if !strings.Contains(out, "component=udp") {
		t.Errorf("missing component attr: %q", out)
	}
	if !strings.Contains(out, "error=boom") {
		t.Errorf("missing error attr: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "", "warning", "error"} {
		if _, err := ParseLevel(lvl); err != nil {
			t.Errorf("ParseLevel(%q) unexpected error: %v", lvl, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(nil, Options{Level: "loud"}); err == nil {
		t.Error("New should reject unknown level")
	}
}

func TestNop_DoesNotPanic(t *testing.T) {
	l := Nop().Named("x").With(Int("n", 1))
	l.Error(context.Background(), "discarded")
}
