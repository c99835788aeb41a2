package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestMask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		keep int
		want string
	}{
		{in: "", keep: 10, want: ""},
		{in: "short", keep: 10, want: "short"},
		{in: "cli_a90f0e54aab05bde", keep: 10, want: "cli_a90f0e..."},
		{in: "secret", keep: 0, want: "..."},
	}
	for _, tt := range tests {
		if got := Mask(tt.in, tt.keep); got != tt.want {
			t.Fatalf("Mask(%q, %d) = %q, want %q", tt.in, tt.keep, got, tt.want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("comp", "test"))
	log.Info("hello", Secret("app_id", "cli_a90f0e54aab05bde"), Int("n", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if m["comp"] != "test" || m["message"] != "hello" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["app_id"] != "cli_a90f0e..." {
		t.Fatalf("app_id not masked: %v", m["app_id"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}
