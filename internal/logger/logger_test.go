package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json").With("model", "demo")
	l.Info("snapshot published", "epoch", 3, "err", errors.New("boom"))

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["message"] != "snapshot published" {
		t.Errorf("message = %v", rec["message"])
	}
	if rec["model"] != "demo" {
		t.Errorf("model = %v", rec["model"])
	}
	if rec["epoch"] != float64(3) {
		t.Errorf("epoch = %v", rec["epoch"])
	}
	if rec["err"] != "boom" {
		t.Errorf("err = %v", rec["err"])
	}
}
