package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupWriter_JSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	if err := SetupWriter(&buf, "debug", "json"); err != nil {
		t.Fatalf("SetupWriter() failed: %v", err)
	}

	log.Debug().Int("vehicle", 3).Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}
	if line["vehicle"] != float64(3) || line["message"] != "hello" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestSetupWriter_LevelFilters(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	if err := SetupWriter(&buf, "warn", "console"); err != nil {
		t.Fatalf("SetupWriter() failed: %v", err)
	}

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected console output %q", out)
	}
}

func TestSetupWriter_Errors(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{name: "bad level", level: "loud", format: "json"},
		{name: "bad format", level: "info", format: "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := SetupWriter(&bytes.Buffer{}, tt.level, tt.format); err == nil {
				t.Error("SetupWriter() expected error but got none")
			}
		})
	}
}

func TestPayload(t *testing.T) {
	if got := Payload([]byte("D1")); got != "D1" {
		t.Errorf("Payload() = %q, want D1", got)
	}
	long := bytes.Repeat([]byte("x"), 300)
	if got := Payload(long); len(got) != maxPayload+3 {
		t.Errorf("Payload() length = %d, want %d", len(got), maxPayload+3)
	}
}
