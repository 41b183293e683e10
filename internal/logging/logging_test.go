package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup_JSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	if err := Setup(&buf, "warn", FormatJSON, "demand_agent"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (info filtered): %q", len(lines), buf.String())
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["agent"] != "demand_agent" || rec["message"] != "shown" || rec["level"] != "warn" {
		t.Errorf("record = %v", rec)
	}
}

func TestSetup_Errors(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := Setup(&bytes.Buffer{}, "loud", FormatJSON, ""); err == nil {
		t.Error("Setup() with a bad level should fail")
	}
	if err := Setup(&bytes.Buffer{}, "info", "xml", ""); err == nil {
		t.Error("Setup() with a bad format should fail")
	}
	if err := Setup(&bytes.Buffer{}, "", FormatConsole, ""); err != nil {
		t.Errorf("Setup() with an empty level error = %v, want default", err)
	}
}
