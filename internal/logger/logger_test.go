package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"INFO":    zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
		"off":     zerolog.Disabled,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNamedWritesComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Format: "json", Writer: &buf})

	Named("rollup").Info().Str("table", "EDES_Table").Msg("built")

	out := buf.String()
	if !strings.Contains(out, `"component":"rollup"`) {
		t.Errorf("expected component field in %q", out)
	}
	if !strings.Contains(out, `"table":"EDES_Table"`) {
		t.Errorf("expected table field in %q", out)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "warn", Format: "json", Writer: &buf})

	Get().Info().Msg("hidden")
	Get().Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("expected info message to be filtered")
	}
	if !strings.Contains(out, "shown") {
		t.Error("expected warn message to be written")
	}
}
