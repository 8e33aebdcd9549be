package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":       zerolog.TraceLevel,
		"diagnostics": zerolog.TraceLevel,
		" DEBUG ":     zerolog.DebugLevel,
		"warning":     zerolog.WarnLevel,
		"error":       zerolog.ErrorLevel,
		"off":         zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok {
			t.Fatalf("parseLevel(%q) not recognized", raw)
		}
		if got != want {
			t.Fatalf("parseLevel(%q)=%v want=%v", raw, got, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
	if _, ok := parseLevel(""); ok {
		t.Fatalf("expected empty level to be ignored")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogNoColor, "not-a-bool")

	cfg := defaultConfig("relay", ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.WarnLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp disabled")
	}
	if !cfg.JSON {
		t.Fatalf("expected json output")
	}
	if cfg.NoColor {
		t.Fatalf("invalid bool must not override no_color")
	}
}

func TestNewJSONLoggerCarriesApp(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{App: "chatrelay", Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger.Info().Str("state", "open").Msg("supervisor.transition")
	logger.Debug().Msg("dropped")

	out := buf.String()
	if !strings.Contains(out, `"app":"chatrelay"`) {
		t.Fatalf("missing app field: %s", out)
	}
	if !strings.Contains(out, `"state":"open"`) {
		t.Fatalf("missing state field: %s", out)
	}
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug line should be filtered at info level: %s", out)
	}
}
