package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/placefinder/examples"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("llm:\n  api_key: ${PLACEFINDER_TEST_KEY}\n"), 0600)
	t.Setenv("PLACEFINDER_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.LLM.APIKey, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9000\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max_iterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxExecutionTime != 60*time.Second {
		t.Errorf("max_execution_time = %v, want 60s", cfg.Agent.MaxExecutionTime)
	}
	if cfg.Session.TTL != 24*time.Hour {
		t.Errorf("session.ttl = %v, want 24h", cfg.Session.TTL)
	}
	if cfg.Session.Backend != "sqlite" {
		t.Errorf("session.backend = %q, want sqlite", cfg.Session.Backend)
	}
}

func TestLoad_Durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("agent:\n  max_execution_time: 15s\nsession:\n  ttl: 2h\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.MaxExecutionTime != 15*time.Second {
		t.Errorf("max_execution_time = %v, want 15s", cfg.Agent.MaxExecutionTime)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Errorf("ttl = %v, want 2h", cfg.Session.TTL)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad provider", "llm:\n  provider: carrier-pigeon\n", "llm.provider"},
		{"bad session backend", "session:\n  backend: redis\n", "session.backend"},
		{"bad log level", "log_level: loud\n", "unknown log level"},
		{"negative iterations", "agent:\n  max_iterations: -1\n", "max_iterations"},
		{"tracing endpoint not a URL", "tracing:\n  enabled: true\n  endpoint: localhost:6006\n", "tracing.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			os.WriteFile(path, []byte(tt.yaml), 0600)

			_, err := Load(path)
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{" debug ", slog.LevelDebug},
		{"trace", LevelTrace},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceLabel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output = %q, want level=TRACE", buf.String())
	}
}

func TestLoad_BundledExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, examples.ConfigYAML, 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("bundled example should load: %v", err)
	}

	// The example documents the defaults, so it must agree with them.
	want := Default()
	want.LLM.APIKey = "sk-or-test"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("example config drifted from defaults (-want +got):\n%s", diff)
	}
}
