package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseKeepsDefaultsForAbsentKeys(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
canvas:
  baseUrl: https://school.example.edu/api/v1
  concurrency: 8
pipeline:
  minDescriptionLength: 120
scheduler:
  hour: 7
  timezone: Europe/Berlin
generation:
  timeout: 30s
`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.Canvas.BaseURL != "https://school.example.edu/api/v1" {
		t.Fatalf("unexpected base url: %s", cfg.Canvas.BaseURL)
	}
	if cfg.Canvas.Concurrency != 8 {
		t.Fatalf("expected concurrency 8, got %d", cfg.Canvas.Concurrency)
	}
	if cfg.Canvas.PageSize != 100 {
		t.Fatalf("expected default page size, got %d", cfg.Canvas.PageSize)
	}
	if cfg.Pipeline.MinDescriptionLength != 120 {
		t.Fatalf("unexpected threshold: %d", cfg.Pipeline.MinDescriptionLength)
	}
	if cfg.Pipeline.RunLockTTL != time.Hour {
		t.Fatalf("expected default run lock ttl, got %s", cfg.Pipeline.RunLockTTL)
	}
	if cfg.Generation.Timeout != 30*time.Second {
		t.Fatalf("unexpected generation timeout: %s", cfg.Generation.Timeout)
	}
	if cfg.Generation.Gemini.Model != "gemini-2.0-flash" {
		t.Fatalf("expected default gemini model, got %s", cfg.Generation.Gemini.Model)
	}
	if cfg.Scheduler.Location().String() != "Europe/Berlin" {
		t.Fatalf("unexpected location: %s", cfg.Scheduler.Location())
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canvaspilot.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: sqlite\n  dsn: file.db\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(databaseDSNEnv, "postgres://localhost/pilot")
	t.Setenv(databaseDriverEnv, "postgres")
	t.Setenv(geminiAPIKeyEnv, "gem-key")
	t.Setenv(jwtSecretEnv, "s3cret")

	cfg := Load(path)
	if cfg.Database.DSN != "postgres://localhost/pilot" || cfg.Database.Driver != "postgres" {
		t.Fatalf("env overrides not applied: %+v", cfg.Database)
	}
	if cfg.Generation.Gemini.APIKey != "gem-key" {
		t.Fatalf("gemini key not applied")
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("jwt secret not applied")
	}
}

func TestLoadFallsBackOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("canvas: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Canvas.BaseURL != defaultConfig().Canvas.BaseURL {
		t.Fatalf("expected defaults, got %s", cfg.Canvas.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "auth.jwtSecret") {
		t.Fatalf("expected jwt secret error, got %v", err)
	}

	cfg.Auth.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Hour = 24
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "scheduler.hour") || !strings.Contains(err.Error(), "serviceApiKey") {
		t.Fatalf("expected scheduler errors, got %v", err)
	}
}
