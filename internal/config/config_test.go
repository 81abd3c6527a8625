package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DOUBAO_API_KEY", "")
	t.Setenv("PAGE_ACCESS_PASSWORD", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Batch.Limit != 5 || cfg.Batch.Policy != "skip-resolved" {
		t.Fatalf("unexpected batch defaults: %+v", cfg.Batch)
	}
	if cfg.Provider.Timeout != 60*time.Second {
		t.Fatalf("expected 60s provider timeout, got %s", cfg.Provider.Timeout)
	}
	if cfg.API.MaxUploadBytes != 20<<20 {
		t.Fatalf("unexpected upload limit %d", cfg.API.MaxUploadBytes)
	}
	if cfg.Gate.Password != "" || cfg.Provider.APIKey != "" {
		t.Fatal("secrets must default to empty")
	}
	if cfg.CLI.Gateway != "http://localhost:8080" {
		t.Fatalf("unexpected cli gateway default %q", cfg.CLI.Gateway)
	}
}

func TestLoadLayersFileEnvAndSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cardscan.toml")
	content := `
[batch]
limit = 3
policy = "rerun-failed"

[api]
addr = ":9000"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CARDSCAN_BATCH_LIMIT", "8")
	t.Setenv("CARDSCAN_API_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("CARDSCAN_RATELIMIT_WINDOW", "30s")
	t.Setenv("CARDSCAN_CLI_GATEWAY", "https://cards.example.com")
	t.Setenv("DOUBAO_API_KEY", "ark-key")
	t.Setenv("PAGE_ACCESS_PASSWORD", "open-sesame")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Batch.Limit != 8 {
		t.Fatalf("expected env to override file, got limit %d", cfg.Batch.Limit)
	}
	if cfg.Batch.Policy != "rerun-failed" || cfg.API.Addr != ":9000" {
		t.Fatalf("expected file values, got %+v %+v", cfg.Batch, cfg.API)
	}
	if cfg.API.MaxUploadBytes != 1024 {
		t.Fatalf("expected multi-word key mapping, got %d", cfg.API.MaxUploadBytes)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Fatalf("expected 30s window, got %s", cfg.RateLimit.Window)
	}
	if cfg.CLI.Gateway != "https://cards.example.com" {
		t.Fatalf("expected gateway from env, got %q", cfg.CLI.Gateway)
	}
	if cfg.Provider.APIKey != "ark-key" || cfg.Gate.Password != "open-sesame" {
		t.Fatalf("expected deployment secrets, got %+v %+v", cfg.Provider, cfg.Gate)
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"CARDSCAN_API_ADDR":                "api.addr",
		"CARDSCAN_STORAGE_ACCESS_KEY":      "storage.access_key",
		"CARDSCAN_TELEMETRY_OTLP_ENDPOINT": "telemetry.otlp_endpoint",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Fatalf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
