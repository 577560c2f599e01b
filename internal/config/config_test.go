package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func noEnv(string) string { return "" }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith("", noEnv)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Gateway.EmbedModel != "qwen3-embedding:8b" {
		t.Errorf("default model = %q", cfg.Gateway.EmbedModel)
	}
	if cfg.Gateway.EmbedDim != 4096 {
		t.Errorf("default dim = %d, want 4096", cfg.Gateway.EmbedDim)
	}
	if cfg.Canon.Version != "v1" {
		t.Errorf("default canon version = %q", cfg.Canon.Version)
	}
	if cfg.RetentionHorizon() != 90*24*time.Hour {
		t.Errorf("default retention = %v", cfg.RetentionHorizon())
	}
	if cfg.Server.APIKey != "" {
		t.Error("auth enabled by default")
	}
}

func TestYAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devmesh.yaml")
	content := `
server:
  port: 9999
  api_key: sekrit
gateway:
  embed_model: other-model
  embed_dim: 8
retention:
  days: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := loadWith(path, noEnv)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.APIKey != "sekrit" {
		t.Errorf("file overrides lost: %+v", cfg.Server)
	}
	if cfg.Gateway.EmbedModel != "other-model" || cfg.Gateway.EmbedDim != 8 {
		t.Errorf("gateway overrides lost: %+v", cfg.Gateway)
	}
	if cfg.Retention.Days != 7 {
		t.Errorf("retention override lost: %+v", cfg.Retention)
	}
	// Untouched keys keep their defaults.
	if cfg.Backfill.BatchSize != 100 {
		t.Errorf("unrelated default clobbered: %+v", cfg.Backfill)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devmesh.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	env := map[string]string{
		"DEVMESH_PORT":            "7777",
		"DEVMESH_API_KEY":         "from-env",
		"DEVMESH_EMBEDDING_MODEL": "env-model",
	}
	cfg, err := loadWith(path, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("env port override lost: %d", cfg.Server.Port)
	}
	if cfg.Server.APIKey != "from-env" {
		t.Errorf("env api key override lost: %q", cfg.Server.APIKey)
	}
	if cfg.Gateway.EmbedModel != "env-model" {
		t.Errorf("env model override lost: %q", cfg.Gateway.EmbedModel)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := loadWith("/does/not/exist.yaml", noEnv); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"bad port": "DEVMESH_PORT",
		"bad dim":  "DEVMESH_EMBEDDING_DIM",
		"bad days": "DEVMESH_RETENTION_DAYS",
	}
	for name, key := range cases {
		env := map[string]string{key: "-1"}
		if _, err := loadWith("", func(k string) string { return env[k] }); err == nil {
			t.Errorf("%s: invalid value accepted", name)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := loadWith("", noEnv)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.EmbedTimeout() != 60*time.Second {
		t.Errorf("EmbedTimeout = %v", cfg.EmbedTimeout())
	}
	if cfg.SkewTolerance() != 5*time.Minute {
		t.Errorf("SkewTolerance = %v", cfg.SkewTolerance())
	}
	if cfg.BackfillInterval() != 6*time.Hour {
		t.Errorf("BackfillInterval = %v", cfg.BackfillInterval())
	}
}
