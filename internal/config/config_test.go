package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withCleanEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	withCleanEnv(t, map[string]string{
		"JWT_SECRET": "test-secret",
	})

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Concurrency.Global != 200 {
		t.Errorf("global = %d, want 200", cfg.Concurrency.Global)
	}
	if cfg.JWTSecret != "test-secret" {
		t.Errorf("jwt secret = %q, want test-secret (from env)", cfg.JWTSecret)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	withCleanEnv(t, map[string]string{"JWT_SECRET": "test-secret"})

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := "http:\n  addr: \":9090\"\nlog_level: debug\n"
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("http addr = %q, want :9090 from yaml overlay", cfg.HTTP.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	withCleanEnv(t, map[string]string{
		"JWT_SECRET": "test-secret",
		"HTTP_ADDR":  ":7070",
	})

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("http:\n  addr: \":9090\"\n"), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7070" {
		t.Errorf("http addr = %q, want :7070 (env should win over yaml)", cfg.HTTP.Addr)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	withCleanEnv(t, map[string]string{"JWT_SECRET": "test-secret"})

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("log_level: not-a-level\n"), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	if _, err := Load(yamlPath); err == nil {
		t.Fatal("expected validation to reject an unrecognized log level")
	}
}

func TestLoadTreatsMissingYAMLFileAsNoOp(t *testing.T) {
	withCleanEnv(t, map[string]string{"JWT_SECRET": "test-secret"})

	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err != nil {
		t.Fatalf("expected a missing yaml file to be a no-op, got %v", err)
	}
}
