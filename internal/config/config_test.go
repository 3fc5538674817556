package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
provider: openai
model: gpt-4o
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRounds != 10 {
		t.Fatalf("want default MaxRounds 10, got %d", cfg.MaxRounds)
	}
	if cfg.Generation.MaxTokens != 4096 {
		t.Fatalf("want default MaxTokens 4096, got %d", cfg.Generation.MaxTokens)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("AGENTLOOP_TEST_MODEL", "gpt-4o-mini")
	path := writeTempConfig(t, `
provider: openai
model: ${AGENTLOOP_TEST_MODEL}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "gpt-4o-mini" {
		t.Fatalf("want expanded env var in model, got %q", cfg.Model)
	}
}

func TestLoadRejectsInvalidProviderConfig(t *testing.T) {
	path := writeTempConfig(t, `
provider: openai
provider_config:
  temperature: 9.9
`)
	if _, err := Load(path); err == nil {
		t.Fatal("want an error for an out-of-range temperature")
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path.yaml"); err == nil {
		t.Fatal("want an error for a missing file")
	}
}
