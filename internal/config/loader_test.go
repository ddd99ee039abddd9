package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != 8089 {
		t.Errorf("http port = %d, want 8089", cfg.HTTPPort)
	}
	if cfg.MaxIterations != 20 {
		t.Errorf("max iterations = %d, want 20", cfg.MaxIterations)
	}
	if cfg.NoiseFilterThreshold != 0.2 {
		t.Errorf("noise threshold = %f, want 0.2", cfg.NoiseFilterThreshold)
	}
	if cfg.Compaction.Warn != 0.80 || cfg.Compaction.Emergency != 0.95 {
		t.Errorf("compaction = %+v", cfg.Compaction)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		// comments are allowed
		"default_provider": "openai",
		"fallback_chain": ["anthropic"],
		"http_port": 9000,
		"daily_budget_usd": 5.5,
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultProvider != "openai" {
		t.Errorf("provider = %s", cfg.DefaultProvider)
	}
	if cfg.HTTPPort != 9000 {
		t.Errorf("port = %d", cfg.HTTPPort)
	}
	if cfg.DailyBudgetUSD != 5.5 {
		t.Errorf("budget = %f", cfg.DailyBudgetUSD)
	}
	chain := cfg.ProviderChain()
	if len(chain) != 2 || chain[0] != "openai" || chain[1] != "anthropic" {
		t.Errorf("chain = %v", chain)
	}
}

func TestLoadYAMLWithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), "http_port: 9100\nmax_iterations: 7\n")
	writeFile(t, filepath.Join(dir, "config.yaml"), "$include: base.yaml\nmax_iterations: 9\n")

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != 9100 {
		t.Errorf("included port = %d", cfg.HTTPPort)
	}
	if cfg.MaxIterations != 9 {
		t.Errorf("override lost: max_iterations = %d", cfg.MaxIterations)
	}
}

func TestIncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")

	if _, err := Load(filepath.Join(dir, "a.yaml")); err == nil {
		t.Error("include cycle not detected")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OSA_HTTP_PORT", "9999")
	t.Setenv("OSA_SHARED_SECRET", "hunter2secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("env port override lost: %d", cfg.HTTPPort)
	}
	if !cfg.RequireAuth || cfg.SharedSecret != "hunter2secret" {
		t.Error("shared secret env did not enable auth")
	}
}

func TestEnvExpansionInFile(t *testing.T) {
	t.Setenv("TEST_OSA_PROVIDER", "anthropic")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "default_provider: ${TEST_OSA_PROVIDER}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultProvider != "anthropic" {
		t.Errorf("env expansion failed: %s", cfg.DefaultProvider)
	}
}
