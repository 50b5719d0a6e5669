package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-claw/internal/config"
)

func TestLoad_FromGoclawHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".goclaw")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("http_addr: 0.0.0.0:9000\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:9000" {
		t.Fatalf("expected http_addr=0.0.0.0:9000 got %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug got %q", cfg.LogLevel)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".goclaw")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:18789" {
		t.Fatalf("expected default http_addr, got %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log_level=info, got %q", cfg.LogLevel)
	}
	if cfg.SchedulerInterval() != 60_000_000_000 {
		t.Fatalf("expected default scheduler interval of 1m, got %v", cfg.SchedulerInterval())
	}
	if cfg.DatabasePath != filepath.Join(ic, "goclaw.db") {
		t.Fatalf("expected default database_path under home, got %q", cfg.DatabasePath)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".goclaw")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("http_addr: 127.0.0.1:1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("GOCLAW_HTTP_ADDR", "127.0.0.1:9999")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("expected env override http_addr=127.0.0.1:9999 got %q", cfg.HTTPAddr)
	}
}

func TestLoad_CapabilitiesEnvOverride(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("CAPABILITIES", "core, Task-Pool ,scheduling")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := []string{"core", "task-pool", "scheduling"}
	if len(cfg.Capabilities) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Capabilities)
	}
	for i, c := range want {
		if cfg.Capabilities[i] != c {
			t.Fatalf("expected capability %q at index %d, got %q", c, i, cfg.Capabilities[i])
		}
	}
}

func TestLoad_CapabilitiesFromYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".goclaw")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yamlContent := "capabilities:\n  - core\n  - messaging\n"
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Capabilities) != 2 || cfg.Capabilities[0] != "core" || cfg.Capabilities[1] != "messaging" {
		t.Fatalf("unexpected capabilities: %v", cfg.Capabilities)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	c1 := config.Config{DatabasePath: "a.db", HTTPAddr: "x"}
	c2 := config.Config{DatabasePath: "b.db", HTTPAddr: "x"}
	if c1.Fingerprint() == c2.Fingerprint() {
		t.Fatal("expected different configs to produce different fingerprints")
	}
	if c1.Fingerprint() != c1.Fingerprint() {
		t.Fatal("expected deterministic fingerprint for the same config")
	}
}

func TestSchedulerInterval_DefaultsToOneMinute(t *testing.T) {
	cfg := config.Config{}
	if cfg.SchedulerInterval().Seconds() != 60 {
		t.Fatalf("expected default scheduler interval of 60s, got %v", cfg.SchedulerInterval())
	}
}
