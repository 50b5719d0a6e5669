package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/go-claw/internal/config"
)

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_NeedsGenesis(t *testing.T) {
	cfg := &config.Config{NeedsGenesis: true}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when config needs genesis, got %s", result.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	cfg := &config.Config{HomeDir: "/tmp/goclaw-test"}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if result.Detail == "" {
		t.Fatal("expected fingerprint in detail")
	}
}

func TestCheckCapabilities_NilConfig(t *testing.T) {
	result := checkCapabilities(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckCapabilities_DefaultAll(t *testing.T) {
	cfg := &config.Config{}
	result := checkCapabilities(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckCapabilities_Restricted(t *testing.T) {
	cfg := &config.Config{Capabilities: []string{"core", "task-pool"}}
	result := checkCapabilities(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckCapabilities_Unknown(t *testing.T) {
	cfg := &config.Config{Capabilities: []string{"not-a-real-capability"}}
	result := checkCapabilities(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for unknown capability, got %s", result.Status)
	}
}

func TestCheckDatabase_NilConfig(t *testing.T) {
	result := checkDatabase(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckDatabase_OpensAndQueries(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		HomeDir:      dir,
		DatabasePath: filepath.Join(dir, "goclaw.db"),
	}
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckPermissions_WritableHome(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckConfigWatch_MissingFile(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkConfigWatch(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when config.yaml absent, got %s", result.Status)
	}
}

func TestRun_AllChecksExecute(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		HomeDir:      dir,
		DatabasePath: filepath.Join(dir, "goclaw.db"),
	}
	d := Run(context.Background(), cfg, "test-version")
	if len(d.Results) != 5 {
		t.Fatalf("expected 5 check results, got %d", len(d.Results))
	}
	if d.System.Version != "test-version" {
		t.Fatalf("expected version to be recorded, got %q", d.System.Version)
	}
}
