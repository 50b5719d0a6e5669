package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/config"
)

func TestWatcher_DetectsConfigFileChange(t *testing.T) {
	homeDir := t.TempDir()

	configPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("capabilities:\n  - core\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Instead of a fixed sleep, retry the write at short intervals until the
	// watcher produces an event. This handles any platform-specific delay in
	// filesystem notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(configPath, []byte("capabilities:\n  - core\n  - scheduling\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(configPath, []byte("capabilities:\n  - core\n  - scheduling\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}
