package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/go-claw/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "swarm.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{
		"schema_migrations", "agents", "channels", "channel_participants", "tasks",
		"channel_messages", "channel_read_state", "scheduled_tasks", "inbox_messages",
		"event_log", "epics", "services",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?;`, table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpen_SeedsGeneralChannel(t *testing.T) {
	s := openTestStore(t)
	ch, err := s.GetChannel(context.Background(), store.GeneralChannelID)
	if err != nil {
		t.Fatalf("get general channel: %v", err)
	}
	if ch.Name != "general" {
		t.Fatalf("expected channel named general, got %q", ch.Name)
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "swarm.db")

	s1, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.DB().QueryRow(`SELECT COUNT(*) FROM channels WHERE id = ?;`, store.GeneralChannelID).Scan(&count); err != nil {
		t.Fatalf("count general channels: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 general channel after reopen, got %d", count)
	}
}
