// Package store provides the single-writer, ACID-backed persistence layer
// for the swarm coordination engine: agents, tasks, channels, services,
// schedules, epics, the inbox, and the append-only event log all live in
// one SQLite database guarded by WAL journaling and foreign keys.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-claw/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "swarm-v1-2026-02-11-core-schema"

	// v2 adds the epics table and tasks.epic_id back-reference.
	schemaVersionV2  = 2
	schemaChecksumV2 = "swarm-v2-2026-02-18-epics"

	// v3 adds the service registry table.
	schemaVersionV3  = 3
	schemaChecksumV3 = "swarm-v3-2026-02-21-services"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3
)

// GeneralChannelID is the fixed UUID the "general" channel is seeded under.
// Any legacy database that created "general" under a non-UUID id is
// migrated to this id (and its messages/read-state follow) on first open.
const GeneralChannelID = "00000000-0000-0000-0000-000000000001"

// Store is the single-writer handle onto the swarm's SQLite database.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests; post-commit events are best-effort
}

// DefaultDBPath mirrors DATABASE_PATH's fallback when unset.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarm", "swarm.db")
}

// Open opens (creating if necessary) the database at path, applies pragmas
// and the migration ledger, and seeds the general channel.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seedGeneralChannel(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for diagnostics (doctor, backups).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with bounded
// jittered backoff, on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// withTx runs f inside a transaction, retrying transient BUSY errors,
// committing on success and rolling back on any error or panic.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func newID() string { return uuid.NewString() }

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	ledger := []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
		{schemaVersionV3, schemaChecksumV3},
	}
	if maxVersion > 0 {
		matched := false
		for _, l := range ledger {
			if l.version != maxVersion {
				continue
			}
			matched = true
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
				return fmt.Errorf("read schema checksum: %w", err)
			}
			if existing != l.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, l.checksum)
			}
		}
		if !matched {
			return fmt.Errorf("db schema version %d is older than supported minimum %d", maxVersion, schemaVersionV1)
		}
	}

	// Phase 1: tables, create-if-missing only (never destructive).
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			is_lead INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle','busy','offline')),
			role TEXT,
			description TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]',
			max_tasks INTEGER NOT NULL DEFAULT 1 CHECK(max_tasks >= 1),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			type TEXT NOT NULL DEFAULT 'public' CHECK(type IN ('public','dm')),
			created_by TEXT REFERENCES agents(id) ON DELETE SET NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS channel_participants (
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			PRIMARY KEY (channel_id, agent_id)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN (
				'backlog','unassigned','offered','pending','in_progress',
				'paused','reviewing','completed','failed','cancelled'
			)),
			source TEXT NOT NULL DEFAULT 'mcp' CHECK(source IN ('mcp','slack','api','system')),
			agent_id TEXT REFERENCES agents(id) ON DELETE CASCADE,
			creator_agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
			offered_to TEXT REFERENCES agents(id) ON DELETE SET NULL,
			offered_at DATETIME,
			accepted_at DATETIME,
			rejection_reason TEXT,
			task_type TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 50 CHECK(priority BETWEEN 0 AND 100),
			depends_on TEXT NOT NULL DEFAULT '[]',
			parent_task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
			epic_id TEXT,
			external_channel_id TEXT,
			external_thread_ref TEXT,
			external_user_id TEXT,
			external_repo TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			output TEXT,
			failure_reason TEXT,
			progress TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS channel_messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
			content TEXT NOT NULL,
			reply_to_id TEXT REFERENCES channel_messages(id) ON DELETE SET NULL,
			mentions TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS channel_read_state (
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			last_read_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, channel_id)
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			task_template TEXT NOT NULL,
			task_type TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 50,
			target_agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
			cron_expression TEXT,
			interval_ms INTEGER,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_by_agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS inbox_messages (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			slack_channel_id TEXT,
			slack_thread_ts TEXT,
			slack_user_id TEXT,
			delegated_task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS event_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			agent_id TEXT,
			task_id TEXT,
			old_value TEXT,
			new_value TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if maxVersion < schemaVersionV2 {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS epics (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				goal TEXT NOT NULL,
				description TEXT,
				prd TEXT,
				plan TEXT,
				status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft','active','paused','completed','cancelled')),
				priority INTEGER NOT NULL DEFAULT 50,
				tags TEXT NOT NULL DEFAULT '[]',
				lead_agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
				created_by_agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
				channel_id TEXT REFERENCES channels(id) ON DELETE SET NULL,
				external_refs TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				started_at DATETIME,
				completed_at DATETIME
			);
		`); err != nil {
			return fmt.Errorf("exec migration v2: %w", err)
		}
	}

	if maxVersion < schemaVersionV3 {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS services (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				port INTEGER NOT NULL DEFAULT 0,
				url TEXT,
				health_check_path TEXT NOT NULL DEFAULT '/health',
				status TEXT NOT NULL DEFAULT 'starting' CHECK(status IN ('starting','healthy','unhealthy','stopped')),
				script TEXT,
				cwd TEXT,
				interpreter TEXT,
				args TEXT NOT NULL DEFAULT '[]',
				env TEXT NOT NULL DEFAULT '{}',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(agent_id, name)
			);
		`); err != nil {
			return fmt.Errorf("exec migration v3: %w", err)
		}
	}

	// Additive, idempotent backfills for columns introduced after first release.
	// SQLite has no "ADD COLUMN IF NOT EXISTS"; duplicate-column errors are expected
	// and ignored so this block is safe to run on every startup.
	backfills := []string{
		`ALTER TABLE tasks ADD COLUMN epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL;`,
	}
	for _, stmt := range backfills {
		if _, err := tx.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("exec backfill %q: %w", stmt, err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_offered_to ON tasks(offered_to);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_task_type ON tasks(task_type);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_epic_id ON tasks(epic_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_lookup ON event_log(agent_id, task_id, event_type, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_task_created ON event_log(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_channel_messages_lookup ON channel_messages(channel_id, agent_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_services_agent_status ON services(agent_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(enabled, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_messages_agent ON inbox_messages(agent_id, created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	return tx.Commit()
}

// seedGeneralChannel ensures the "general" channel exists under the fixed
// GeneralChannelID, migrating any legacy non-UUID "general" row (and the
// messages/read-state that reference it) to the fixed id in one pass.
func (s *Store) seedGeneralChannel(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var legacyID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM channels WHERE name = 'general' AND id != ?;`, GeneralChannelID).Scan(&legacyID)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `UPDATE channel_messages SET channel_id = ? WHERE channel_id = ?;`, GeneralChannelID, legacyID); err != nil {
				return fmt.Errorf("migrate general channel messages: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE channel_read_state SET channel_id = ? WHERE channel_id = ?;`, GeneralChannelID, legacyID); err != nil {
				return fmt.Errorf("migrate general channel read state: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?;`, legacyID); err != nil {
				return fmt.Errorf("drop legacy general channel: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO channels (id, name, description, type, created_at)
				VALUES (?, 'general', 'Default channel', 'public', CURRENT_TIMESTAMP);
			`, GeneralChannelID); err != nil {
				return fmt.Errorf("reseed general channel: %w", err)
			}
			return nil
		case err == sql.ErrNoRows:
			// Either not present at all, or already seeded under the fixed id.
		default:
			return fmt.Errorf("lookup legacy general channel: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO channels (id, name, description, type, created_at)
			VALUES (?, 'general', 'Default channel', 'public', CURRENT_TIMESTAMP);
		`, GeneralChannelID)
		if err != nil {
			return fmt.Errorf("seed general channel: %w", err)
		}
		return nil
	})
}

// publish emits a best-effort notification after a transaction has
// committed. It must never be called from inside an open transaction.
func (s *Store) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, payload)
}
