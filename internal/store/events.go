package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// appendEventTx inserts one event-log row inside the caller's transaction.
// Every mutating operation in this package calls this exactly once per
// state change, in the same transaction as the change itself, so the event
// log and the entity tables can never disagree about what happened.
func appendEventTx(ctx context.Context, tx *sql.Tx, eventType, agentID, taskID, oldValue, newValue string, metadata map[string]any) error {
	metaJSON := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metaJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_log (event_type, agent_id, task_id, old_value, new_value, metadata, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
	`, eventType, agentID, taskID, oldValue, newValue, metaJSON)
	if err != nil {
		return fmt.Errorf("append event %q: %w", eventType, err)
	}
	return nil
}

func scanEventLogEntry(row interface{ Scan(...any) error }) (EventLogEntry, error) {
	var e EventLogEntry
	var agentID, taskID, oldValue, newValue sql.NullString
	var createdAt time.Time
	if err := row.Scan(&e.ID, &e.EventType, &agentID, &taskID, &oldValue, &newValue, &e.Metadata, &createdAt); err != nil {
		return EventLogEntry{}, err
	}
	e.AgentID = agentID.String
	e.TaskID = taskID.String
	e.OldValue = oldValue.String
	e.NewValue = newValue.String
	e.CreatedAt = createdAt
	return e, nil
}

// ListEvents returns the most recent events, newest first, optionally
// filtered by event type. limit <= 0 defaults to 100.
func (s *Store) ListEvents(ctx context.Context, eventType string, limit int) ([]EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if eventType != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, event_type, agent_id, task_id, old_value, new_value, metadata, created_at
			FROM event_log WHERE event_type = ? ORDER BY id DESC LIMIT ?;
		`, eventType, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, event_type, agent_id, task_id, old_value, new_value, metadata, created_at
			FROM event_log ORDER BY id DESC LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventLogEntry
	for rows.Next() {
		e, err := scanEventLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListTaskEvents returns one task's events in chronological order (oldest
// first), the layout the task detail view reads for its timeline.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, agent_id, task_id, old_value, new_value, metadata, created_at
		FROM event_log WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []EventLogEntry
	for rows.Next() {
		e, err := scanEventLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
