package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/go-claw/internal/bus"
)

var (
	ErrEpicNotFound      = errors.New("epic not found")
	ErrDuplicateEpicName = errors.New("epic name already exists")
)

// CreateEpicOptions configures CreateEpic's optional fields.
type CreateEpicOptions struct {
	Description      string
	PRD              string
	Plan             string
	Priority         int
	Tags             []string
	LeadAgentID      string
	ChannelID        string
	ExternalRefs     map[string]string
	CreatedByAgentID string
}

// CreateEpic registers a new body of related work in draft status.
func (s *Store) CreateEpic(ctx context.Context, name, goal string, opts CreateEpicOptions) (Epic, error) {
	priority := opts.Priority
	if priority == 0 {
		priority = 50
	}
	tagsJSON, err := json.Marshal(nonNilStrings(opts.Tags))
	if err != nil {
		return Epic{}, fmt.Errorf("marshal tags: %w", err)
	}
	refsJSON, err := json.Marshal(nonNilMap(opts.ExternalRefs))
	if err != nil {
		return Epic{}, fmt.Errorf("marshal external refs: %w", err)
	}

	id := newID()
	var epic Epic
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var dup int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM epics WHERE name = ?;`, name).Scan(&dup); err != nil {
			return fmt.Errorf("check duplicate epic: %w", err)
		}
		if dup > 0 {
			return ErrDuplicateEpicName
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO epics (id, name, goal, description, prd, plan, status, priority, tags, lead_agent_id,
				created_by_agent_id, channel_id, external_refs, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), 'draft', ?, ?, NULLIF(?, ''),
				NULLIF(?, ''), NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, id, name, goal, opts.Description, opts.PRD, opts.Plan, priority, string(tagsJSON), opts.LeadAgentID,
			opts.CreatedByAgentID, opts.ChannelID, string(refsJSON))
		if err != nil {
			return fmt.Errorf("insert epic: %w", err)
		}
		if err := appendEventTx(ctx, tx, "epic_created", opts.CreatedByAgentID, "", "", name, nil); err != nil {
			return err
		}
		epic, err = getEpicTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return Epic{}, err
	}
	s.publish(bus.TopicEpicCreated, epic)
	return epic, nil
}

const epicSelectColumns = `
	SELECT id, name, goal, COALESCE(description, ''), COALESCE(prd, ''), COALESCE(plan, ''), status, priority, tags,
		COALESCE(lead_agent_id, ''), COALESCE(created_by_agent_id, ''), COALESCE(channel_id, ''), external_refs,
		created_at, started_at, completed_at
`

func getEpicTx(ctx context.Context, tx *sql.Tx, id string) (Epic, error) {
	row := tx.QueryRowContext(ctx, epicSelectColumns+` FROM epics WHERE id = ?;`, id)
	return scanEpic(row)
}

func scanEpic(row interface{ Scan(...any) error }) (Epic, error) {
	var e Epic
	var tagsJSON, refsJSON string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.Name, &e.Goal, &e.Description, &e.PRD, &e.Plan, &e.Status, &e.Priority, &tagsJSON,
		&e.LeadAgentID, &e.CreatedByAgentID, &e.ChannelID, &refsJSON, &e.CreatedAt, &startedAt, &completedAt); err != nil {
		return Epic{}, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &e.Tags)
	_ = json.Unmarshal([]byte(refsJSON), &e.ExternalRefs)
	return e, nil
}

// GetEpic looks up an epic by id.
func (s *Store) GetEpic(ctx context.Context, id string) (Epic, error) {
	row := s.db.QueryRowContext(ctx, epicSelectColumns+` FROM epics WHERE id = ?;`, id)
	e, err := scanEpic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Epic{}, ErrEpicNotFound
	}
	if err != nil {
		return Epic{}, fmt.Errorf("get epic: %w", err)
	}
	return e, nil
}

// ListEpicsFilter narrows ListEpics.
type ListEpicsFilter struct {
	Status      EpicStatus
	LeadAgentID string
}

// ListEpics returns epics matching filter, newest first.
func (s *Store) ListEpics(ctx context.Context, filter ListEpicsFilter) ([]Epic, error) {
	where := []string{"1=1"}
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.LeadAgentID != "" {
		where = append(where, "lead_agent_id = ?")
		args = append(args, filter.LeadAgentID)
	}
	query := epicSelectColumns + ` FROM epics WHERE `
	for i, cond := range where {
		if i > 0 {
			query += " AND "
		}
		query += cond
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()
	var out []Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EpicUpdate holds the optional fields UpdateEpic may change. Nil fields
// leave the current value untouched.
type EpicUpdate struct {
	Description  *string
	PRD          *string
	Plan         *string
	Priority     *int
	Tags         *[]string
	LeadAgentID  *string
	ExternalRefs *map[string]string
}

// UpdateEpic applies a partial update to an epic's descriptive fields.
func (s *Store) UpdateEpic(ctx context.Context, id string, upd EpicUpdate) (Epic, error) {
	var epic Epic
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getEpicTx(ctx, tx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrEpicNotFound
			}
			return err
		}
		if upd.Description != nil {
			current.Description = *upd.Description
		}
		if upd.PRD != nil {
			current.PRD = *upd.PRD
		}
		if upd.Plan != nil {
			current.Plan = *upd.Plan
		}
		if upd.Priority != nil {
			current.Priority = *upd.Priority
		}
		if upd.Tags != nil {
			current.Tags = *upd.Tags
		}
		if upd.LeadAgentID != nil {
			current.LeadAgentID = *upd.LeadAgentID
		}
		if upd.ExternalRefs != nil {
			current.ExternalRefs = *upd.ExternalRefs
		}
		tagsJSON, err := json.Marshal(nonNilStrings(current.Tags))
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		refsJSON, err := json.Marshal(nonNilMap(current.ExternalRefs))
		if err != nil {
			return fmt.Errorf("marshal external refs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE epics SET description = NULLIF(?, ''), prd = NULLIF(?, ''), plan = NULLIF(?, ''), priority = ?,
				tags = ?, lead_agent_id = NULLIF(?, ''), external_refs = ?
			WHERE id = ?;
		`, current.Description, current.PRD, current.Plan, current.Priority, string(tagsJSON), current.LeadAgentID, string(refsJSON), id); err != nil {
			return fmt.Errorf("update epic: %w", err)
		}
		epic, err = getEpicTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return Epic{}, err
	}
	return epic, nil
}

// SetEpicStatus transitions an epic's status, stamping startedAt on the
// first transition into active and completedAt on terminal transitions.
func (s *Store) SetEpicStatus(ctx context.Context, id string, status EpicStatus) (Epic, error) {
	var epic Epic
	var oldStatus EpicStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getEpicTx(ctx, tx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrEpicNotFound
			}
			return err
		}
		oldStatus = current.Status

		setStarted := status == EpicActive && current.StartedAt == nil
		setCompleted := (status == EpicCompleted || status == EpicCancelled) && current.CompletedAt == nil

		query := `UPDATE epics SET status = ?`
		args := []any{string(status)}
		if setStarted {
			query += `, started_at = CURRENT_TIMESTAMP`
		}
		if setCompleted {
			query += `, completed_at = CURRENT_TIMESTAMP`
		}
		query += ` WHERE id = ?;`
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("set epic status: %w", err)
		}
		if err := appendEventTx(ctx, tx, "epic_status_change", current.CreatedByAgentID, "", string(oldStatus), string(status), map[string]any{"epicId": id}); err != nil {
			return err
		}
		epic, err = getEpicTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return Epic{}, err
	}
	if oldStatus != status {
		s.publish(bus.TopicEpicStatusChange, epic)
	}
	return epic, nil
}

// DeleteEpic removes an epic, orphaning its member tasks (epic_id goes to
// NULL via the column's lack of a FK cascade; tasks are never deleted here).
func (s *Store) DeleteEpic(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET epic_id = NULL WHERE epic_id = ?;`, id); err != nil {
			return fmt.Errorf("orphan epic tasks: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM epics WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete epic: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrEpicNotFound
		}
		return nil
	})
}

// AssignTaskToEpic sets or clears (epicID == "") a task's epic association.
func (s *Store) AssignTaskToEpic(ctx context.Context, taskID, epicID string) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if epicID != "" {
			if _, err := getEpicTx(ctx, tx, epicID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrEpicNotFound
				}
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET epic_id = NULLIF(?, ''), last_updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, epicID, taskID)
		if err != nil {
			return fmt.Errorf("assign task to epic: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrTaskNotFound
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetEpicProgress derives the member tasks' status breakdown for an epic.
// Progress is never stored, only computed on read.
func (s *Store) GetEpicProgress(ctx context.Context, epicID string) (EpicProgress, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status FROM tasks WHERE epic_id = ?;`, epicID)
	if err != nil {
		return EpicProgress{}, fmt.Errorf("query epic task statuses: %w", err)
	}
	defer rows.Close()

	var progress EpicProgress
	for rows.Next() {
		var status TaskStatus
		if err := rows.Scan(&status); err != nil {
			return EpicProgress{}, err
		}
		progress.Total++
		switch status {
		case TaskCompleted:
			progress.Completed++
		case TaskFailed:
			progress.Failed++
		case TaskCancelled:
			progress.Cancelled++
		default:
			if status.IsActive() {
				progress.Active++
			}
		}
	}
	return progress, rows.Err()
}

// ListEpicTasks returns every task tagged into an epic.
func (s *Store) ListEpicTasks(ctx context.Context, epicID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE epic_id = ? ORDER BY priority DESC, last_updated_at DESC;`, epicID)
	if err != nil {
		return nil, fmt.Errorf("list epic tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
