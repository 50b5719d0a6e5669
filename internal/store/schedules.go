package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-claw/internal/bus"
)

var (
	ErrScheduleNotFound   = errors.New("schedule not found")
	ErrDuplicateSchedule  = errors.New("schedule already exists")
	ErrInvalidCron        = errors.New("invalid cron expression")
)

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// CreateScheduleOptions configures CreateSchedule's optional fields. Exactly
// one of CronExpression or IntervalMs must be set.
type CreateScheduleOptions struct {
	Description      string
	TaskType         string
	Tags             []string
	Priority         int
	TargetAgentID    string
	CronExpression   string
	IntervalMs       int64
	Timezone         string // defaults to UTC
	CreatedByAgentID string
}

// CreateSchedule registers a new recurring task template and computes its
// first nextRunAt.
func (s *Store) CreateSchedule(ctx context.Context, name, taskTemplate string, opts CreateScheduleOptions) (ScheduledTask, error) {
	if (opts.CronExpression == "") == (opts.IntervalMs == 0) {
		return ScheduledTask{}, fmt.Errorf("%w: exactly one of cronExpression or intervalMs must be set", ErrInvalidTransition)
	}
	tz := opts.Timezone
	if tz == "" {
		tz = "UTC"
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 50
	}

	nextRun, err := computeNextRun(opts.CronExpression, opts.IntervalMs, tz, time.Now())
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}

	tagsJSON, err := json.Marshal(nonNilStrings(opts.Tags))
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("marshal tags: %w", err)
	}

	id := newID()
	var sched ScheduledTask
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var dup int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_tasks WHERE name = ?;`, name).Scan(&dup); err != nil {
			return fmt.Errorf("check duplicate schedule: %w", err)
		}
		if dup > 0 {
			return ErrDuplicateSchedule
		}
		var intervalMs any
		if opts.IntervalMs != 0 {
			intervalMs = opts.IntervalMs
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (id, name, description, task_template, task_type, tags, priority,
				target_agent_id, cron_expression, interval_ms, timezone, enabled, next_run_at, created_by_agent_id,
				created_at, last_updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, 1, ?, NULLIF(?, ''),
				CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, name, opts.Description, taskTemplate, opts.TaskType, string(tagsJSON), priority,
			opts.TargetAgentID, opts.CronExpression, intervalMs, tz, nextRun, opts.CreatedByAgentID)
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		if err := appendEventTx(ctx, tx, "schedule_created", opts.CreatedByAgentID, "", "", name, nil); err != nil {
			return err
		}
		sched, err = getScheduleTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return ScheduledTask{}, err
	}
	s.publish(bus.TopicScheduleCreated, sched)
	return sched, nil
}

func computeNextRun(cronExpr string, intervalMs int64, timezone string, after time.Time) (time.Time, error) {
	if cronExpr != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		schedule, err := cronParser.Parse(cronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
		}
		return schedule.Next(after.In(loc)).UTC(), nil
	}
	return after.Add(time.Duration(intervalMs) * time.Millisecond), nil
}

const scheduleSelectColumns = `
	SELECT id, name, COALESCE(description, ''), task_template, COALESCE(task_type, ''), tags, priority,
		COALESCE(target_agent_id, ''), COALESCE(cron_expression, ''), COALESCE(interval_ms, 0), timezone, enabled,
		last_run_at, next_run_at, COALESCE(created_by_agent_id, ''), created_at, last_updated_at
`

func getScheduleTx(ctx context.Context, tx *sql.Tx, id string) (ScheduledTask, error) {
	row := tx.QueryRowContext(ctx, scheduleSelectColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	return scanSchedule(row)
}

func scanSchedule(row interface{ Scan(...any) error }) (ScheduledTask, error) {
	var sc ScheduledTask
	var tagsJSON string
	var enabled int
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.TaskTemplate, &sc.TaskType, &tagsJSON, &sc.Priority,
		&sc.TargetAgentID, &sc.CronExpression, &sc.IntervalMs, &sc.Timezone, &enabled, &lastRun, &nextRun,
		&sc.CreatedByAgentID, &sc.CreatedAt, &sc.LastUpdatedAt); err != nil {
		return ScheduledTask{}, err
	}
	sc.Enabled = enabled != 0
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sc.NextRunAt = &t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &sc.Tags)
	return sc, nil
}

// GetSchedule looks up a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelectColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrScheduleNotFound
	}
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

// ListSchedules returns all schedules, newest first.
func (s *Store) ListSchedules(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelectColumns+` FROM scheduled_tasks ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose nextRunAt is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelectColumns+`
		FROM scheduled_tasks WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// FireSchedule materializes a task from the schedule's template, sets
// lastRunAt=now, recomputes nextRunAt, and emits schedule_triggered, all in
// one transaction. On a cron parse failure it disables the schedule instead
// and logs an event without materializing a task.
func (s *Store) FireSchedule(ctx context.Context, scheduleID string, now time.Time) (task Task, fired bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		sched, err := getScheduleTx(ctx, tx, scheduleID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrScheduleNotFound
			}
			return err
		}
		if !sched.Enabled {
			return nil
		}

		nextRun, nextErr := computeNextRun(sched.CronExpression, sched.IntervalMs, sched.Timezone, now)
		if nextErr != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE scheduled_tasks SET enabled = 0, next_run_at = NULL, last_updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, scheduleID); err != nil {
				return fmt.Errorf("disable schedule on cron parse failure: %w", err)
			}
			return appendEventTx(ctx, tx, "schedule_disabled", sched.CreatedByAgentID, "", "", sched.Name,
				map[string]any{"reason": nextErr.Error()})
		}

		agentID := sched.TargetAgentID
		status := TaskUnassigned
		if agentID != "" {
			status = TaskPending
		}
		taskID := newID()
		tagsJSON, _ := json.Marshal(nonNilStrings(sched.Tags))
		dependsJSON, _ := json.Marshal([]string{})
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, task, status, source, agent_id, creator_agent_id, task_type, tags, priority, depends_on, created_at, last_updated_at)
			VALUES (?, ?, ?, 'system', NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, sched.TaskTemplate, status, agentID, sched.CreatedByAgentID, sched.TaskType, string(tagsJSON), sched.Priority, string(dependsJSON))
		if err != nil {
			return fmt.Errorf("materialize scheduled task: %w", err)
		}
		if err := appendEventTx(ctx, tx, "task_created", sched.CreatedByAgentID, taskID, "", string(status), map[string]any{"source": "schedule", "scheduleId": scheduleID}); err != nil {
			return err
		}
		if agentID != "" {
			if err := updateAgentStatusFromCapacityTx(ctx, tx, agentID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ?, last_updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, now, nextRun, scheduleID); err != nil {
			return fmt.Errorf("update schedule run times: %w", err)
		}
		if err := appendEventTx(ctx, tx, "schedule_triggered", sched.CreatedByAgentID, taskID, "", sched.Name, map[string]any{"scheduleId": scheduleID}); err != nil {
			return err
		}

		task, err = getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		fired = true
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	if fired {
		s.publish(bus.TopicScheduleFired, bus.ScheduleFiredEvent{ScheduleID: scheduleID, TaskID: task.ID, FiredAt: now.Format(time.RFC3339)})
	}
	return task, fired, nil
}

// RunNow materializes a task and sets lastRunAt, exactly as FireSchedule,
// but leaves nextRunAt unchanged. Only the schedule's creator or a lead may
// call this.
func (s *Store) RunNow(ctx context.Context, scheduleID, callerAgentID string, isLead bool, now time.Time) (Task, error) {
	sched, err := s.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Task{}, err
	}
	if !isLead && sched.CreatedByAgentID != callerAgentID {
		return Task{}, ErrNotAuthorized
	}
	savedNext := sched.NextRunAt

	task, fired, err := s.FireSchedule(ctx, scheduleID, now)
	if err != nil {
		return Task{}, err
	}
	if !fired {
		return Task{}, fmt.Errorf("%w: schedule is disabled", ErrInvalidTransition)
	}
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks SET next_run_at = ? WHERE id = ?;`, savedNext, scheduleID)
		return err
	}); err != nil {
		return Task{}, fmt.Errorf("restore next_run_at after run-now: %w", err)
	}
	return task, nil
}

// SetScheduleEnabled enables or disables a schedule. Disabling clears
// nextRunAt; re-enabling recomputes it from now. Only the schedule's creator
// or a lead may call this.
func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID, callerAgentID string, isLead, enabled bool) (ScheduledTask, error) {
	var sched ScheduledTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getScheduleTx(ctx, tx, scheduleID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrScheduleNotFound
			}
			return err
		}
		if !isLead && existing.CreatedByAgentID != callerAgentID {
			return ErrNotAuthorized
		}
		var nextRun any
		if enabled {
			nr, err := computeNextRun(existing.CronExpression, existing.IntervalMs, existing.Timezone, time.Now())
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCron, err)
			}
			nextRun = nr
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks SET enabled = ?, next_run_at = ?, last_updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, boolToInt(enabled), nextRun, scheduleID); err != nil {
			return fmt.Errorf("set schedule enabled: %w", err)
		}
		sched, err = getScheduleTx(ctx, tx, scheduleID)
		return err
	})
	if err != nil {
		return ScheduledTask{}, err
	}
	if !enabled {
		s.publish(bus.TopicScheduleDisabled, sched)
	}
	return sched, nil
}

// DeleteSchedule removes a schedule permanently. Only the schedule's creator
// or a lead may call this.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID, callerAgentID string, isLead bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getScheduleTx(ctx, tx, scheduleID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrScheduleNotFound
			}
			return err
		}
		if !isLead && existing.CreatedByAgentID != callerAgentID {
			return ErrNotAuthorized
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, scheduleID)
		if err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrScheduleNotFound
		}
		return nil
	})
}
