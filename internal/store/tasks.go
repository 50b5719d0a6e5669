package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/bus"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrClaimConflict       = errors.New("task already claimed")
	ErrCapacityExhausted   = errors.New("agent is at capacity")
	ErrNotAuthorized       = errors.New("not authorized for this operation")
	ErrInvalidTransition   = errors.New("task is not in a state that allows this operation")
	ErrDependenciesNotReady = errors.New("task dependencies are not ready")
	ErrOfferConflict       = errors.New("task is not offered to this agent")
)

// CreateTaskOptions configures CreateTask's optional fields. Zero values
// mean "omitted" except where noted.
type CreateTaskOptions struct {
	Source         TaskSource // defaults to SourceMCP
	AgentID        string     // direct-assign target
	OfferedTo      string     // offer target; mutually exclusive in effect with AgentID
	CreatorAgentID string
	TaskType       string
	Tags           []string
	Priority       int // 0 means "use default 50"
	DependsOn      []string
	ParentTaskID   string
	EpicID         string
	External       ExternalContext
}

// CreateTask inserts a new task, computing its initial status from the
// options: OfferedTo set → offered; else AgentID set → pending; else, if
// ParentTaskID is set and AgentID is omitted, the task auto-routes to the
// parent's current assignee (session affinity) → pending if the parent has
// one, else unassigned; otherwise unassigned.
func (s *Store) CreateTask(ctx context.Context, taskText string, opts CreateTaskOptions) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = createTaskTx(ctx, tx, taskText, opts)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskCreated, task)
	return task, nil
}

// createTaskTx is CreateTask's transaction body, factored out so callers
// that must fold task creation into a larger transaction (e.g. Delegate,
// which also marks the source inbox message consumed) can reuse it.
func createTaskTx(ctx context.Context, tx *sql.Tx, taskText string, opts CreateTaskOptions) (Task, error) {
	source := opts.Source
	if source == "" {
		source = SourceMCP
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 50
	}
	if priority < 0 || priority > 100 {
		return Task{}, fmt.Errorf("%w: priority must be in [0,100]", ErrInvalidTransition)
	}

	agentID := opts.AgentID
	tags := append([]string{}, opts.Tags...)

	if agentID == "" && opts.OfferedTo == "" && opts.ParentTaskID != "" {
		var parentAgent sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT agent_id FROM tasks WHERE id = ?;`, opts.ParentTaskID).Scan(&parentAgent)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("read parent task for session affinity: %w", err)
		}
		if parentAgent.Valid && parentAgent.String != "" {
			agentID = parentAgent.String
		}
	}

	if opts.EpicID != "" {
		var epicName string
		err := tx.QueryRowContext(ctx, `SELECT name FROM epics WHERE id = ?;`, opts.EpicID).Scan(&epicName)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("read epic for tag derivation: %w", err)
		}
		if epicName != "" {
			derived := "epic:" + epicName
			if !containsString(tags, derived) {
				tags = append(tags, derived)
			}
		}
	}

	var status TaskStatus
	switch {
	case opts.OfferedTo != "":
		status = TaskOffered
	case agentID != "":
		status = TaskPending
	default:
		status = TaskUnassigned
	}

	if agentID != "" && opts.OfferedTo == "" {
		ok, err := hasCapacityTx(ctx, tx, agentID)
		if err != nil {
			return Task{}, err
		}
		if !ok {
			return Task{}, ErrCapacityExhausted
		}
	}

	id := newID()
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Task{}, fmt.Errorf("marshal tags: %w", err)
	}
	dependsJSON, err := json.Marshal(nonNilStrings(opts.DependsOn))
	if err != nil {
		return Task{}, fmt.Errorf("marshal depends_on: %w", err)
	}

	var offeredAt any
	if status == TaskOffered {
		offeredAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, task, status, source, agent_id, creator_agent_id, offered_to, offered_at,
			task_type, tags, priority, depends_on, parent_task_id, epic_id,
			external_channel_id, external_thread_ref, external_user_id, external_repo,
			created_at, last_updated_at
		) VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''),
			NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, taskText, status, source, agentID, opts.CreatorAgentID, opts.OfferedTo, offeredAt,
		opts.TaskType, string(tagsJSON), priority, string(dependsJSON), opts.ParentTaskID, opts.EpicID,
		opts.External.ChannelID, opts.External.ThreadRef, opts.External.UserID, opts.External.Repo)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	if err := appendEventTx(ctx, tx, "task_created", opts.CreatorAgentID, id, "", string(status), map[string]any{"source": string(source)}); err != nil {
		return Task{}, err
	}
	if status == TaskOffered {
		if err := appendEventTx(ctx, tx, "task_offered", opts.CreatorAgentID, id, "", opts.OfferedTo, nil); err != nil {
			return Task{}, err
		}
	}
	if agentID != "" {
		if err := updateAgentStatusFromCapacityTx(ctx, tx, agentID); err != nil {
			return Task{}, err
		}
	}

	return getTaskTx(ctx, tx, id)
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (Task, error) {
	row := tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id)
	return scanTask(row)
}

const taskSelectColumns = `
	SELECT id, task, status, source, COALESCE(agent_id, ''), COALESCE(creator_agent_id, ''),
		COALESCE(offered_to, ''), offered_at, accepted_at, COALESCE(rejection_reason, ''),
		COALESCE(task_type, ''), tags, priority, depends_on, COALESCE(parent_task_id, ''), COALESCE(epic_id, ''),
		COALESCE(external_channel_id, ''), COALESCE(external_thread_ref, ''), COALESCE(external_user_id, ''), COALESCE(external_repo, ''),
		created_at, last_updated_at, finished_at, COALESCE(output, ''), COALESCE(failure_reason, ''), COALESCE(progress, '')
`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var offeredAt, acceptedAt, finishedAt sql.NullTime
	var tagsJSON, dependsJSON string
	if err := row.Scan(
		&t.ID, &t.Task, &t.Status, &t.Source, &t.AgentID, &t.CreatorAgentID,
		&t.OfferedTo, &offeredAt, &acceptedAt, &t.RejectionReason,
		&t.TaskType, &tagsJSON, &t.Priority, &dependsJSON, &t.ParentTaskID, &t.EpicID,
		&t.External.ChannelID, &t.External.ThreadRef, &t.External.UserID, &t.External.Repo,
		&t.CreatedAt, &t.LastUpdatedAt, &finishedAt, &t.Output, &t.FailureReason, &t.Progress,
	); err != nil {
		return Task{}, err
	}
	if offeredAt.Valid {
		ts := offeredAt.Time
		t.OfferedAt = &ts
	}
	if acceptedAt.Valid {
		ts := acceptedAt.Time
		t.AcceptedAt = &ts
	}
	if finishedAt.Valid {
		ts := finishedAt.Time
		t.FinishedAt = &ts
	}
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	_ = json.Unmarshal([]byte(dependsJSON), &t.DependsOn)
	return t, nil
}

// GetTask looks up a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasksFilter narrows ListTasks. Zero values mean "no filter" except
// Limit, which defaults to 50 when <= 0.
type ListTasksFilter struct {
	Status    TaskStatus
	AgentID   string
	Unassigned bool
	OfferedTo string
	ReadyOnly bool
	TaskType  string
	Tags      []string // match-any
	Search    string   // free-text over task description
	Limit     int
}

// ListTasks returns tasks matching filter, ordered by priority DESC then
// lastUpdatedAt DESC. ReadyOnly is applied in memory after the SQL filter,
// mirroring CheckDependencies' definition of readiness.
func (s *Store) ListTasks(ctx context.Context, filter ListTasksFilter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Unassigned {
		where = append(where, "status = 'unassigned'")
	}
	if filter.OfferedTo != "" {
		where = append(where, "offered_to = ?")
		args = append(args, filter.OfferedTo)
	}
	if filter.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, filter.TaskType)
	}
	if filter.Search != "" {
		where = append(where, "task LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}
	if len(filter.Tags) > 0 {
		var tagClauses []string
		for _, tag := range filter.Tags {
			tagClauses = append(tagClauses, "tags LIKE ?")
			args = append(args, "%\""+tag+"\"%")
		}
		where = append(where, "("+strings.Join(tagClauses, " OR ")+")")
	}

	// Over-fetch when ReadyOnly filters in memory so the caller still gets
	// up to `limit` ready rows where possible.
	sqlLimit := limit
	if filter.ReadyOnly {
		sqlLimit = limit * 4
		if sqlLimit < 200 {
			sqlLimit = 200
		}
	}

	query := taskSelectColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, last_updated_at DESC LIMIT ?;"
	args = append(args, sqlLimit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.ReadyOnly {
		ready := make([]Task, 0, len(out))
		for _, t := range out {
			check, err := s.CheckDependencies(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			if check.Ready {
				ready = append(ready, t)
			}
			if len(ready) >= limit {
				break
			}
		}
		return ready, nil
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CheckDependencies reports whether every id in a task's dependsOn list
// refers to a task in status completed. Each dependency is inspected
// directly; the resolver does not follow transitive waits.
func (s *Store) CheckDependencies(ctx context.Context, taskID string) (DependencyCheck, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return DependencyCheck{}, err
	}
	if len(task.DependsOn) == 0 {
		return DependencyCheck{Ready: true}, nil
	}
	var blocked []string
	for _, depID := range task.DependsOn {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, depID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			blocked = append(blocked, depID)
			continue
		}
		if err != nil {
			return DependencyCheck{}, fmt.Errorf("read dependency %s: %w", depID, err)
		}
		if status != string(TaskCompleted) {
			blocked = append(blocked, depID)
		}
	}
	return DependencyCheck{Ready: len(blocked) == 0, BlockedBy: blocked}, nil
}

// Claim atomically transitions an unassigned, dependency-ready task to
// pending under the claiming agent. The transition is a conditional UPDATE
// keyed on status='unassigned'; zero rows affected means the claim lost a
// race against another caller, and ErrClaimConflict is returned instead of
// silently overwriting the winner.
func (s *Store) Claim(ctx context.Context, taskID, agentID string) (Task, error) {
	ready, err := s.CheckDependencies(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !ready.Ready {
		return Task{}, fmt.Errorf("%w: blocked by %v", ErrDependenciesNotReady, ready.BlockedBy)
	}
	if ok, err := s.HasCapacity(ctx, agentID); err != nil {
		return Task{}, err
	} else if !ok {
		return Task{}, ErrCapacityExhausted
	}

	var task Task
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', agent_id = ?, last_updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'unassigned';
		`, agentID, taskID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if _, getErr := getTaskTx(ctx, tx, taskID); errors.Is(getErr, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return ErrClaimConflict
		}
		if err := appendEventTx(ctx, tx, "task_claimed", agentID, taskID, string(TaskUnassigned), string(TaskPending), nil); err != nil {
			return err
		}
		if err := updateAgentStatusFromCapacityTx(ctx, tx, agentID); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: string(TaskUnassigned), NewStatus: string(TaskPending), AgentID: agentID})
	return task, nil
}

// Release returns a task to the pool. Only the current agentId may release,
// and only from pending or in_progress.
func (s *Store) Release(ctx context.Context, taskID, agentID string) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return err
		}
		if existing.AgentID != agentID {
			return ErrNotAuthorized
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'unassigned', agent_id = NULL, last_updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND agent_id = ? AND status IN ('pending', 'in_progress');
		`, taskID, agentID)
		if err != nil {
			return fmt.Errorf("release task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: task is not pending or in_progress", ErrInvalidTransition)
		}
		if err := appendEventTx(ctx, tx, "task_released", agentID, taskID, string(existing.Status), string(TaskUnassigned), nil); err != nil {
			return err
		}
		if err := updateAgentStatusFromCapacityTx(ctx, tx, agentID); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(TaskUnassigned)})
	return task, nil
}

// Accept transitions an offered task to pending for the agent it was
// offered to. Only that agent may accept.
func (s *Store) Accept(ctx context.Context, taskID, agentID string) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', agent_id = ?, accepted_at = CURRENT_TIMESTAMP,
				offered_to = NULL, offered_at = NULL, last_updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND offered_to = ? AND status = 'offered';
		`, agentID, taskID, agentID)
		if err != nil {
			return fmt.Errorf("accept task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if _, getErr := getTaskTx(ctx, tx, taskID); errors.Is(getErr, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return ErrOfferConflict
		}
		if err := appendEventTx(ctx, tx, "task_accepted", agentID, taskID, string(TaskOffered), string(TaskPending), nil); err != nil {
			return err
		}
		if err := updateAgentStatusFromCapacityTx(ctx, tx, agentID); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: string(TaskOffered), NewStatus: string(TaskPending), AgentID: agentID})
	return task, nil
}

// Reject returns an offered task to the pool, recording why. Only the agent
// it was offered to may reject.
func (s *Store) Reject(ctx context.Context, taskID, agentID, reason string) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'unassigned', offered_to = NULL, offered_at = NULL,
				rejection_reason = NULLIF(?, ''), last_updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND offered_to = ? AND status = 'offered';
		`, reason, taskID, agentID)
		if err != nil {
			return fmt.Errorf("reject task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if _, getErr := getTaskTx(ctx, tx, taskID); errors.Is(getErr, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return ErrOfferConflict
		}
		if err := appendEventTx(ctx, tx, "task_rejected", agentID, taskID, string(TaskOffered), string(TaskUnassigned), map[string]any{"reason": reason}); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: string(TaskOffered), NewStatus: string(TaskUnassigned)})
	return task, nil
}

// Start transitions a pending task, owned by agentID, to in_progress.
func (s *Store) Start(ctx context.Context, taskID, agentID string) (Task, error) {
	return s.conditionalTransition(ctx, taskID, agentID, TaskPending, TaskInProgress, "task_status_change", nil)
}

// UpdateProgress records a progress snapshot on an in-flight task.
func (s *Store) UpdateProgress(ctx context.Context, taskID, agentID, progress string) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET progress = ?, last_updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND agent_id = ? AND status IN ('pending', 'in_progress', 'paused');
		`, progress, taskID, agentID)
		if err != nil {
			return fmt.Errorf("update task progress: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: task is not active for this agent", ErrInvalidTransition)
		}
		if err := appendEventTx(ctx, tx, "task_progress", agentID, taskID, "", progress, nil); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskProgress, task)
	return task, nil
}

// Complete marks a task completed with an optional output, from any
// non-terminal active state (pending, in_progress, or paused).
func (s *Store) Complete(ctx context.Context, taskID, output string) (Task, error) {
	return s.finishTask(ctx, taskID, TaskCompleted, map[string]any{"output": output}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET output = NULLIF(?, '') WHERE id = ?;`, output, taskID)
		return err
	})
}

// Fail marks a task failed with a reason, from any non-terminal active state.
func (s *Store) Fail(ctx context.Context, taskID, reason string) (Task, error) {
	return s.finishTask(ctx, taskID, TaskFailed, map[string]any{"reason": reason}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET failure_reason = NULLIF(?, '') WHERE id = ?;`, reason, taskID)
		return err
	})
}

// Cancel marks a task cancelled. Allowed only from non-terminal states, and
// only by the lead or the task's creator.
func (s *Store) Cancel(ctx context.Context, taskID, callerAgentID string, isLead bool, reason string) (Task, error) {
	existing, err := s.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !isLead && existing.CreatorAgentID != callerAgentID {
		return Task{}, ErrNotAuthorized
	}
	return s.finishTask(ctx, taskID, TaskCancelled, map[string]any{"reason": reason}, func(tx *sql.Tx) error {
		if reason != "" {
			_, err := tx.ExecContext(ctx, `UPDATE tasks SET failure_reason = ? WHERE id = ?;`, reason, taskID)
			return err
		}
		return nil
	})
}

// finishTask is the shared conditional-update path for complete/fail/cancel:
// any non-terminal status moves to the given terminal status, finishedAt is
// stamped once, and the occupied agent's capacity status is recomputed.
func (s *Store) finishTask(ctx context.Context, taskID string, newStatus TaskStatus, meta map[string]any, extra func(tx *sql.Tx) error) (Task, error) {
	var task Task
	var oldStatus string
	var agentID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return err
		}
		if existing.Status.IsTerminal() {
			return fmt.Errorf("%w: task is already %s", ErrInvalidTransition, existing.Status)
		}
		oldStatus = string(existing.Status)
		agentID = existing.AgentID

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, finished_at = CURRENT_TIMESTAMP, last_updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled');
		`, newStatus, taskID)
		if err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: task is already terminal", ErrInvalidTransition)
		}
		if extra != nil {
			if err := extra(tx); err != nil {
				return fmt.Errorf("finish task extra update: %w", err)
			}
		}
		if err := appendEventTx(ctx, tx, "task_status_change", "", taskID, oldStatus, string(newStatus), meta); err != nil {
			return err
		}
		if agentID != "" {
			if err := updateAgentStatusFromCapacityTx(ctx, tx, agentID); err != nil {
				return err
			}
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	topic := bus.TopicTaskCompleted
	switch newStatus {
	case TaskFailed:
		topic = bus.TopicTaskFailed
	case TaskCancelled:
		topic = bus.TopicTaskCancelled
	}
	s.publish(topic, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: oldStatus, NewStatus: string(newStatus), AgentID: agentID})
	return task, nil
}

// conditionalTransition is a small helper for simple single-state-to-single-state
// moves that also require ownership by the acting agent.
func (s *Store) conditionalTransition(ctx context.Context, taskID, agentID string, from, to TaskStatus, eventType string, meta map[string]any) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, last_updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND agent_id = ? AND status = ?;
		`, to, taskID, agentID, from)
		if err != nil {
			return fmt.Errorf("transition task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if _, getErr := getTaskTx(ctx, tx, taskID); errors.Is(getErr, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("%w: expected status %s", ErrInvalidTransition, from)
		}
		if err := appendEventTx(ctx, tx, eventType, agentID, taskID, string(from), string(to), meta); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: string(from), NewStatus: string(to), AgentID: agentID})
	return task, nil
}

// ToBacklog moves an unassigned task into the backlog, out of the active pool.
func (s *Store) ToBacklog(ctx context.Context, taskID string) (Task, error) {
	return s.poolTransition(ctx, taskID, TaskUnassigned, TaskBacklog)
}

// FromBacklog returns a backlog task to the active unassigned pool.
func (s *Store) FromBacklog(ctx context.Context, taskID string) (Task, error) {
	return s.poolTransition(ctx, taskID, TaskBacklog, TaskUnassigned)
}

func (s *Store) poolTransition(ctx context.Context, taskID string, from, to TaskStatus) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, last_updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, to, taskID, from)
		if err != nil {
			return fmt.Errorf("pool transition: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if _, getErr := getTaskTx(ctx, tx, taskID); errors.Is(getErr, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("%w: expected status %s", ErrInvalidTransition, from)
		}
		if err := appendEventTx(ctx, tx, "task_status_change", "", taskID, string(from), string(to), nil); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}
