package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-claw/internal/bus"
)

// ErrAgentNotFound is returned when a lookup by id or name finds no row.
var ErrAgentNotFound = errors.New("agent not found")

// ErrDuplicateAgent is returned when join() collides on id or name.
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrLeadExists is returned when join(lead=true) is attempted while another
// agent already holds the lead role.
var ErrLeadExists = errors.New("a lead agent already exists")

// JoinOptions configures Join's optional fields.
type JoinOptions struct {
	ID           string // if empty, the store mints a UUID
	IsLead       bool
	Role         string
	Description  string
	Capabilities []string
	MaxTasks     int // defaults to 1
}

// Join registers a new agent. Fails if another agent already has the same
// id or name, or if IsLead is requested while a lead already exists.
func (s *Store) Join(ctx context.Context, name string, opts JoinOptions) (Agent, error) {
	id := opts.ID
	if id == "" {
		id = newID()
	}
	maxTasks := opts.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}
	caps, err := json.Marshal(nonNilStrings(opts.Capabilities))
	if err != nil {
		return Agent{}, fmt.Errorf("marshal capabilities: %w", err)
	}

	var agent Agent
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if opts.IsLead {
			var existingLead string
			err := tx.QueryRowContext(ctx, `SELECT id FROM agents WHERE is_lead = 1 LIMIT 1;`).Scan(&existingLead)
			if err == nil {
				return ErrLeadExists
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("check existing lead: %w", err)
			}
		}

		var dupCount int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ? OR name = ?;`, id, name).Scan(&dupCount); err != nil {
			return fmt.Errorf("check duplicate agent: %w", err)
		}
		if dupCount > 0 {
			return ErrDuplicateAgent
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, is_lead, status, role, description, capabilities, max_tasks, created_at, last_updated_at)
			VALUES (?, ?, ?, 'idle', NULLIF(?, ''), NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, name, boolToInt(opts.IsLead), opts.Role, opts.Description, string(caps), maxTasks)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}

		if err := appendEventTx(ctx, tx, "agent_joined", id, "", "", "", map[string]any{"name": name, "is_lead": opts.IsLead}); err != nil {
			return err
		}

		agent, err = getAgentTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return Agent{}, err
	}
	s.publish(bus.TopicAgentRegistered, agent)
	return agent, nil
}

func getAgentTx(ctx context.Context, tx *sql.Tx, id string) (Agent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, is_lead, status, COALESCE(role, ''), COALESCE(description, ''), capabilities, max_tasks, created_at, last_updated_at
		FROM agents WHERE id = ?;
	`, id)
	return scanAgent(row)
}

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var a Agent
	var isLead int
	var capsJSON string
	var createdAt, updatedAt time.Time
	if err := row.Scan(&a.ID, &a.Name, &isLead, &a.Status, &a.Role, &a.Description, &capsJSON, &a.MaxTasks, &createdAt, &updatedAt); err != nil {
		return Agent{}, err
	}
	a.IsLead = isLead != 0
	a.CreatedAt = createdAt
	a.LastUpdatedAt = updatedAt
	_ = json.Unmarshal([]byte(capsJSON), &a.Capabilities)
	return a, nil
}

// GetAgent looks up an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_lead, status, COALESCE(role, ''), COALESCE(description, ''), capabilities, max_tasks, created_at, last_updated_at
		FROM agents WHERE id = ?;
	`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName looks up an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_lead, status, COALESCE(role, ''), COALESCE(description, ''), capabilities, max_tasks, created_at, last_updated_at
		FROM agents WHERE name = ?;
	`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent by name: %w", err)
	}
	return a, nil
}

// GetLead returns the single lead agent, if one exists.
func (s *Store) GetLead(ctx context.Context) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_lead, status, COALESCE(role, ''), COALESCE(description, ''), capabilities, max_tasks, created_at, last_updated_at
		FROM agents WHERE is_lead = 1 LIMIT 1;
	`)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get lead: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by join time.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_lead, status, COALESCE(role, ''), COALESCE(description, ''), capabilities, max_tasks, created_at, last_updated_at
		FROM agents ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateStatus sets an agent's status and emits agent_status_change with
// the old and new values.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	var oldStatus string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?;`, id).Scan(&oldStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAgentNotFound
			}
			return fmt.Errorf("read agent status: %w", err)
		}
		if oldStatus == string(status) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, last_updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, id); err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}
		return appendEventTx(ctx, tx, "agent_status_change", id, "", oldStatus, string(status), nil)
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicAgentStatusChange, map[string]string{"agentId": id, "oldStatus": oldStatus, "newStatus": string(status)})
	return nil
}

// ProfileUpdate holds the partial fields updateProfile may change. A nil
// pointer means "leave unchanged".
type ProfileUpdate struct {
	Role         *string
	Description  *string
	Capabilities *[]string
}

// UpdateProfile applies a partial update to an agent's descriptive fields.
func (s *Store) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (Agent, error) {
	var agent Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getAgentTx(ctx, tx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAgentNotFound
			}
			return fmt.Errorf("read agent: %w", err)
		}
		role := existing.Role
		if upd.Role != nil {
			role = *upd.Role
		}
		desc := existing.Description
		if upd.Description != nil {
			desc = *upd.Description
		}
		capsSlice := existing.Capabilities
		if upd.Capabilities != nil {
			capsSlice = *upd.Capabilities
		}
		caps, err := json.Marshal(nonNilStrings(capsSlice))
		if err != nil {
			return fmt.Errorf("marshal capabilities: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET role = NULLIF(?, ''), description = NULLIF(?, ''), capabilities = ?, last_updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, role, desc, string(caps), id); err != nil {
			return fmt.Errorf("update agent profile: %w", err)
		}
		agent, err = getAgentTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// DeleteAgent removes an agent. Owned tasks and services cascade-delete by
// foreign key; this also clears the agent as an offer target elsewhere.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrAgentNotFound
		}
		return appendEventTx(ctx, tx, "agent_left", id, "", "", "", nil)
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicAgentRemoved, map[string]string{"agentId": id})
	return nil
}

// HasCapacity reports whether an agent can accept another active task:
// (pending + in_progress) count < maxTasks.
func (s *Store) HasCapacity(ctx context.Context, agentID string) (bool, error) {
	return hasCapacityTx(ctx, s.db, agentID)
}

// queryRowScanner is satisfied by both *sql.DB and *sql.Tx for read helpers
// that are useful both inside and outside a transaction.
type queryRowScanner interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func hasCapacityTx(ctx context.Context, q queryRowScanner, agentID string) (bool, error) {
	var maxTasks, active int
	err := q.QueryRowContext(ctx, `SELECT max_tasks FROM agents WHERE id = ?;`, agentID).Scan(&maxTasks)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrAgentNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read agent capacity: %w", err)
	}
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE agent_id = ? AND status IN ('pending', 'in_progress');
	`, agentID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("count active tasks: %w", err)
	}
	return active < maxTasks, nil
}

// updateAgentStatusFromCapacityTx sets busy if the agent has any active
// task, else idle. Called on every task transition that changes occupancy.
func updateAgentStatusFromCapacityTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	if agentID == "" {
		return nil
	}
	var active int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE agent_id = ? AND status IN ('pending', 'in_progress');
	`, agentID).Scan(&active); err != nil {
		return fmt.Errorf("count active tasks for capacity: %w", err)
	}
	newStatus := string(AgentIdle)
	if active > 0 {
		newStatus = string(AgentBusy)
	}
	var oldStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?;`, agentID).Scan(&oldStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil // agent was deleted concurrently; nothing to update
		}
		return fmt.Errorf("read agent status for capacity update: %w", err)
	}
	if oldStatus == newStatus || oldStatus == string(AgentOffline) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, newStatus, agentID); err != nil {
		return fmt.Errorf("update agent status from capacity: %w", err)
	}
	return appendEventTx(ctx, tx, "agent_status_change", agentID, "", oldStatus, newStatus, map[string]any{"reason": "capacity"})
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
