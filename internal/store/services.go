package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-claw/internal/bus"
)

var (
	ErrServiceNotFound = errors.New("service not found")
)

// UpsertServiceOptions configures UpsertService's optional fields.
type UpsertServiceOptions struct {
	Port            int
	URL             string
	HealthCheckPath string // defaults to "/health"
	Script          string
	Cwd             string
	Interpreter     string
	Args            []string
	Env             map[string]string
	Metadata        map[string]string
}

// UpsertService creates or replaces the runtime fields of a service unique
// per (agentId, name); the identity (id) is preserved across replacement.
func (s *Store) UpsertService(ctx context.Context, agentID, name string, opts UpsertServiceOptions) (Service, error) {
	healthPath := opts.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	argsJSON, err := json.Marshal(nonNilStrings(opts.Args))
	if err != nil {
		return Service{}, fmt.Errorf("marshal args: %w", err)
	}
	envJSON, err := json.Marshal(nonNilMap(opts.Env))
	if err != nil {
		return Service{}, fmt.Errorf("marshal env: %w", err)
	}
	metaJSON, err := json.Marshal(nonNilMap(opts.Metadata))
	if err != nil {
		return Service{}, fmt.Errorf("marshal metadata: %w", err)
	}

	var service Service
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM services WHERE agent_id = ? AND name = ?;`, agentID, name).Scan(&existingID)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE services SET port = ?, url = NULLIF(?, ''), health_check_path = ?, script = NULLIF(?, ''),
					cwd = NULLIF(?, ''), interpreter = NULLIF(?, ''), args = ?, env = ?, metadata = ?,
					last_updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, opts.Port, opts.URL, healthPath, opts.Script, opts.Cwd, opts.Interpreter, string(argsJSON), string(envJSON), string(metaJSON), existingID)
			if err != nil {
				return fmt.Errorf("update service: %w", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			existingID = newID()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO services (id, agent_id, name, port, url, health_check_path, status, script, cwd, interpreter, args, env, metadata, created_at, last_updated_at)
				VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, 'starting', NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, existingID, agentID, name, opts.Port, opts.URL, healthPath, opts.Script, opts.Cwd, opts.Interpreter, string(argsJSON), string(envJSON), string(metaJSON))
			if err != nil {
				return fmt.Errorf("insert service: %w", err)
			}
			if err := appendEventTx(ctx, tx, "service_registered", agentID, "", "", name, nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("check existing service: %w", err)
		}
		service, err = getServiceTx(ctx, tx, existingID)
		return err
	})
	if err != nil {
		return Service{}, err
	}
	s.publish(bus.TopicServiceRegistered, service)
	return service, nil
}

func getServiceTx(ctx context.Context, tx *sql.Tx, id string) (Service, error) {
	row := tx.QueryRowContext(ctx, serviceSelectColumns+` FROM services WHERE id = ?;`, id)
	return scanService(row)
}

const serviceSelectColumns = `
	SELECT id, agent_id, name, port, COALESCE(url, ''), health_check_path, status,
		COALESCE(script, ''), COALESCE(cwd, ''), COALESCE(interpreter, ''), args, env, metadata,
		created_at, last_updated_at
`

func scanService(row interface{ Scan(...any) error }) (Service, error) {
	var svc Service
	var argsJSON, envJSON, metaJSON string
	if err := row.Scan(&svc.ID, &svc.AgentID, &svc.Name, &svc.Port, &svc.URL, &svc.HealthCheckPath, &svc.Status,
		&svc.Script, &svc.Cwd, &svc.Interpreter, &argsJSON, &envJSON, &metaJSON, &svc.CreatedAt, &svc.LastUpdatedAt); err != nil {
		return Service{}, err
	}
	_ = json.Unmarshal([]byte(argsJSON), &svc.Args)
	_ = json.Unmarshal([]byte(envJSON), &svc.Env)
	_ = json.Unmarshal([]byte(metaJSON), &svc.Metadata)
	return svc, nil
}

// UpdateServiceStatus sets a service's health status, emitting
// service_status_change only when the value actually changes.
func (s *Store) UpdateServiceStatus(ctx context.Context, serviceID string, status ServiceStatus) (Service, error) {
	var service Service
	var oldStatus string
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT status FROM services WHERE id = ?;`, serviceID).Scan(&oldStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrServiceNotFound
			}
			return fmt.Errorf("read service status: %w", err)
		}
		if oldStatus != string(status) {
			changed = true
			if _, err := tx.ExecContext(ctx, `
				UPDATE services SET status = ?, last_updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, status, serviceID); err != nil {
				return fmt.Errorf("update service status: %w", err)
			}
			if err := appendEventTx(ctx, tx, "service_status_change", "", "", oldStatus, string(status), map[string]any{"serviceId": serviceID}); err != nil {
				return err
			}
		}
		var err error
		service, err = getServiceTx(ctx, tx, serviceID)
		return err
	})
	if err != nil {
		return Service{}, err
	}
	if changed {
		s.publish(bus.TopicServiceStatusChange, bus.ServiceStatusChangedEvent{ServiceID: serviceID, AgentID: service.AgentID, OldStatus: oldStatus, NewStatus: string(status)})
	}
	return service, nil
}

// UnregisterService removes a service; restricted by the caller to the
// owning agent via the requesterAgentID check.
func (s *Store) UnregisterService(ctx context.Context, serviceID, requesterAgentID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var ownerID, name string
		if err := tx.QueryRowContext(ctx, `SELECT agent_id, name FROM services WHERE id = ?;`, serviceID).Scan(&ownerID, &name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrServiceNotFound
			}
			return fmt.Errorf("read service owner: %w", err)
		}
		if ownerID != requesterAgentID {
			return ErrNotAuthorized
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE id = ?;`, serviceID); err != nil {
			return fmt.Errorf("delete service: %w", err)
		}
		return appendEventTx(ctx, tx, "service_unregistered", ownerID, "", "", name, nil)
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicServiceRemoved, map[string]string{"serviceId": serviceID})
	return nil
}

// ListedService denormalizes a service with its owning agent's name for
// display surfaces.
type ListedService struct {
	Service
	AgentName string
}

// ListServicesFilter narrows ListServices.
type ListServicesFilter struct {
	Status     ServiceStatus
	NamePrefix string
	AgentID    string
}

// ListServices returns services matching filter, denormalized with owner names.
func (s *Store) ListServices(ctx context.Context, filter ListServicesFilter) ([]ListedService, error) {
	where := []string{"1=1"}
	var args []any
	if filter.Status != "" {
		where = append(where, "s.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.NamePrefix != "" {
		where = append(where, "s.name LIKE ?")
		args = append(args, filter.NamePrefix+"%")
	}
	if filter.AgentID != "" {
		where = append(where, "s.agent_id = ?")
		args = append(args, filter.AgentID)
	}

	query := `
		SELECT s.id, s.agent_id, s.name, s.port, COALESCE(s.url, ''), s.health_check_path, s.status,
			COALESCE(s.script, ''), COALESCE(s.cwd, ''), COALESCE(s.interpreter, ''), s.args, s.env, s.metadata,
			s.created_at, s.last_updated_at, a.name
		FROM services s JOIN agents a ON a.id = s.agent_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY s.last_updated_at DESC;
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []ListedService
	for rows.Next() {
		var ls ListedService
		var argsJSON, envJSON, metaJSON string
		if err := rows.Scan(&ls.ID, &ls.AgentID, &ls.Name, &ls.Port, &ls.URL, &ls.HealthCheckPath, &ls.Status,
			&ls.Script, &ls.Cwd, &ls.Interpreter, &argsJSON, &envJSON, &metaJSON, &ls.CreatedAt, &ls.LastUpdatedAt, &ls.AgentName); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(argsJSON), &ls.Args)
		_ = json.Unmarshal([]byte(envJSON), &ls.Env)
		_ = json.Unmarshal([]byte(metaJSON), &ls.Metadata)
		out = append(out, ls)
	}
	return out, rows.Err()
}

func nonNilMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
