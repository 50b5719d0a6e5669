package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/go-claw/internal/bus"
)

var (
	ErrInboxMessageNotFound = errors.New("inbox message not found")
	ErrAlreadyDelegated     = errors.New("inbox message is already delegated")
	ErrDelegateToLead       = errors.New("cannot delegate to a lead agent")
)

// ReceiveInboxOptions carries the external origin of a message addressed to
// a lead.
type ReceiveInboxOptions struct {
	SlackChannelID string
	SlackThreadTS  string
	SlackUserID    string
}

// ReceiveInboxMessage records an externally-originated message for a lead to
// triage. leadAgentID must name an agent with IsLead set; callers enforce
// that before calling, since the store has no notion of "the" lead beyond
// GetLead.
func (s *Store) ReceiveInboxMessage(ctx context.Context, leadAgentID, content string, opts ReceiveInboxOptions) (InboxMessage, error) {
	id := newID()
	var msg InboxMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inbox_messages (id, agent_id, content, slack_channel_id, slack_thread_ts, slack_user_id, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, id, leadAgentID, content, opts.SlackChannelID, opts.SlackThreadTS, opts.SlackUserID)
		if err != nil {
			return fmt.Errorf("insert inbox message: %w", err)
		}
		if err := appendEventTx(ctx, tx, "inbox_message_received", leadAgentID, "", "", "", map[string]any{"inboxMessageId": id}); err != nil {
			return err
		}
		msg, err = getInboxMessageTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return InboxMessage{}, err
	}
	s.publish(bus.TopicInboxMessageReceived, msg)
	return msg, nil
}

const inboxSelectColumns = `
	SELECT id, agent_id, content, COALESCE(slack_channel_id, ''), COALESCE(slack_thread_ts, ''),
		COALESCE(slack_user_id, ''), COALESCE(delegated_task_id, ''), created_at
`

func getInboxMessageTx(ctx context.Context, tx *sql.Tx, id string) (InboxMessage, error) {
	row := tx.QueryRowContext(ctx, inboxSelectColumns+` FROM inbox_messages WHERE id = ?;`, id)
	return scanInboxMessage(row)
}

func scanInboxMessage(row interface{ Scan(...any) error }) (InboxMessage, error) {
	var m InboxMessage
	if err := row.Scan(&m.ID, &m.AgentID, &m.Content, &m.SlackChannelID, &m.SlackThreadTS, &m.SlackUserID,
		&m.DelegatedTaskID, &m.CreatedAt); err != nil {
		return InboxMessage{}, err
	}
	return m, nil
}

// GetInboxMessage looks up a message, restricted to the owning lead: callers
// pass requesterAgentID and get ErrNotAuthorized if it doesn't match.
func (s *Store) GetInboxMessage(ctx context.Context, id, requesterAgentID string) (InboxMessage, error) {
	row := s.db.QueryRowContext(ctx, inboxSelectColumns+` FROM inbox_messages WHERE id = ?;`, id)
	m, err := scanInboxMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return InboxMessage{}, ErrInboxMessageNotFound
	}
	if err != nil {
		return InboxMessage{}, fmt.Errorf("get inbox message: %w", err)
	}
	if m.AgentID != requesterAgentID {
		return InboxMessage{}, ErrNotAuthorized
	}
	return m, nil
}

// ListInboxOptions narrows ListInbox.
type ListInboxOptions struct {
	UndelegatedOnly bool
	Limit           int // defaults to 50
}

// ListInbox returns a lead's inbox messages, newest first.
func (s *Store) ListInbox(ctx context.Context, leadAgentID string, opts ListInboxOptions) ([]InboxMessage, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = 50
	}
	query := inboxSelectColumns + ` FROM inbox_messages WHERE agent_id = ?`
	args := []any{leadAgentID}
	if opts.UndelegatedOnly {
		query += ` AND delegated_task_id IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()
	var out []InboxMessage
	for rows.Next() {
		m, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delegate converts an inbox message into a task assigned to delegateAgentID,
// carrying the message's external origin forward so replies route back to
// the originating thread. Marks the message delegated irrevocably: a message
// that already names a delegatedTaskId cannot be delegated again. Delegating
// to another lead is rejected, since leads triage, they do not get triaged.
func (s *Store) Delegate(ctx context.Context, inboxMessageID, delegateAgentID, taskText string, opts CreateTaskOptions) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		msg, err := getInboxMessageTx(ctx, tx, inboxMessageID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInboxMessageNotFound
			}
			return err
		}
		if msg.DelegatedTaskID != "" {
			return ErrAlreadyDelegated
		}

		var delegateIsLead int
		if err := tx.QueryRowContext(ctx, `SELECT is_lead FROM agents WHERE id = ?;`, delegateAgentID).Scan(&delegateIsLead); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAgentNotFound
			}
			return fmt.Errorf("check delegate lead status: %w", err)
		}
		if delegateIsLead != 0 {
			return ErrDelegateToLead
		}

		opts.Source = SourceSlack
		opts.AgentID = delegateAgentID
		opts.CreatorAgentID = msg.AgentID
		opts.External = ExternalContext{
			ChannelID: msg.SlackChannelID,
			ThreadRef: msg.SlackThreadTS,
			UserID:    msg.SlackUserID,
		}

		created, err := createTaskTx(ctx, tx, taskText, opts)
		if err != nil {
			return err
		}
		task = created

		if _, err := tx.ExecContext(ctx, `
			UPDATE inbox_messages SET delegated_task_id = ? WHERE id = ?;
		`, task.ID, inboxMessageID); err != nil {
			return fmt.Errorf("mark inbox message delegated: %w", err)
		}
		return appendEventTx(ctx, tx, "task_delegated", msg.AgentID, task.ID, "", delegateAgentID, map[string]any{"inboxMessageId": inboxMessageID})
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicDelegationCreated, bus.DelegationCreatedEvent{InboxMessageID: inboxMessageID, TaskID: task.ID, AgentID: delegateAgentID})
	return task, nil
}

// InboxSummary aggregates a lead's outstanding triage load for a quick
// dashboard view, per the inbox summary surface.
type InboxSummary struct {
	UnreadMentions        int
	UnreadChannelMessages int // across every channel, excluding the lead's own posts
	UndelegatedInbox      int
	OfferedTasks          int
	UnassignedTasks       int
	InProgressTasks       int
	MentionPreviews       []MentionedMessage
}

// GetInboxSummary aggregates counts plus up to 3 recent unread mentions for
// a lead's dashboard, all read inside one transaction so the numbers are
// consistent with each other.
func (s *Store) GetInboxSummary(ctx context.Context, leadAgentID string) (InboxSummary, error) {
	var summary InboxSummary

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM inbox_messages WHERE agent_id = ? AND delegated_task_id IS NULL;
		`, leadAgentID).Scan(&summary.UndelegatedInbox); err != nil {
			return fmt.Errorf("count undelegated inbox: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks WHERE status = 'offered' AND offered_to = ?;
		`, leadAgentID).Scan(&summary.OfferedTasks); err != nil {
			return fmt.Errorf("count offered tasks: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'unassigned';`).Scan(&summary.UnassignedTasks); err != nil {
			return fmt.Errorf("count unassigned tasks: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks WHERE status = 'in_progress' AND agent_id = ?;
		`, leadAgentID).Scan(&summary.InProgressTasks); err != nil {
			return fmt.Errorf("count in-progress tasks: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM channel_messages cm
			WHERE COALESCE(cm.agent_id, '') != ?
			AND cm.created_at > COALESCE(
				(SELECT last_read_at FROM channel_read_state WHERE agent_id = ? AND channel_id = cm.channel_id),
				'1970-01-01'
			);
		`, leadAgentID, leadAgentID).Scan(&summary.UnreadChannelMessages); err != nil {
			return fmt.Errorf("count unread channel messages: %w", err)
		}

		mentions, err := getMentionsForAgent(ctx, tx, leadAgentID, GetMentionsForAgentOptions{UnreadOnly: true})
		if err != nil {
			return fmt.Errorf("get mention previews: %w", err)
		}
		summary.UnreadMentions = len(mentions)
		if len(mentions) > 3 {
			mentions = mentions[:3]
		}
		summary.MentionPreviews = mentions
		return nil
	})
	if err != nil {
		return InboxSummary{}, err
	}
	return summary, nil
}
