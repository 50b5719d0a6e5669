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
	ErrChannelNotFound = errors.New("channel not found")
	ErrDuplicateChannel = errors.New("channel already exists")
	ErrMessageNotFound  = errors.New("message not found")
)

const taskCreatePrefix = "/task "
const mentionExcerptLen = 80

// CreateChannelOptions configures CreateChannel's optional fields.
type CreateChannelOptions struct {
	Type         ChannelType // defaults to ChannelPublic
	Description  string
	CreatedBy    string
	Participants []string
}

// CreateChannel registers a new channel. Names must be unique.
func (s *Store) CreateChannel(ctx context.Context, name string, opts CreateChannelOptions) (Channel, error) {
	cType := opts.Type
	if cType == "" {
		cType = ChannelPublic
	}
	id := newID()
	var channel Channel
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var dup int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE name = ?;`, name).Scan(&dup); err != nil {
			return fmt.Errorf("check duplicate channel: %w", err)
		}
		if dup > 0 {
			return ErrDuplicateChannel
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, name, description, type, created_by, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, id, name, opts.Description, cType, opts.CreatedBy)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
		for _, agentID := range opts.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO channel_participants (channel_id, agent_id) VALUES (?, ?);
			`, id, agentID); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		channel, err = getChannelTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return Channel{}, err
	}
	s.publish(bus.TopicChannelCreated, channel)
	return channel, nil
}

func getChannelTx(ctx context.Context, tx *sql.Tx, id string) (Channel, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), type, COALESCE(created_by, ''), created_at
		FROM channels WHERE id = ?;
	`, id)
	ch, err := scanChannel(row)
	if err != nil {
		return Channel{}, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT agent_id FROM channel_participants WHERE channel_id = ?;`, id)
	if err != nil {
		return Channel{}, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return Channel{}, err
		}
		ch.Participants = append(ch.Participants, agentID)
	}
	return ch, rows.Err()
}

func scanChannel(row interface{ Scan(...any) error }) (Channel, error) {
	var ch Channel
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Description, &ch.Type, &ch.CreatedBy, &ch.CreatedAt); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// GetChannel looks up a channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), type, COALESCE(created_by, ''), created_at
		FROM channels WHERE id = ?;
	`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM channel_participants WHERE channel_id = ?;`, id)
	if err != nil {
		return Channel{}, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return Channel{}, err
		}
		ch.Participants = append(ch.Participants, agentID)
	}
	return ch, rows.Err()
}

// ListChannels returns every channel, newest first.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), type, COALESCE(created_by, ''), created_at
		FROM channels ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// PostMessageOptions configures PostMessage's optional fields.
type PostMessageOptions struct {
	ReplyToID string
	Mentions  []string
}

// PostMessageResult is PostMessage's return value; CreatedTaskIDs is
// populated only when the content carried a "/task " prefix.
type PostMessageResult struct {
	Message        ChannelMessage
	CreatedTaskIDs []string
}

// PostMessage inserts a channel message and, when content begins with the
// literal "/task " prefix, promotes each uniquely-resolved mention into a
// direct-assigned task in the same transaction, then rewrites the stored
// body to append a link-back line. Self-mentions are permitted. Without the
// prefix, mentions never create tasks, though they are still recorded.
//
// When the message is a reply and the caller supplied no mentions, mentions
// are inherited from the parent message for notification purposes only;
// inherited mentions never trigger task creation even under the prefix,
// since the prefix must be present in the reply's own content.
func (s *Store) PostMessage(ctx context.Context, channelID, agentID, content string, opts PostMessageOptions) (PostMessageResult, error) {
	mentions := append([]string{}, opts.Mentions...)
	if opts.ReplyToID != "" && len(mentions) == 0 {
		if parent, err := s.GetMessage(ctx, opts.ReplyToID); err == nil {
			mentions = append(mentions, parent.Mentions...)
		}
	}

	trimmed := strings.TrimLeft(content, " \t")
	isTaskPost := strings.HasPrefix(trimmed, taskCreatePrefix)
	body := content
	if isTaskPost {
		body = strings.TrimPrefix(trimmed, taskCreatePrefix)
	}

	var result PostMessageResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getChannelTx(ctx, tx, channelID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrChannelNotFound
			}
			return err
		}

		mentionsJSON, err := json.Marshal(nonNilStrings(mentions))
		if err != nil {
			return fmt.Errorf("marshal mentions: %w", err)
		}

		id := newID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO channel_messages (id, channel_id, agent_id, content, reply_to_id, mentions, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, id, channelID, agentID, body, opts.ReplyToID, string(mentionsJSON))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		var createdIDs []string
		if isTaskPost {
			channel, err := getChannelTx(ctx, tx, channelID)
			if err != nil {
				return err
			}
			senderName := "Human"
			if agentID != "" {
				if a, err := getAgentTx(ctx, tx, agentID); err == nil {
					senderName = a.Name
				}
			}
			excerpt := body
			if len(excerpt) > mentionExcerptLen {
				excerpt = excerpt[:mentionExcerptLen]
			}

			seen := map[string]bool{}
			for _, mention := range mentions {
				if seen[mention] {
					continue
				}
				seen[mention] = true
				target, err := getAgentTx(ctx, tx, mention)
				if err != nil {
					continue // unresolved mention: skip, per "zero resolvable mentions creates zero tasks"
				}
				taskID := newID()
				desc := fmt.Sprintf("%s mentioned you in #%s: %s", senderName, channel.Name, excerpt)
				taskTagsJSON, _ := json.Marshal([]string{})
				dependsJSON, _ := json.Marshal([]string{})
				_, err = tx.ExecContext(ctx, `
					INSERT INTO tasks (id, task, status, source, agent_id, creator_agent_id, tags, priority, depends_on,
						external_channel_id, created_at, last_updated_at)
					VALUES (?, ?, 'pending', 'mcp', ?, ?, ?, 50, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
				`, taskID, desc, target.ID, agentID, string(taskTagsJSON), string(dependsJSON), channelID)
				if err != nil {
					return fmt.Errorf("insert promoted task: %w", err)
				}
				if err := appendEventTx(ctx, tx, "task_created", agentID, taskID, "", string(TaskPending), map[string]any{"source": "channel_mention"}); err != nil {
					return err
				}
				if err := updateAgentStatusFromCapacityTx(ctx, tx, target.ID); err != nil {
					return err
				}
				createdIDs = append(createdIDs, taskID)
			}

			if len(createdIDs) > 0 {
				shortIDs := make([]string, len(createdIDs))
				for i, tid := range createdIDs {
					shortIDs[i] = shortID(tid)
				}
				body = body + "\n\n→ Created: " + strings.Join(shortIDs, ", ")
				if _, err := tx.ExecContext(ctx, `UPDATE channel_messages SET content = ? WHERE id = ?;`, body, id); err != nil {
					return fmt.Errorf("rewrite message body: %w", err)
				}
			}
		}

		if err := appendEventTx(ctx, tx, "channel_message", agentID, "", "", "", map[string]any{"channelId": channelID, "messageId": id}); err != nil {
			return err
		}

		msg, err := getMessageTx(ctx, tx, id)
		if err != nil {
			return err
		}
		result = PostMessageResult{Message: msg, CreatedTaskIDs: createdIDs}
		return nil
	})
	if err != nil {
		return PostMessageResult{}, err
	}
	s.publish(bus.TopicChannelMessage, bus.ChannelMessageEvent{MessageID: result.Message.ID, ChannelID: channelID, AgentID: agentID, Mentions: mentions})
	if len(mentions) > 0 {
		s.publish(bus.TopicChannelMention, result.Message)
	}
	return result, nil
}

// shortID returns an 8-character prefix of a UUID for UI linkback text.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func getMessageTx(ctx context.Context, tx *sql.Tx, id string) (ChannelMessage, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, channel_id, COALESCE(agent_id, ''), content, COALESCE(reply_to_id, ''), mentions, created_at
		FROM channel_messages WHERE id = ?;
	`, id)
	return scanMessage(row)
}

func scanMessage(row interface{ Scan(...any) error }) (ChannelMessage, error) {
	var m ChannelMessage
	var mentionsJSON string
	if err := row.Scan(&m.ID, &m.ChannelID, &m.AgentID, &m.Content, &m.ReplyToID, &mentionsJSON, &m.CreatedAt); err != nil {
		return ChannelMessage{}, err
	}
	_ = json.Unmarshal([]byte(mentionsJSON), &m.Mentions)
	return m, nil
}

// GetMessage looks up a single message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (ChannelMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, COALESCE(agent_id, ''), content, COALESCE(reply_to_id, ''), mentions, created_at
		FROM channel_messages WHERE id = ?;
	`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return ChannelMessage{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetMessagesOptions bounds GetMessages.
type GetMessagesOptions struct {
	Limit  int
	Since  *time.Time
	Before *time.Time
}

// GetMessages returns a channel's messages, newest first, bounded by Since/Before.
func (s *Store) GetMessages(ctx context.Context, channelID string, opts GetMessagesOptions) ([]ChannelMessage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	where := []string{"channel_id = ?"}
	args := []any{channelID}
	if opts.Since != nil {
		where = append(where, "created_at > ?")
		args = append(args, *opts.Since)
	}
	if opts.Before != nil {
		where = append(where, "created_at < ?")
		args = append(args, *opts.Before)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, COALESCE(agent_id, ''), content, COALESCE(reply_to_id, ''), mentions, created_at
		FROM channel_messages WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	var out []ChannelMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetThread returns a parent message's replies in chronological order.
func (s *Store) GetThread(ctx context.Context, channelID, parentID string) ([]ChannelMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, COALESCE(agent_id, ''), content, COALESCE(reply_to_id, ''), mentions, created_at
		FROM channel_messages WHERE channel_id = ? AND reply_to_id = ? ORDER BY created_at ASC;
	`, channelID, parentID)
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	defer rows.Close()
	var out []ChannelMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateReadState upserts lastReadAt = now for an agent/channel pair.
// Idempotent within the same clock tick.
func (s *Store) UpdateReadState(ctx context.Context, agentID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_read_state (agent_id, channel_id, last_read_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id, channel_id) DO UPDATE SET last_read_at = CURRENT_TIMESTAMP;
	`, agentID, channelID)
	if err != nil {
		return fmt.Errorf("update read state: %w", err)
	}
	return nil
}

// GetUnread returns messages posted after the agent's last read time for a
// channel, or all messages if the agent has never read it.
func (s *Store) GetUnread(ctx context.Context, agentID, channelID string) ([]ChannelMessage, error) {
	var lastRead sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT last_read_at FROM channel_read_state WHERE agent_id = ? AND channel_id = ?;
	`, agentID, channelID).Scan(&lastRead)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read channel read state: %w", err)
	}

	query := `
		SELECT id, channel_id, COALESCE(agent_id, ''), content, COALESCE(reply_to_id, ''), mentions, created_at
		FROM channel_messages WHERE channel_id = ?`
	args := []any{channelID}
	if lastRead.Valid {
		query += " AND created_at > ?"
		args = append(args, lastRead.Time)
	}
	query += " ORDER BY created_at ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get unread: %w", err)
	}
	defer rows.Close()
	var out []ChannelMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AnnotatedMessage pairs a channel message with its author's display name
// and channel name, for cross-channel unread listings where the channel
// isn't otherwise implied.
type AnnotatedMessage struct {
	Message     ChannelMessage
	AgentName   string
	ChannelName string
}

// GetUnreadAcrossChannels returns, per channel the agent has unread messages
// in, the newest limit messages posted after the agent's last read time,
// newest first within each channel. AgentName is annotated "name in
// #channel" so a flattened listing across channels stays disambiguated.
// When markRead is true, every channel touched has its read state advanced
// to now as a side effect, all inside one transaction.
func (s *Store) GetUnreadAcrossChannels(ctx context.Context, agentID string, limit int, markRead bool) ([]AnnotatedMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []AnnotatedMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			WITH unread AS (
				SELECT cm.id, cm.channel_id, COALESCE(cm.agent_id, '') AS agent_id, cm.content,
				       COALESCE(cm.reply_to_id, '') AS reply_to_id, cm.mentions, cm.created_at,
				       c.name AS channel_name, COALESCE(a.name, 'Human') AS agent_name,
				       ROW_NUMBER() OVER (PARTITION BY cm.channel_id ORDER BY cm.created_at DESC) AS rn
				FROM channel_messages cm
				JOIN channels c ON c.id = cm.channel_id
				LEFT JOIN agents a ON a.id = cm.agent_id
				WHERE cm.created_at > COALESCE(
					(SELECT last_read_at FROM channel_read_state WHERE agent_id = ? AND channel_id = cm.channel_id),
					'1970-01-01'
				) AND COALESCE(cm.agent_id, '') != ?
			)
			SELECT id, channel_id, agent_id, content, reply_to_id, mentions, created_at, channel_name, agent_name
			FROM unread WHERE rn <= ?
			ORDER BY channel_id, created_at DESC;
		`, agentID, agentID, limit)
		if err != nil {
			return fmt.Errorf("get unread across channels: %w", err)
		}
		defer rows.Close()

		seen := map[string]bool{}
		for rows.Next() {
			var am AnnotatedMessage
			var mentionsJSON string
			if err := rows.Scan(&am.Message.ID, &am.Message.ChannelID, &am.Message.AgentID, &am.Message.Content,
				&am.Message.ReplyToID, &mentionsJSON, &am.Message.CreatedAt, &am.ChannelName, &am.AgentName); err != nil {
				return err
			}
			_ = json.Unmarshal([]byte(mentionsJSON), &am.Message.Mentions)
			am.AgentName = am.AgentName + " in #" + am.ChannelName
			out = append(out, am)
			seen[am.Message.ChannelID] = true
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if markRead {
			for channelID := range seen {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO channel_read_state (agent_id, channel_id, last_read_at) VALUES (?, ?, CURRENT_TIMESTAMP)
					ON CONFLICT(agent_id, channel_id) DO UPDATE SET last_read_at = CURRENT_TIMESTAMP;
				`, agentID, channelID); err != nil {
					return fmt.Errorf("mark channel read: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MentionedMessage pairs a message with the channel it was posted in, for
// cross-channel mention listings.
type MentionedMessage struct {
	Message     ChannelMessage
	ChannelName string
}

// GetMentionsForAgentOptions narrows GetMentionsForAgent.
type GetMentionsForAgentOptions struct {
	UnreadOnly bool
	ChannelID  string
}

// queryer is satisfied by both *sql.DB and *sql.Tx, letting read helpers run
// either standalone or as part of a caller's transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetMentionsForAgent returns messages mentioning an agent, newest first.
func (s *Store) GetMentionsForAgent(ctx context.Context, agentID string, opts GetMentionsForAgentOptions) ([]MentionedMessage, error) {
	return getMentionsForAgent(ctx, s.db, agentID, opts)
}

func getMentionsForAgent(ctx context.Context, q queryer, agentID string, opts GetMentionsForAgentOptions) ([]MentionedMessage, error) {
	where := []string{"cm.mentions LIKE ?"}
	args := []any{"%\"" + agentID + "\"%"}
	if opts.ChannelID != "" {
		where = append(where, "cm.channel_id = ?")
		args = append(args, opts.ChannelID)
	}
	if opts.UnreadOnly {
		where = append(where, `cm.created_at > COALESCE((SELECT last_read_at FROM channel_read_state WHERE agent_id = ? AND channel_id = cm.channel_id), '1970-01-01')`)
		args = append([]any{agentID}, args...)
	}

	query := `
		SELECT cm.id, cm.channel_id, COALESCE(cm.agent_id, ''), cm.content, COALESCE(cm.reply_to_id, ''), cm.mentions, cm.created_at, c.name
		FROM channel_messages cm JOIN channels c ON c.id = cm.channel_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY cm.created_at DESC LIMIT 200;
	`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get mentions for agent: %w", err)
	}
	defer rows.Close()

	var out []MentionedMessage
	for rows.Next() {
		var mm MentionedMessage
		var mentionsJSON string
		if err := rows.Scan(&mm.Message.ID, &mm.Message.ChannelID, &mm.Message.AgentID, &mm.Message.Content,
			&mm.Message.ReplyToID, &mentionsJSON, &mm.Message.CreatedAt, &mm.ChannelName); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(mentionsJSON), &mm.Message.Mentions)
		out = append(out, mm)
	}
	return out, rows.Err()
}
