package httpapi

import (
	"net/http"

	"github.com/basket/go-claw/internal/store"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request, _ map[string]any) {
	agentID := callerAgentID(r)
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "channels", map[string]any{"channels": channels}))
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	opts := store.CreateChannelOptions{
		Type:         store.ChannelType(strField(body, "type")),
		Description:  strField(body, "description"),
		CreatedBy:    agentID,
		Participants: strSliceField(body, "participants"),
	}
	channel, err := s.store.CreateChannel(r.Context(), strField(body, "name"), opts)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "channel created", map[string]any{"channel": channel}))
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	opts := store.PostMessageOptions{
		ReplyToID: strField(body, "replyToId"),
		Mentions:  strSliceField(body, "mentions"),
	}
	result, err := s.store.PostMessage(r.Context(), strField(body, "channelId"), agentID, strField(body, "content"), opts)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "message posted", map[string]any{
		"message":        result.Message,
		"createdTaskIds": result.CreatedTaskIDs,
	}))
}

func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	channelID := strField(body, "channelId")

	if channelID == "" {
		limit := intField(body, "limit")
		messages, err := s.store.GetUnreadAcrossChannels(r.Context(), agentID, limit, boolField(body, "markRead"))
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
		writeTool(w, ok(agentID, "messages", map[string]any{"messages": messages}))
		return
	}

	opts := store.GetMessagesOptions{
		Limit: intField(body, "limit"),
	}
	if since := strField(body, "since"); since != "" {
		if t, err := parseTime(since); err == nil {
			opts.Since = &t
		}
	}
	if before := strField(body, "before"); before != "" {
		if t, err := parseTime(before); err == nil {
			opts.Before = &t
		}
	}
	messages, err := s.store.GetMessages(r.Context(), channelID, opts)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	if err := s.store.UpdateReadState(r.Context(), agentID, channelID); err != nil {
		s.logger.Warn("update read state failed", "error", err, "agentId", agentID, "channelId", channelID)
	}
	writeTool(w, ok(agentID, "messages", map[string]any{"messages": messages}))
}
