package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/go-claw/internal/store"
)

// toolResponse is the envelope every tool-call handler returns: the
// caller's own agent id, a success flag, and a human-readable message.
// Handlers embed this alongside their own result fields by writing a
// map rather than a fixed struct, since each tool's payload shape differs.
type toolResponse map[string]any

func ok(yourAgentID, message string, extra map[string]any) toolResponse {
	resp := toolResponse{
		"yourAgentId": yourAgentID,
		"success":     true,
		"message":     message,
	}
	for k, v := range extra {
		resp[k] = v
	}
	return resp
}

func fail(yourAgentID, message string) toolResponse {
	return toolResponse{
		"yourAgentId": yourAgentID,
		"success":     false,
		"message":     message,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTool(w http.ResponseWriter, resp toolResponse) {
	writeJSON(w, http.StatusOK, resp)
}

// callerAgentID extracts the caller's agent id from the X-Agent-ID header,
// the transport-layer identity every tool response is keyed on.
func callerAgentID(r *http.Request) string {
	return r.Header.Get("X-Agent-ID")
}

// storeErrorMessage maps a store sentinel error to the tool-call message
// text, per the error taxonomy: validation, not-found, authorization,
// conflict, and invariant-violation errors are all surfaced directly,
// never collapsed into a generic failure.
func storeErrorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrAgentNotFound):
		return "agent not found"
	case errors.Is(err, store.ErrDuplicateAgent):
		return "an agent with that id or name already exists"
	case errors.Is(err, store.ErrLeadExists):
		return "a lead agent already exists"
	case errors.Is(err, store.ErrTaskNotFound):
		return "task not found"
	case errors.Is(err, store.ErrClaimConflict):
		return "task was already claimed by another agent"
	case errors.Is(err, store.ErrCapacityExhausted):
		return "agent is at capacity"
	case errors.Is(err, store.ErrNotAuthorized):
		return "not authorized for this operation"
	case errors.Is(err, store.ErrInvalidTransition):
		return "task is not in a state that allows this operation"
	case errors.Is(err, store.ErrDependenciesNotReady):
		return "task dependencies are not ready"
	case errors.Is(err, store.ErrOfferConflict):
		return "task is not offered to this agent"
	case errors.Is(err, store.ErrChannelNotFound):
		return "channel not found"
	case errors.Is(err, store.ErrDuplicateChannel):
		return "a channel with that name already exists"
	case errors.Is(err, store.ErrMessageNotFound):
		return "message not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return "service not found"
	case errors.Is(err, store.ErrScheduleNotFound):
		return "schedule not found"
	case errors.Is(err, store.ErrDuplicateSchedule):
		return "a schedule with that name already exists"
	case errors.Is(err, store.ErrInvalidCron):
		return "invalid cron expression"
	case errors.Is(err, store.ErrEpicNotFound):
		return "epic not found"
	case errors.Is(err, store.ErrDuplicateEpicName):
		return "an epic with that name already exists"
	case errors.Is(err, store.ErrInboxMessageNotFound):
		return "inbox message not found"
	case errors.Is(err, store.ErrAlreadyDelegated):
		return "inbox message is already delegated"
	case errors.Is(err, store.ErrDelegateToLead):
		return "cannot delegate to a lead agent"
	default:
		return "internal error"
	}
}
