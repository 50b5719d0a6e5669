package httpapi

import (
	"net/http"

	"github.com/basket/go-claw/internal/store"
)

// handleTaskAction dispatches the task-pool capability's single tool,
// task-action, across its seven sub-actions per spec §6.
func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	action := strField(body, "action")

	switch action {
	case "create":
		opts := store.CreateTaskOptions{
			Source:         store.SourceMCP,
			AgentID:        strField(body, "agentId"),
			OfferedTo:      strField(body, "offeredTo"),
			CreatorAgentID: agentID,
			TaskType:       strField(body, "taskType"),
			Tags:           strSliceField(body, "tags"),
			Priority:       intField(body, "priority"),
			DependsOn:      strSliceField(body, "dependsOn"),
			ParentTaskID:   strField(body, "parentTaskId"),
			EpicID:         strField(body, "epicId"),
		}
		task, err := s.store.CreateTask(r.Context(), strField(body, "taskText"), opts)
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
		writeTool(w, ok(agentID, "task created", map[string]any{"task": task}))

	case "claim":
		task, err := s.store.Claim(r.Context(), strField(body, "taskId"), agentID)
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
		writeTool(w, ok(agentID, "task claimed", map[string]any{"task": task}))

	case "release":
		task, err := s.store.Release(r.Context(), strField(body, "taskId"), agentID)
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
		writeTool(w, ok(agentID, "task released", map[string]any{"task": task}))

	case "accept":
		task, err := s.store.Accept(r.Context(), strField(body, "taskId"), agentID)
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
		writeTool(w, ok(agentID, "task accepted", map[string]any{"task": task}))

	case "reject":
		task, err := s.store.Reject(r.Context(), strField(body, "taskId"), agentID, strField(body, "reason"))
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
		writeTool(w, ok(agentID, "task rejected", map[string]any{"task": task}))

	case "to_backlog":
		task, err := s.store.ToBacklog(r.Context(), strField(body, "taskId"))
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
		writeTool(w, ok(agentID, "task moved to backlog", map[string]any{"task": task}))

	case "from_backlog":
		task, err := s.store.FromBacklog(r.Context(), strField(body, "taskId"))
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
		writeTool(w, ok(agentID, "task pulled from backlog", map[string]any{"task": task}))

	default:
		writeTool(w, fail(agentID, "unknown task-action: "+action))
	}
}
