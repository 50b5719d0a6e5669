package httpapi

import (
	"net/http"

	"github.com/basket/go-claw/internal/store"
)

func (s *Server) handleCreateEpic(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	opts := store.CreateEpicOptions{
		Description:      strField(body, "description"),
		PRD:              strField(body, "prd"),
		Plan:             strField(body, "plan"),
		Priority:         intField(body, "priority"),
		Tags:             strSliceField(body, "tags"),
		LeadAgentID:      strField(body, "leadAgentId"),
		ChannelID:        strField(body, "channelId"),
		ExternalRefs:     strMapField(body, "externalRefs"),
		CreatedByAgentID: agentID,
	}
	epic, err := s.store.CreateEpic(r.Context(), strField(body, "name"), strField(body, "goal"), opts)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "epic created", map[string]any{"epic": epic}))
}

func (s *Server) handleListEpics(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	filter := store.ListEpicsFilter{
		Status:      store.EpicStatus(strField(body, "status")),
		LeadAgentID: strField(body, "leadAgentId"),
	}
	epics, err := s.store.ListEpics(r.Context(), filter)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "epics", map[string]any{"epics": epics}))
}

func (s *Server) handleGetEpicDetails(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	epicID := strField(body, "epicId")
	epic, err := s.store.GetEpic(r.Context(), epicID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	progress, err := s.store.GetEpicProgress(r.Context(), epicID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	tasks, err := s.store.ListEpicTasks(r.Context(), epicID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "epic details", map[string]any{"epic": epic, "progress": progress, "tasks": tasks}))
}

func (s *Server) handleUpdateEpic(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	epicID := strField(body, "epicId")

	var upd store.EpicUpdate
	if hasField(body, "description") {
		v := strField(body, "description")
		upd.Description = &v
	}
	if hasField(body, "prd") {
		v := strField(body, "prd")
		upd.PRD = &v
	}
	if hasField(body, "plan") {
		v := strField(body, "plan")
		upd.Plan = &v
	}
	if hasField(body, "priority") {
		v := intField(body, "priority")
		upd.Priority = &v
	}
	if hasField(body, "tags") {
		v := strSliceField(body, "tags")
		upd.Tags = &v
	}
	if hasField(body, "leadAgentId") {
		v := strField(body, "leadAgentId")
		upd.LeadAgentID = &v
	}
	if hasField(body, "externalRefs") {
		v := strMapField(body, "externalRefs")
		upd.ExternalRefs = &v
	}

	epic, err := s.store.UpdateEpic(r.Context(), epicID, upd)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}

	if status := strField(body, "status"); status != "" {
		epic, err = s.store.SetEpicStatus(r.Context(), epicID, store.EpicStatus(status))
		if err != nil {
			writeTool(w, fail(agentID, storeErrorMessage(err)))
			return
		}
	}
	writeTool(w, ok(agentID, "epic updated", map[string]any{"epic": epic}))
}

func (s *Server) handleDeleteEpic(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	if err := s.store.DeleteEpic(r.Context(), strField(body, "epicId")); err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "epic deleted", nil))
}

func (s *Server) handleAssignTaskToEpic(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	task, err := s.store.AssignTaskToEpic(r.Context(), strField(body, "taskId"), strField(body, "epicId"))
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "task assigned to epic", map[string]any{"task": task}))
}

func (s *Server) handleUnassignTaskFromEpic(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	task, err := s.store.AssignTaskToEpic(r.Context(), strField(body, "taskId"), "")
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "task unassigned from epic", map[string]any{"task": task}))
}
