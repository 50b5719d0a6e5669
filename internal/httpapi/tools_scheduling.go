package httpapi

import (
	"net/http"
	"time"

	"github.com/basket/go-claw/internal/store"
)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request, _ map[string]any) {
	agentID := callerAgentID(r)
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "schedules", map[string]any{"schedules": schedules}))
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	opts := store.CreateScheduleOptions{
		Description:      strField(body, "description"),
		TaskType:         strField(body, "taskType"),
		Tags:             strSliceField(body, "tags"),
		Priority:         intField(body, "priority"),
		TargetAgentID:    strField(body, "targetAgentId"),
		CronExpression:   strField(body, "cronExpression"),
		IntervalMs:       int64Field(body, "intervalMs"),
		Timezone:         strField(body, "timezone"),
		CreatedByAgentID: agentID,
	}
	schedule, err := s.store.CreateSchedule(r.Context(), strField(body, "name"), strField(body, "taskTemplate"), opts)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "schedule created", map[string]any{"schedule": schedule}))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	scheduleID := strField(body, "scheduleId")
	if !hasField(body, "enabled") {
		writeTool(w, fail(agentID, "no updatable fields supplied"))
		return
	}
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	schedule, err := s.store.SetScheduleEnabled(r.Context(), scheduleID, agentID, agent.IsLead, boolField(body, "enabled"))
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "schedule updated", map[string]any{"schedule": schedule}))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	if err := s.store.DeleteSchedule(r.Context(), strField(body, "scheduleId"), agentID, agent.IsLead); err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "schedule deleted", nil))
}

func (s *Server) handleRunScheduleNow(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	task, err := s.store.RunNow(r.Context(), strField(body, "scheduleId"), agentID, agent.IsLead, time.Now().UTC())
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "schedule run", map[string]any{"task": task}))
}
