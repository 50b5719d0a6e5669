package httpapi

import (
	"errors"
	"net/http"

	"github.com/basket/go-claw/internal/store"
)

func (s *Server) handleJoinSwarm(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	name := strField(body, "name")
	opts := store.JoinOptions{
		IsLead:       boolField(body, "isLead"),
		Role:         strField(body, "role"),
		Description:  strField(body, "description"),
		Capabilities: strSliceField(body, "capabilities"),
		MaxTasks:     intField(body, "maxTasks"),
	}
	agent, err := s.store.Join(r.Context(), name, opts)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agent.ID, "joined swarm", map[string]any{"agent": agent}))
}

func (s *Server) handleMyAgentInfo(w http.ResponseWriter, r *http.Request, _ map[string]any) {
	agentID := callerAgentID(r)
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "agent info", map[string]any{"agent": agent}))
}

func (s *Server) handleGetSwarm(w http.ResponseWriter, r *http.Request, _ map[string]any) {
	agentID := callerAgentID(r)
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "swarm roster", map[string]any{"agents": agents}))
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	filter := store.ListTasksFilter{
		Status:     store.TaskStatus(strField(body, "status")),
		AgentID:    strField(body, "agentId"),
		Unassigned: boolField(body, "unassigned"),
		OfferedTo:  strField(body, "offeredTo"),
		ReadyOnly:  boolField(body, "readyOnly"),
		TaskType:   strField(body, "taskType"),
		Tags:       strSliceField(body, "tags"),
		Search:     strField(body, "search"),
		Limit:      intField(body, "limit"),
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "tasks", map[string]any{"tasks": tasks}))
}

func (s *Server) handleGetTaskDetails(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	task, err := s.store.GetTask(r.Context(), strField(body, "taskId"))
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	deps, err := s.store.CheckDependencies(r.Context(), task.ID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "task details", map[string]any{"task": task, "dependencies": deps}))
}

func (s *Server) handleSendTask(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
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
}

func (s *Server) handleStoreProgress(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	task, err := s.store.UpdateProgress(r.Context(), strField(body, "taskId"), agentID, strField(body, "progress"))
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "progress stored", map[string]any{"task": task}))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	task, err := s.store.Cancel(r.Context(), strField(body, "taskId"), agentID, agent.IsLead, strField(body, "reason"))
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "task cancelled", map[string]any{"task": task}))
}

func (s *Server) handlePollTask(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	task, err := s.store.GetTask(r.Context(), strField(body, "taskId"))
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "task status", map[string]any{"task": task}))
}

func (s *Server) handleGetInboxMessage(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	msg, err := s.store.GetInboxMessage(r.Context(), strField(body, "messageId"), agentID)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "inbox message", map[string]any{"message": msg}))
}

func (s *Server) handleInboxDelegate(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	delegateTo := strField(body, "delegateAgentId")
	task, err := s.store.Delegate(r.Context(), strField(body, "messageId"), delegateTo, strField(body, "taskText"), store.CreateTaskOptions{})
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "delegated", map[string]any{"task": task}))
}

// isNotFound reports whether err signals a resource absence, used by REST
// read handlers to choose 404 vs 500.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrAgentNotFound) ||
		errors.Is(err, store.ErrTaskNotFound) ||
		errors.Is(err, store.ErrChannelNotFound) ||
		errors.Is(err, store.ErrMessageNotFound) ||
		errors.Is(err, store.ErrServiceNotFound) ||
		errors.Is(err, store.ErrScheduleNotFound) ||
		errors.Is(err, store.ErrEpicNotFound) ||
		errors.Is(err, store.ErrInboxMessageNotFound)
}
