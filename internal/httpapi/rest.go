package httpapi

import (
	"net/http"
	"strings"

	"github.com/basket/go-claw/internal/store"
)

// registerREST wires the read-only resource endpoints: agents, tasks,
// channels, messages, services, scheduled-tasks, epics, and the event
// log. These never require X-Agent-ID; Authorization is handled upstream
// by AuthMiddleware when auth is enabled.
func (s *Server) registerREST(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents", s.restListAgents)
	mux.HandleFunc("/api/agents/", s.restGetAgent)

	mux.HandleFunc("/api/tasks", s.restListTasks)
	mux.HandleFunc("/api/tasks/", s.restGetTask)

	mux.HandleFunc("/api/channels", s.restListChannels)
	mux.HandleFunc("/api/channels/", s.restChannelSub)

	mux.HandleFunc("/api/services", s.restListServices)

	mux.HandleFunc("/api/schedules", s.restListSchedules)
	mux.HandleFunc("/api/schedules/", s.restGetSchedule)

	mux.HandleFunc("/api/epics", s.restListEpics)
	mux.HandleFunc("/api/epics/", s.restGetEpic)

	mux.HandleFunc("/api/events", s.restListEvents)
	mux.HandleFunc("/api/stats", s.restStats)
}

func (s *Server) restListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) restGetAgent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
}

func (s *Server) restListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListTasksFilter{
		Status:     store.TaskStatus(q.Get("status")),
		AgentID:    q.Get("agentId"),
		OfferedTo:  q.Get("offeredTo"),
		TaskType:   q.Get("taskType"),
		Search:     q.Get("search"),
		Limit:      queryInt(r, "limit", 50),
	}
	if q.Get("unassigned") == "true" {
		filter.Unassigned = true
	}
	if q.Get("readyOnly") == "true" {
		filter.ReadyOnly = true
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) restGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if rest, eventsSuffix := strings.CutSuffix(id, "/events"); eventsSuffix {
		events, err := s.store.ListTaskEvents(r.Context(), rest)
		if err != nil {
			s.writeRESTError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) restListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// restChannelSub handles both /api/channels/{id} and /api/channels/{id}/messages.
func (s *Server) restChannelSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/messages"); ok {
		opts := store.GetMessagesOptions{
			Limit:  queryInt(r, "limit", 50),
			Since:  queryTime(r, "since"),
			Before: queryTime(r, "before"),
		}
		messages, err := s.store.GetMessages(r.Context(), id, opts)
		if err != nil {
			s.writeRESTError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}
	channel, err := s.store.GetChannel(r.Context(), rest)
	if err != nil {
		s.writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel})
}

func (s *Server) restListServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListServicesFilter{
		Status:     store.ServiceStatus(q.Get("status")),
		NamePrefix: q.Get("namePrefix"),
		AgentID:    q.Get("agentId"),
	}
	services, err := s.store.ListServices(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (s *Server) restListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) restGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	schedule, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		s.writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": schedule})
}

func (s *Server) restListEpics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListEpicsFilter{
		Status:      store.EpicStatus(q.Get("status")),
		LeadAgentID: q.Get("leadAgentId"),
	}
	epics, err := s.store.ListEpics(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epics": epics})
}

func (s *Server) restGetEpic(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/epics/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	epic, err := s.store.GetEpic(r.Context(), id)
	if err != nil {
		s.writeRESTError(w, err)
		return
	}
	progress, err := s.store.GetEpicProgress(r.Context(), id)
	if err != nil {
		s.writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epic": epic, "progress": progress})
}

func (s *Server) restListEvents(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	limit := queryInt(r, "limit", 100)
	events, err := s.store.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) restStats(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), store.ListTasksFilter{Limit: 10000})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	statusCounts := make(map[string]int)
	for _, t := range tasks {
		statusCounts[string(t.Status)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agentCount":      len(agents),
		"taskCount":       len(tasks),
		"tasksByStatus":   statusCounts,
		"droppedBusEvents": s.bus.DroppedEventCount(),
	})
}

func (s *Server) writeRESTError(w http.ResponseWriter, err error) {
	if isNotFound(err) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": storeErrorMessage(err)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}
