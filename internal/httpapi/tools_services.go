package httpapi

import (
	"net/http"

	"github.com/basket/go-claw/internal/store"
)

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	var upd store.ProfileUpdate
	if hasField(body, "role") {
		v := strField(body, "role")
		upd.Role = &v
	}
	if hasField(body, "description") {
		v := strField(body, "description")
		upd.Description = &v
	}
	if hasField(body, "capabilities") {
		v := strSliceField(body, "capabilities")
		upd.Capabilities = &v
	}
	agent, err := s.store.UpdateProfile(r.Context(), agentID, upd)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "profile updated", map[string]any{"agent": agent}))
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	opts := store.UpsertServiceOptions{
		Port:            intField(body, "port"),
		URL:             strField(body, "url"),
		HealthCheckPath: strField(body, "healthCheckPath"),
		Script:          strField(body, "script"),
		Cwd:             strField(body, "cwd"),
		Interpreter:     strField(body, "interpreter"),
		Args:            strSliceField(body, "args"),
		Env:             strMapField(body, "env"),
		Metadata:        strMapField(body, "metadata"),
	}
	svc, err := s.store.UpsertService(r.Context(), agentID, strField(body, "name"), opts)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "service registered", map[string]any{"service": svc}))
}

func (s *Server) handleUnregisterService(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	if err := s.store.UnregisterService(r.Context(), strField(body, "serviceId"), agentID); err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "service unregistered", nil))
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	filter := store.ListServicesFilter{
		Status:     store.ServiceStatus(strField(body, "status")),
		NamePrefix: strField(body, "namePrefix"),
		AgentID:    strField(body, "agentId"),
	}
	services, err := s.store.ListServices(r.Context(), filter)
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "services", map[string]any{"services": services}))
}

func (s *Server) handleUpdateServiceStatus(w http.ResponseWriter, r *http.Request, body map[string]any) {
	agentID := callerAgentID(r)
	svc, err := s.store.UpdateServiceStatus(r.Context(), strField(body, "serviceId"), store.ServiceStatus(strField(body, "status")))
	if err != nil {
		writeTool(w, fail(agentID, storeErrorMessage(err)))
		return
	}
	writeTool(w, ok(agentID, "service status updated", map[string]any{"service": svc}))
}
