// Package httpapi exposes the swarm's tool-call surface (spec §6's
// capability-gated write operations) and a read-only REST surface over
// HTTP, plus a websocket tail of the event bus.
package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/policy"
	"github.com/basket/go-claw/internal/shared"
	"github.com/basket/go-claw/internal/store"
)

// Version is surfaced on /health; set at build time in production, left as
// a constant default here.
var Version = "dev"

// Config wires a Server to its dependencies.
type Config struct {
	Store   *store.Store
	Bus     *bus.Bus
	Policy  policy.Checker
	Logger  *slog.Logger
	Auth    config.AuthConfig
	CORS    config.CORSConfig
	RateLim config.RateLimitConfig
}

// Server implements the tool-call and REST surfaces described in spec §6.
type Server struct {
	store   *store.Store
	bus     *bus.Bus
	policy  policy.Checker
	logger  *slog.Logger
	schemas *toolSchemas
	tracer  trace.Tracer

	auth      *AuthMiddleware
	cors      func(http.Handler) http.Handler
	rateLimit *RateLimitMiddleware
}

// tool describes one entry in the tool-call dispatch table: the capability
// group that gates it and the function that serves it.
type tool struct {
	capability string
	handle     func(s *Server, w http.ResponseWriter, r *http.Request, body map[string]any)
}

// New builds a Server, compiling the tool-call JSON schemas once.
func New(cfg Config) (*Server, error) {
	schemas, err := compileToolSchemas()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     cfg.Store,
		bus:       cfg.Bus,
		policy:    cfg.Policy,
		logger:    logger,
		schemas:   schemas,
		tracer:    otel.Tracer("github.com/basket/go-claw/internal/httpapi"),
		auth:      NewAuthMiddleware(cfg.Auth),
		cors:      NewCORSMiddleware(cfg.CORS),
		rateLimit: NewRateLimitMiddleware(cfg.RateLim),
	}
	return s, nil
}

// tools is the full dispatch table from spec §6's capability table.
func (s *Server) tools() map[string]tool {
	return map[string]tool{
		"join-swarm":        {"core", (*Server).handleJoinSwarm},
		"my-agent-info":     {"core", (*Server).handleMyAgentInfo},
		"get-swarm":         {"core", (*Server).handleGetSwarm},
		"get-tasks":         {"core", (*Server).handleGetTasks},
		"get-task-details":  {"core", (*Server).handleGetTaskDetails},
		"send-task":         {"core", (*Server).handleSendTask},
		"store-progress":    {"core", (*Server).handleStoreProgress},
		"cancel-task":       {"core", (*Server).handleCancelTask},
		"poll-task":         {"core", (*Server).handlePollTask},
		"get-inbox-message": {"core", (*Server).handleGetInboxMessage},
		"inbox-delegate":    {"core", (*Server).handleInboxDelegate},

		"task-action": {"task-pool", (*Server).handleTaskAction},

		"list-channels": {"messaging", (*Server).handleListChannels},
		"create-channel": {"messaging", (*Server).handleCreateChannel},
		"post-message":    {"messaging", (*Server).handlePostMessage},
		"read-messages":   {"messaging", (*Server).handleReadMessages},

		"update-profile": {"profiles", (*Server).handleUpdateProfile},

		"register-service":      {"services", (*Server).handleRegisterService},
		"unregister-service":    {"services", (*Server).handleUnregisterService},
		"list-services":         {"services", (*Server).handleListServices},
		"update-service-status": {"services", (*Server).handleUpdateServiceStatus},

		"list-schedules":   {"scheduling", (*Server).handleListSchedules},
		"create-schedule":  {"scheduling", (*Server).handleCreateSchedule},
		"update-schedule":  {"scheduling", (*Server).handleUpdateSchedule},
		"delete-schedule":  {"scheduling", (*Server).handleDeleteSchedule},
		"run-schedule-now": {"scheduling", (*Server).handleRunScheduleNow},

		"create-epic":             {"epics", (*Server).handleCreateEpic},
		"list-epics":               {"epics", (*Server).handleListEpics},
		"get-epic-details":         {"epics", (*Server).handleGetEpicDetails},
		"update-epic":              {"epics", (*Server).handleUpdateEpic},
		"delete-epic":              {"epics", (*Server).handleDeleteEpic},
		"assign-task-to-epic":      {"epics", (*Server).handleAssignTaskToEpic},
		"unassign-task-from-epic":  {"epics", (*Server).handleUnassignTaskFromEpic},
	}
}

// Handler builds the full mux: tool-call endpoints, the REST read surface,
// the event stream, and health/metrics, wrapped in auth/CORS/rate-limit
// middleware in the order the teacher applies them: CORS outermost, then
// rate limiting, then auth, then the mux itself.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	for name, t := range s.tools() {
		if s.policy != nil && !s.policy.AllowCapability(t.capability) {
			continue
		}
		mux.HandleFunc("/tools/"+name, s.toolHandler(name, t))
	}

	s.registerREST(mux)
	mux.HandleFunc("/events/stream", s.handleEventsStream)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(1 << 20)(h)
	h = s.rateLimit.Wrap(h)
	h = s.cors(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": Version})
}

// toolHandler wraps one tool's handler with method checking, capability
// gating, schema validation, and span creation.
func (s *Server) toolHandler(name string, t tool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		agentID := callerAgentID(r)
		if agentID == "" {
			writeTool(w, fail("", "missing X-Agent-ID header"))
			return
		}

		ctx, span := s.tracer.Start(r.Context(), name)
		defer span.End()
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		ctx = shared.WithAgentID(ctx, agentID)
		r = r.WithContext(ctx)

		reqLogger := s.logger.With("trace_id", shared.TraceID(ctx), "tool", name, "agent_id", agentID)

		allowed := s.policy == nil || s.policy.AllowCapability(t.capability)
		decision := "allow"
		if !allowed {
			decision = "deny"
		}
		policyVersion := ""
		if s.policy != nil {
			policyVersion = s.policy.PolicyVersion()
		}
		audit.Record(decision, t.capability, name, policyVersion, agentID)
		if !allowed {
			reqLogger.Warn("capability denied", "capability", t.capability)
			writeTool(w, fail(agentID, "capability "+t.capability+" is not enabled"))
			return
		}

		raw, err := readBody(r)
		if err != nil {
			writeTool(w, fail(agentID, "failed to read request body"))
			return
		}

		parsed, err := unmarshalForSchema(raw)
		if err != nil {
			writeTool(w, fail(agentID, "invalid JSON body"))
			return
		}
		if err := s.schemas.validate(name, parsed); err != nil {
			writeTool(w, fail(agentID, "request failed validation: "+err.Error()))
			return
		}

		var body map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				writeTool(w, fail(agentID, "invalid JSON body"))
				return
			}
		} else {
			body = map[string]any{}
		}

		t.handle(s, w, r, body)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalForSchema(raw []byte) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryTime(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

