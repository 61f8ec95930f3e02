package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/volcompute/orchestrator/internal/domain/aimode"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/scheduler/agents"
	"github.com/volcompute/orchestrator/internal/scheduler/assignment"
	"github.com/volcompute/orchestrator/internal/scheduler/broadcaster"
	"github.com/volcompute/orchestrator/internal/scheduler/project"
	"github.com/volcompute/orchestrator/internal/scheduler/taskstore"
	"github.com/volcompute/orchestrator/internal/scheduler/verifier"
	"github.com/volcompute/orchestrator/pkg/objectstore"
)

// Server holds every scheduler-side component the HTTP layer dispatches to.
type Server struct {
	Projects    *project.Registry
	Agents      *agents.Registry
	Tasks       *taskstore.Service
	Assignment  *assignment.Engine
	Verifier    *verifier.Verifier
	Broadcaster *broadcaster.Broadcaster
	AIModes     *aimode.Store
	Objects     *objectstore.Store
	Logger      *logging.Logger
}

// NewSchedulerRouter builds the full scheduler HTTP surface (spec §6).
func NewSchedulerRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.Use(RecoveryMiddleware(s.Logger), LoggingMiddleware(s.Logger), MetricsMiddleware())

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/tasks/request_batch", s.handleRequestBatch).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/submit", s.handleSubmit).Methods(http.MethodPost)

	v1.HandleFunc("/agents/register", s.handleAgentRegister).Methods(http.MethodPost)
	v1.HandleFunc("/agents/metrics", s.handleAgentMetrics).Methods(http.MethodPost)
	v1.HandleFunc("/agents/preferences", s.handleAgentPreferences).Methods(http.MethodPost)
	v1.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)

	v1.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	v1.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{id}", s.handleDeleteProject).Methods(http.MethodDelete)
	v1.HandleFunc("/projects/{id:[0-9]+}/start", s.handleProjectTransition("active")).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{id}/stop", s.handleProjectTransition("stopped")).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{id}/pause", s.handleProjectTransition("paused")).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{workflow}/scripts/sync", s.handleScriptsSync).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{workflow}/start", s.handleProjectStart).Methods(http.MethodPost)

	v1.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	v1.HandleFunc("/portal/logs", s.handlePortalLogs).Methods(http.MethodPost)

	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness; the scheduler is ready once its stores are reachable. A
// lightweight check (listing schedulable projects) stands in for a dedicated ping, since every
// store backend already implements that call.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()
	if _, _, err := s.Agents.List(ctx); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
