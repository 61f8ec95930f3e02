package httpapi

import (
	"net/http"
	"time"

	"github.com/volcompute/orchestrator/internal/domain/agent"
)

type registerRequest struct {
	AgentUID    string         `json:"agent_uid"`
	Hardware    agent.Hardware `json:"hardware"`
	DisplayName string         `json:"display_name,omitempty"`
}

// handleAgentRegister implements POST /v1/agents/register (spec §6, §4.3).
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	a, err := s.Agents.Register(ctx, req.AgentUID, req.Hardware, req.DisplayName)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	s.NotifyBroadcaster()
	WriteJSON(w, http.StatusOK, a)
}

type metricsRequest struct {
	AgentUID string        `json:"agent_uid"`
	Metrics  agent.Metrics `json:"metrics"`
}

// handleAgentMetrics implements POST /v1/agents/metrics (spec §6, §4.3).
func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	var req metricsRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	if err := s.Agents.Heartbeat(ctx, req.AgentUID, req.Metrics); err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	s.NotifyBroadcaster()
	WriteJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

type preferencesRequest struct {
	AgentUID         string   `json:"agent_uid"`
	ProjectID        int64    `json:"project_id"`
	AllowedTaskTypes []string `json:"allowed_task_types"`
}

// handleAgentPreferences implements POST /v1/agents/preferences (spec §6, §3).
func (s *Server) handleAgentPreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	a, _, err := s.Agents.WithStatus(ctx, req.AgentUID)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}

	allowed := make(map[string]struct{}, len(req.AllowedTaskTypes))
	for _, t := range req.AllowedTaskTypes {
		allowed[t] = struct{}{}
	}
	if err := s.Agents.SetPreferences(ctx, a.ID, req.ProjectID, allowed); err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

type agentView struct {
	*agent.Agent
	Status agent.Status `json:"status"`
}

// handleListAgents implements GET /v1/agents (spec §6): list agents with hardware and derived
// status.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	all, statuses, err := s.Agents.List(ctx)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	views := make([]agentView, 0, len(all))
	for _, a := range all {
		views = append(views, agentView{Agent: a, Status: statuses[a.AgentUID]})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"agents": views})
}
