package httpapi

import (
	"net/http"
	"time"

	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/scheduler/assignment"
)

type requestBatchRequest struct {
	AgentUID     string   `json:"agent_uid"`
	Max          int      `json:"max"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type requestBatchResponse struct {
	Tasks []task.Envelope `json:"tasks"`
}

// handleRequestBatch implements POST /v1/tasks/request_batch (spec §6, §4.4).
func (s *Server) handleRequestBatch(w http.ResponseWriter, r *http.Request) {
	var req requestBatchRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}

	hints := assignment.Hints{}
	if len(req.Capabilities) > 0 {
		hints.AllowedTaskTypes = make(map[string]struct{}, len(req.Capabilities))
		for _, c := range req.Capabilities {
			hints.AllowedTaskTypes[c] = struct{}{}
		}
	}

	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	envelopes, err := s.Assignment.RequestBatch(ctx, req.AgentUID, req.Max, hints)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	if envelopes == nil {
		envelopes = []task.Envelope{}
	}
	s.NotifyBroadcaster()
	WriteJSON(w, http.StatusOK, requestBatchResponse{Tasks: envelopes})
}

type submitRequest struct {
	TaskID   int64                  `json:"task_id"`
	AgentUID string                 `json:"agent_uid"`
	Status   task.ResultStatus      `json:"status"`
	Result   task.StructuredResult  `json:"result"`
}

type submitResponse struct {
	Accepted bool `json:"accepted"`
}

// handleSubmit implements POST /v1/tasks/submit (spec §6, §4.2, §4.6): the submission is
// persisted and server-side classified in the same call; the HTTP response is accepted=true
// regardless of the classification outcome, since sandbox-level failures are task-level outcomes,
// not HTTP errors (spec §7).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}

	ctx, cancel := contextWithTimeout(r, 15*time.Second)
	defer cancel()

	_, _, err := s.Tasks.Submit(ctx, task.ResultEnvelope{
		TaskID: req.TaskID, AgentUID: req.AgentUID, Status: req.Status, Result: req.Result,
	})
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	s.NotifyBroadcaster()
	WriteJSON(w, http.StatusOK, submitResponse{Accepted: true})
}
