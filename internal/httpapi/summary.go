package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/scheduler/broadcaster"
)

// refreshLimitPerProject bounds how many tasks are pulled per project when building a snapshot,
// keeping /v1/summary and the broadcaster refresh cheap even on a large backlog.
const refreshLimitPerProject = 500

// buildSnapshot assembles a fresh broadcaster.Snapshot from current store state (spec §4.8). It
// is intentionally best-effort: a failure to resolve one piece (e.g. a project's task listing)
// degrades that piece rather than failing the whole snapshot, since the broadcaster's contract is
// "freshness beats completeness" (spec §4.8).
func (s *Server) buildSnapshot(ctx context.Context) broadcaster.Snapshot {
	snap := broadcaster.Snapshot{
		Load: map[string]interface{}{},
		Dashboard: broadcaster.Dashboard{
			AgentAvailability: map[string]float64{},
			StorageIO:         map[string]float64{},
			Trust:             map[string]float64{},
		},
	}

	if all, statuses, err := s.Agents.List(ctx); err == nil {
		agentsOut := make([]interface{}, 0, len(all))
		online := 0
		for _, a := range all {
			st := statuses[a.AgentUID]
			if st == "online" {
				online++
			}
			agentsOut = append(agentsOut, map[string]interface{}{
				"agent_uid": a.AgentUID, "display_name": a.DisplayName, "status": st, "blocked": a.Blocked,
			})
		}
		snap.Agents = agentsOut
		if len(all) > 0 {
			snap.Dashboard.AgentAvailability["online_ratio"] = float64(online) / float64(len(all))
		}
	}

	if s.AIModes != nil {
		snap.AIMode = string(s.AIModes.Get().Mode)
	}

	if projects, err := s.Projects.ListProjects(ctx); err == nil {
		var tasksOut []interface{}
		var queued, running, completed int
		for _, p := range projects {
			ts, err := s.Tasks.ListByProject(ctx, p.ID, nil, refreshLimitPerProject)
			if err != nil {
				continue
			}
			for _, t := range ts {
				switch t.Status {
				case task.StatusQueued:
					queued++
				case task.StatusRunning:
					running++
				case task.StatusDone, task.StatusFailed, task.StatusStopped:
					completed++
				}
				tasksOut = append(tasksOut, map[string]interface{}{
					"task_id": t.ID, "project_guid": p.GUID, "task_type": t.TaskType, "status": t.Status,
				})
			}
		}
		snap.Tasks = tasksOut
		snap.Queue = broadcaster.QueueCounts{Queued: queued, Running: running, Completed: completed}
		snap.Dashboard.Throughput = float64(completed)
	}

	return snap
}

// handleSummary implements GET /v1/summary (spec §6): the full snapshot JSON.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()
	s.Broadcaster.Publish(s.buildSnapshot(ctx))
	WriteJSON(w, http.StatusOK, s.Broadcaster.Current())
}

var errStreamingUnsupported = errors.Internal("response writer does not support streaming", nil)

// handleStream implements GET /v1/stream (spec §6, §4.8): an SSE stream of coalesced snapshots.
// Each subscriber gets the latest snapshot on connect and every subsequent refresh; a subscriber
// that falls behind is dropped by the broadcaster rather than blocking others (spec §4.8 "lossy").
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, s.Logger, errStreamingUnsupported)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.Broadcaster.Subscribe(r.Context())
	for snap := range ch {
		encoded, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", encoded)
		flusher.Flush()
	}
}

type portalLogRequest struct {
	Source  string                 `json:"source"`
	Level   string                 `json:"level,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// handlePortalLogs implements POST /v1/portal/logs (spec §6): a sink for portal-originated audit
// log entries. The portal itself is an external collaborator (spec §1 "the administrative HTTP
// portal and its SSE consumer" is out of scope) — this endpoint only needs to accept and record
// what it sends.
func (s *Server) handlePortalLogs(w http.ResponseWriter, r *http.Request) {
	var req portalLogRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}
	if s.Logger != nil {
		s.Logger.WithContext(r.Context()).WithField("source", req.Source).WithField("details", req.Details).Info("portal log: " + req.Message)
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// NotifyBroadcaster publishes a fresh snapshot after any state-changing request; it runs with its
// own bounded background timeout rather than the triggering request's context, since the snapshot
// refresh is a side effect that should complete even if the triggering request's own deadline is
// about to expire (spec §4.8: refreshes happen "on any state change", independent of the request
// that caused it).
func (s *Server) NotifyBroadcaster() {
	if s.Broadcaster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Broadcaster.Publish(s.buildSnapshot(ctx))
}
