package httpapi

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/volcompute/orchestrator/internal/domain/project"
	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/pkg/objectstore"
)

// handleListProjects implements GET /v1/projects (spec §6).
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	all, err := s.Projects.ListProjects(ctx)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"projects": all})
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner,omitempty"`
	IsDemo      bool   `json:"is_demo,omitempty"`
}

// handleCreateProject implements POST /v1/projects (spec §4.1 create_project).
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	p, err := s.Projects.CreateProject(ctx, req.Name, req.Description, req.Owner, req.IsDemo)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	s.NotifyBroadcaster()
	WriteJSON(w, http.StatusCreated, p)
}

// handleDeleteProject implements DELETE /v1/projects/{id} (spec §4.1 delete_project).
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r, 15*time.Second)
	defer cancel()

	if err := s.Projects.Delete(ctx, id); err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	s.NotifyBroadcaster()
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleProjectTransition implements POST /v1/projects/{id}/{start|stop|pause} (spec §4.1
// set_status). The registry's Transition updates the status and, on stop, also marks the
// project's non-terminal tasks stopped.
func (s *Server) handleProjectTransition(target string) http.HandlerFunc {
	status := project.Status(target)
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathInt64(w, r, "id")
		if !ok {
			return
		}
		ctx, cancel := contextWithTimeout(r, 10*time.Second)
		defer cancel()

		if err := s.Projects.Transition(ctx, id, status); err != nil {
			WriteError(w, r, s.Logger, err)
			return
		}
		s.NotifyBroadcaster()
		WriteJSON(w, http.StatusOK, map[string]bool{"accepted": true})
	}
}

type scriptsSyncRequest struct {
	Scripts []struct {
		TypeName   string `json:"type_name"`
		Version    string `json:"version,omitempty"`
		LowRisk    bool   `json:"low_risk,omitempty"`
		BodyBase64 string `json:"body_base64"`
	} `json:"scripts"`
}

// handleScriptsSync implements POST /v1/projects/<workflow>/scripts/sync (spec §6): uploads a
// named script set to object storage and registers task types with computed SHA-256.
func (s *Server) handleScriptsSync(w http.ResponseWriter, r *http.Request) {
	p, ok := s.resolveWorkflowProject(w, r)
	if !ok {
		return
	}
	var req scriptsSyncRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}

	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	synced := make([]string, 0, len(req.Scripts))
	for _, sc := range req.Scripts {
		body, err := base64.StdEncoding.DecodeString(sc.BodyBase64)
		if err != nil {
			WriteError(w, r, s.Logger, errors.InvalidInput("body_base64", "not valid base64"))
			return
		}
		objectKey := sc.TypeName + ".js"
		if err := s.Objects.Put(ctx, p.StoragePrefix, objectKey, body); err != nil {
			WriteError(w, r, s.Logger, err)
			return
		}
		sha := objectstore.SHA256Hex(body)
		if err := s.Projects.SyncTaskType(ctx, p.ID, sc.TypeName, objectKey, sha, sc.Version, sc.LowRisk); err != nil {
			WriteError(w, r, s.Logger, err)
			return
		}
		synced = append(synced, sc.TypeName)
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"synced": synced})
}

type projectStartRequest struct {
	Start     int64    `json:"start,omitempty"`
	End       int64    `json:"end,omitempty"`
	ChunkSize int64    `json:"chunk_size,omitempty"`
	TaskTypes []string `json:"task_types,omitempty"`
}

// handleProjectStart implements POST /v1/projects/<workflow>/start (spec §6): fans out chunked
// tasks across task types. [start,end) is partitioned into chunk_size-wide windows, one task
// enqueued per (task type, window) pair, payload carrying the window bounds.
func (s *Server) handleProjectStart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.resolveWorkflowProject(w, r)
	if !ok {
		return
	}
	var req projectStartRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = 1000
	}
	if req.End < req.Start {
		WriteError(w, r, s.Logger, errors.InvalidInput("end", "must be >= start"))
		return
	}

	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	taskTypes := req.TaskTypes
	if len(taskTypes) == 0 {
		catalog, err := s.Projects.ListTaskTypes(ctx, p.ID)
		if err != nil {
			WriteError(w, r, s.Logger, err)
			return
		}
		for _, tt := range catalog {
			taskTypes = append(taskTypes, tt.TypeName)
		}
	}

	enqueued := 0
	for _, tt := range taskTypes {
		for lo := req.Start; lo < req.End; lo += req.ChunkSize {
			hi := lo + req.ChunkSize
			if hi > req.End {
				hi = req.End
			}
			t := &task.Task{
				ProjectID: p.ID,
				TaskType:  tt,
				Payload:   map[string]interface{}{"start": lo, "end": hi},
			}
			if err := s.Tasks.Enqueue(ctx, t); err != nil {
				WriteError(w, r, s.Logger, err)
				return
			}
			enqueued++
		}
	}
	s.NotifyBroadcaster()
	WriteJSON(w, http.StatusOK, map[string]interface{}{"enqueued": enqueued})
}

// resolveWorkflowProject resolves the {workflow} path segment to a project, trying guid first
// and falling back to name (spec §6 never pins down which identifier "<workflow>" is).
func (s *Server) resolveWorkflowProject(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	workflow := mux.Vars(r)["workflow"]
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	if p, err := s.Projects.GetByGUID(ctx, workflow); err == nil {
		return p, true
	}
	p, err := s.Projects.GetByName(ctx, workflow)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return nil, false
	}
	return p, true
}

func pathInt64(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := mux.Vars(r)[key]
	var n int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			WriteJSON(w, http.StatusBadRequest, ErrorResponse{Code: "VAL_4001", Message: "invalid path parameter " + key})
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	if raw == "" {
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Code: "VAL_4001", Message: "missing path parameter " + key})
		return 0, false
	}
	return n, true
}
