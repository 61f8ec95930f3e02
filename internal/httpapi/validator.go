package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/scheduler/verifier"
)

// ValidatorServer holds the components the standalone Validator process needs: read
// access to the Task Store (to resolve the task being validated) and the Verifier itself. It is
// deliberately narrower than Server, since the Validator is a separate process per spec §6
// ("Validator" interfaces are listed apart from the scheduler's HTTP API).
type ValidatorServer struct {
	Tasks    taskGetter
	Verifier *verifier.Verifier
	Logger   *logging.Logger
}

// taskGetter is the one Task Store call the validator needs.
type taskGetter interface {
	GetTask(ctx context.Context, id int64) (*task.Task, error)
}

// NewValidatorRouter builds the standalone Validator's HTTP surface (spec §6 "Validator").
func NewValidatorRouter(s *ValidatorServer) *mux.Router {
	r := mux.NewRouter()
	r.Use(RecoveryMiddleware(s.Logger), LoggingMiddleware(s.Logger), MetricsMiddleware())

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/validate", s.handleValidate).Methods(http.MethodPost)
	v1.HandleFunc("/recheck", s.handleRecheck).Methods(http.MethodPost)

	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	return r
}

type validateRequest struct {
	TaskID     int64  `json:"task_id"`
	DeviceID   string `json:"device_id"`
	ResultHash string `json:"result_hash"`
	Outcome    string `json:"outcome"`
}

// handleValidate implements POST /v1/validate (spec §6): classifies and updates reputation for a
// result identified by its stdout hash (exit code taken as 0), without requiring the full
// structured result body the scheduler's own /v1/tasks/submit carries. The outcome field is
// decoded but not used in classification.
func (s *ValidatorServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}
	ctx, cancel := contextWithTimeout(r, 15*time.Second)
	defer cancel()

	t, err := s.Tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}

	submitted := task.StructuredResult{StdoutSHA256: req.ResultHash}
	class, err := s.Verifier.Classify(ctx, t, submitted, req.DeviceID)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"classification": class})
}

type recheckRequest struct {
	TaskID int64 `json:"task_id"`
}

// handleRecheck implements POST /v1/recheck (spec §6): triggers server-side re-execution and, if
// the task belongs to a fan-out group, aggregation.
func (s *ValidatorServer) handleRecheck(w http.ResponseWriter, r *http.Request) {
	var req recheckRequest
	if !DecodeJSON(w, r, s.Logger, &req) {
		return
	}
	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	t, err := s.Tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	class, err := s.Verifier.Classify(ctx, t, task.StructuredResult{}, "")
	if err != nil {
		WriteError(w, r, s.Logger, err)
		return
	}
	if t.GroupID != nil {
		if _, err := s.Verifier.Aggregate(ctx, parentOfTask(t), *t.GroupID); err != nil {
			WriteError(w, r, s.Logger, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"classification": class})
}

func parentOfTask(t *task.Task) int64 {
	if t.ParentTaskID != nil {
		return *t.ParentTaskID
	}
	return t.ID
}
