// Package taskstore implements the Task Store's submission path (C2): persisting an agent's
// result, deriving the task's next status, and invoking the Verifier's server-side classification
// and reputation update in the same call, so every submission is independently re-checked before
// it is trusted (spec §4.2, §4.6). A thin orchestration layer over storage.TaskStore plus
// scheduler/verifier, grounded on the teacher's internal/app/core/service request-handler shape.
package taskstore

import (
	"context"
	"time"

	"github.com/volcompute/orchestrator/internal/domain/agent"
	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/scheduler/verifier"
)

// storageTaskStore is the subset of storage.TaskStore this service depends on.
type storageTaskStore interface {
	Enqueue(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	ListByProject(ctx context.Context, projectID int64, status *task.Status, limit int) ([]*task.Task, error)
	ListQueuedByProject(ctx context.Context, projectID int64, limit int) ([]*task.Task, error)
	Submit(ctx context.Context, taskID int64, agentID int64, status task.ResultStatus, result task.StructuredResult, now time.Time) (*task.Task, error)
	ListResults(ctx context.Context, taskID int64) ([]*task.Result, error)
	StopNonTerminal(ctx context.Context, projectID int64, now time.Time) (int, error)
	ListChildren(ctx context.Context, groupID int64) ([]*task.Task, error)
	GetAggregate(ctx context.Context, parentTaskID int64) (map[string]interface{}, bool, error)
}

// agentLookup is the subset of storage.AgentStore needed to resolve a submitting agent's numeric
// id from its wire-level agent_uid.
type agentLookup interface {
	GetByUID(ctx context.Context, agentUID string) (*agent.Agent, error)
}

// Service implements task enqueue, listing, and result submission.
type Service struct {
	tasks    storageTaskStore
	agents   agentLookup
	verifier *verifier.Verifier
	// Notify is called after any state-changing operation so a caller (typically the HTTP layer)
	// can trigger a Broadcaster.Publish without this package depending on the broadcaster package.
	Notify func()
}

// New creates a Service wired to its store, agent lookup, and the Verifier.
func New(tasks storageTaskStore, agents agentLookup, v *verifier.Verifier) *Service {
	return &Service{tasks: tasks, agents: agents, verifier: v}
}

// ListByProject resolves a bounded snapshot of a project's tasks, optionally filtered by status
// (spec §4.2 list_by).
func (s *Service) ListByProject(ctx context.Context, projectID int64, status *task.Status, limit int) ([]*task.Task, error) {
	return s.tasks.ListByProject(ctx, projectID, status, limit)
}

// Enqueue submits a new task for scheduling (spec §4.2).
func (s *Service) Enqueue(ctx context.Context, t *task.Task) error {
	if t.TaskType == "" {
		return errors.MissingParameter("task_type")
	}
	if err := s.tasks.Enqueue(ctx, t); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Submit records an agent's result envelope, transitions the task, and runs server-side
// classification; the classification's reputation delta and any flags are applied by the
// Verifier itself (spec §4.2 step 2, §4.6).
func (s *Service) Submit(ctx context.Context, env task.ResultEnvelope) (*task.Task, verifier.Classification, error) {
	a, err := s.agents.GetByUID(ctx, env.AgentUID)
	if err != nil {
		return nil, "", err
	}

	prev, err := s.tasks.GetTask(ctx, env.TaskID)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	t, err := s.tasks.Submit(ctx, env.TaskID, a.ID, env.Status, env.Result, now)
	if err != nil {
		return nil, "", err
	}

	var class verifier.Classification
	if s.verifier != nil && !taskAlreadyTerminal(prev) {
		class, err = s.verifier.Classify(ctx, t, env.Result, env.AgentUID)
		if err != nil {
			return t, "", err
		}
	}

	if s.verifier != nil && t.GroupID != nil {
		if _, err := s.verifier.Aggregate(ctx, parentOf(t), *t.GroupID); err != nil {
			return t, class, err
		}
	}

	s.notify()
	return t, class, nil
}

// taskAlreadyTerminal, given the task as it was before the submission, guards against
// re-classifying a resubmission against a task that had already reached a terminal status (spec §4.2 idempotence: "only the result row is appended").
func taskAlreadyTerminal(t *task.Task) bool {
	return t.Status.IsTerminal()
}

func parentOf(t *task.Task) int64 {
	if t.ParentTaskID != nil {
		return *t.ParentTaskID
	}
	return t.ID
}

func (s *Service) notify() {
	if s.Notify != nil {
		s.Notify()
	}
}
