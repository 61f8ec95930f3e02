// Package storage defines the per-domain storage interfaces owned by each registry/store
// component (C1-C3), mirroring the teacher's one-interface-per-domain layout.
package storage

import (
	"context"
	"time"

	"github.com/volcompute/orchestrator/internal/domain/agent"
	"github.com/volcompute/orchestrator/internal/domain/flag"
	"github.com/volcompute/orchestrator/internal/domain/project"
	"github.com/volcompute/orchestrator/internal/domain/task"
)

// ProjectStore is exclusively owned by the Project Registry (C1).
type ProjectStore interface {
	CreateProject(ctx context.Context, p *project.Project) error
	GetProject(ctx context.Context, id int64) (*project.Project, error)
	GetProjectByGUID(ctx context.Context, guid string) (*project.Project, error)
	GetProjectByName(ctx context.Context, name string) (*project.Project, error)
	ListProjects(ctx context.Context) ([]*project.Project, error)
	ListSchedulableProjects(ctx context.Context) ([]*project.Project, error)
	UpdateStatus(ctx context.Context, id int64, status project.Status) error
	DeleteProject(ctx context.Context, id int64) error

	UpsertTaskType(ctx context.Context, tt *project.TaskType) error
	GetTaskType(ctx context.Context, projectID int64, typeName string) (*project.TaskType, error)
	ListTaskTypes(ctx context.Context, projectID int64) ([]*project.TaskType, error)
}

// TaskStore is exclusively owned by the Task Store (C2), partitioned by project.
type TaskStore interface {
	Enqueue(ctx context.Context, t *task.Task) error
	// RequestBatch atomically transitions up to max queued tasks matching the filter to running,
	// returning the selected tasks. Implementations MUST guarantee at-most-one-agent-per-task
	// under concurrent callers (spec §4.2, §5).
	RequestBatch(ctx context.Context, projectID int64, allowedTaskTypes map[string]struct{}, max int, now time.Time) ([]*task.Task, error)
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	// Requeue reverts a running task back to queued without recording a result; used when the
	// Assignment Engine claims a task but must skip it (missing script metadata, reputation gate)
	// per spec §4.4 step 7 ("skip task (leave queued)").
	Requeue(ctx context.Context, taskID int64, now time.Time) error
	ListByProject(ctx context.Context, projectID int64, status *task.Status, limit int) ([]*task.Task, error)
	ListQueuedByProject(ctx context.Context, projectID int64, limit int) ([]*task.Task, error)

	// Submit appends a Task Result row and, when the task is still running, transitions its
	// status per task.NextStatus; resubmission against a terminal task only appends the result
	// row (spec §4.2 idempotence).
	Submit(ctx context.Context, taskID int64, agentID int64, status task.ResultStatus, result task.StructuredResult, now time.Time) (*task.Task, error)
	ListResults(ctx context.Context, taskID int64) ([]*task.Result, error)

	StopNonTerminal(ctx context.Context, projectID int64, now time.Time) (int, error)

	ListChildren(ctx context.Context, groupID int64) ([]*task.Task, error)
	SetAggregate(ctx context.Context, parentTaskID int64, aggregate map[string]interface{}) error
	GetAggregate(ctx context.Context, parentTaskID int64) (map[string]interface{}, bool, error)

	ListNeedingRecheck(ctx context.Context, limit int) ([]*task.Task, error)
	CountRecheckAttempts(ctx context.Context, taskID int64) (int, error)
	MarkFailed(ctx context.Context, taskID int64, now time.Time) error
}

// AgentStore is exclusively owned by the Agent Registry (C3): agents, preferences, metrics,
// hardware, and reputation.
type AgentStore interface {
	Register(ctx context.Context, agentUID string, hw agent.Hardware, displayName string, now time.Time) (*agent.Agent, error)
	GetByUID(ctx context.Context, agentUID string) (*agent.Agent, error)
	GetByID(ctx context.Context, id int64) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]*agent.Agent, error)
	RecordMetrics(ctx context.Context, agentUID string, m agent.Metrics) error
	RecentMetrics(ctx context.Context, agentUID string, window time.Duration) ([]agent.Metrics, error)
	Touch(ctx context.Context, agentUID string, now time.Time) error

	SetPreferences(ctx context.Context, p *agent.Preferences) error
	GetPreferences(ctx context.Context, agentID, projectID int64) (*agent.Preferences, error)

	SetLimits(ctx context.Context, agentID int64, limits agent.ResourceLimits) error

	Block(ctx context.Context, agentID int64, reason string) error
	Unblock(ctx context.Context, agentID int64) error

	GetReputation(ctx context.Context, deviceID string) (*agent.Reputation, error)
	// UpdateReputation atomically adds delta to the device's score and returns the resulting
	// record plus whether this update crossed the low-reputation threshold downward.
	UpdateReputation(ctx context.Context, deviceID string, delta int, now time.Time) (rep *agent.Reputation, crossed bool, err error)
}

// FlagStore is append-only and shared-readable by the Verifier, the Assignment Engine, and
// observers (spec §3).
type FlagStore interface {
	Append(ctx context.Context, f *flag.Flag) error
	List(ctx context.Context, limit int) ([]*flag.Flag, error)
	ListByTask(ctx context.Context, taskID int64) ([]*flag.Flag, error)
}
