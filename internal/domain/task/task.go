// Package task defines the Task Store's data model (C2): tasks, task results, and envelopes.
package task

import "time"

// Status is the lifecycle state of a task (spec §3).
type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
	StatusNeedsRecheck Status = "needs_recheck"
	StatusSuspicious   Status = "suspicious"
	StatusStopped      Status = "stopped"
)

// IsTerminal reports whether a status is one a task can no longer transition out of on its own
// (aggregation waits for every child to reach one of these; spec §4.6, §8).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Task belongs to exactly one project and optionally to a fan-out group (spec §3).
type Task struct {
	ID            int64
	ProjectID     int64
	Status        Status
	TaskType      string
	Payload       map[string]interface{}
	Priority      int
	GroupID       *int64
	ParentTaskID  *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// ResultStatus is the outcome status reported in a Task Result row (spec §3).
type ResultStatus string

const (
	ResultOK       ResultStatus = "ok"
	ResultError    ResultStatus = "error"
	ResultMismatch ResultStatus = "mismatch"
)

// Result is one submission against a task; multiple results per task are allowed, ordered by
// creation (original submission plus any server-side rechecks), spec §3.
type Result struct {
	ID        int64
	TaskID    int64
	AgentID   int64
	Status    ResultStatus
	Result    StructuredResult
	CreatedAt time.Time
}

// StructuredResult mirrors the task result envelope's `result` object (spec §6).
type StructuredResult struct {
	ExitCode       int                    `json:"exit_code"`
	DurationMS     int64                  `json:"duration_ms"`
	StdoutSHA256   string                 `json:"stdout_sha256"`
	StderrSHA256   string                 `json:"stderr_sha256"`
	WorkspaceBytes int64                  `json:"workspace_bytes"`
	Structured     map[string]interface{} `json:"structured,omitempty"`
}

// Limits carries the per-task resource caps handed to the sandbox inside an envelope (spec §6).
type Limits struct {
	TimeoutMS      int64 `json:"timeout_ms"`
	OutputBytes    int64 `json:"output_bytes"`
	WorkspaceBytes int64 `json:"workspace_bytes"`
}

// Envelope is the wire-format task handed from the Assignment Engine to an agent (spec §6).
// ProjectStoragePrefix is not part of the wire JSON; it is carried on in-process copies (the
// Assignment Engine's and the Verifier's) so the Sandbox can resolve
// "<project_storage_prefix>/<script_object_key>" directly against object storage (spec §6 "Object
// storage" paragraph). An envelope decoded from the wire has an empty prefix, so an agent resolves
// ScriptObjectKey at the root of its own local object store.
type Envelope struct {
	TaskID               int64                  `json:"task_id"`
	ProjectGUID          string                 `json:"project_guid"`
	ProjectStoragePrefix string                 `json:"-"`
	TaskType             string                 `json:"task_type"`
	Payload              map[string]interface{} `json:"payload"`
	ScriptObjectKey      string                 `json:"script_object_key"`
	ScriptSHA256         string                 `json:"script_sha256"`
	Limits               Limits                 `json:"limits"`
}

// ResultEnvelope is the wire-format submission an agent POSTs back (spec §6).
type ResultEnvelope struct {
	TaskID   int64            `json:"task_id"`
	AgentUID string           `json:"agent_uid"`
	Status   ResultStatus     `json:"status"`
	Result   StructuredResult `json:"result"`
}

// NextStatus maps a submitted result status to the task's next status (spec §4.2):
// ok -> done, error -> needs_recheck, mismatch -> suspicious.
func NextStatus(result ResultStatus) Status {
	switch result {
	case ResultOK:
		return StatusDone
	case ResultMismatch:
		return StatusSuspicious
	default:
		return StatusNeedsRecheck
	}
}
