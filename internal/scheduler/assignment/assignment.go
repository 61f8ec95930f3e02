// Package assignment implements the Assignment Engine (C4): batches queued tasks to a requesting
// agent per spec §4.4's seven-step algorithm (candidate-project resolution, preference gating,
// per-project selection, policy clamping, atomic transition, script-metadata attachment,
// cross-project round robin fairness). Grounded on the teacher's internal/marble worker-dispatch
// loop for the "pull work, hand back envelopes" shape.
package assignment

import (
	"context"
	"time"

	"github.com/volcompute/orchestrator/internal/domain/agent"
	"github.com/volcompute/orchestrator/internal/domain/flag"
	"github.com/volcompute/orchestrator/internal/domain/project"
	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/metrics"
	agentregistry "github.com/volcompute/orchestrator/internal/scheduler/agents"
	"github.com/volcompute/orchestrator/internal/scheduler/policy"
	"github.com/volcompute/orchestrator/internal/storage"
)

// Engine implements RequestBatch (spec §4.4).
type Engine struct {
	projects storage.ProjectStore
	tasks    storage.TaskStore
	agents   storage.AgentStore
	flags    storage.FlagStore
	policy   *policy.Engine
	logger   *logging.Logger
}

// New creates an assignment Engine wired to its dependent stores and the policy engine.
func New(projects storage.ProjectStore, tasks storage.TaskStore, agents storage.AgentStore,
	flags storage.FlagStore, pol *policy.Engine, logger *logging.Logger) *Engine {
	return &Engine{projects: projects, tasks: tasks, agents: agents, flags: flags, policy: pol, logger: logger}
}

// Hints carries optional capability hints accompanying a request_batch call.
type Hints struct {
	AllowedTaskTypes map[string]struct{}
}

// RequestBatch implements spec §4.4's algorithm end to end.
func (e *Engine) RequestBatch(ctx context.Context, agentUID string, max int, hints Hints) ([]task.Envelope, error) {
	now := time.Now().UTC()

	// Step 1: load agent; if blocked or offline, return empty.
	a, err := e.agents.GetByUID(ctx, agentUID)
	if err != nil {
		return nil, err
	}
	if a.Blocked || agent.DeriveStatus(a.Blocked, a.LastSeen, now, agentregistry.HeartbeatWindow) == agent.StatusOffline {
		return nil, nil
	}

	// Step 5 (policy, applied to the whole batch request before per-project selection so the
	// clamp applies uniformly): ask the policy engine to approve/clamp the requested max.
	verdict := e.policy.Evaluate(ctx, policy.Proposal{
		Kind: policy.KindAssign, Origin: policy.OriginDeterministic, RequestedMax: max,
	})
	switch verdict.Decision {
	case policy.DecisionDeny:
		return nil, nil
	case policy.DecisionLimit:
		max = verdict.ClampedMax
	}
	if max <= 0 {
		return nil, nil
	}

	// Step 2: resolve candidate projects (active, demo).
	candidates, err := e.projects.ListSchedulableProjects(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Reputation gating (spec §4.4 "Reputation gating"): below threshold, only low-risk task
	// types are eligible.
	rep, err := e.agents.GetReputation(ctx, agentUID)
	if err != nil {
		return nil, err
	}
	lowReputation := rep.Score <= agent.LowReputationThreshold

	var envelopes []task.Envelope
	remaining := max

	// Round-robin across candidate projects in the same batch (spec §4.4 "Fairness").
	for remaining > 0 {
		progressed := false
		for _, p := range candidates {
			if remaining <= 0 {
				break
			}

			// Step 3: resolve the agent's preference row for this project.
			prefs, err := e.agents.GetPreferences(ctx, a.ID, p.ID)
			if err != nil {
				return nil, err
			}

			// Step 4: claim one queued task for this project per round-robin pass.
			claimed, err := e.tasks.RequestBatch(ctx, p.ID, allowedTypes(prefs, hints), 1, now)
			if err != nil {
				return nil, err
			}
			if len(claimed) == 0 {
				continue
			}

			env, skip, err := e.toEnvelope(ctx, p, claimed[0], lowReputation)
			if err != nil {
				return nil, err
			}
			if skip {
				continue
			}

			envelopes = append(envelopes, *env)
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if len(envelopes) > 0 && e.logger != nil {
		guids := make([]string, 0, len(candidates))
		for _, p := range candidates {
			guids = append(guids, p.GUID)
		}
		e.logger.LogAssignment(ctx, agentUID, len(envelopes), guids)
	}
	for _, env := range envelopes {
		metrics.Global().RecordDispatch(env.ProjectGUID, env.TaskType, 1)
	}

	return envelopes, nil
}

// toEnvelope resolves the claimed task's Task Type for script metadata (step 7). Missing or
// low-risk-ineligible metadata leaves the task queued and records a hash_mismatch flag
// (spec §4.4 step 7).
func (e *Engine) toEnvelope(ctx context.Context, p *project.Project, t *task.Task, lowReputation bool) (*task.Envelope, bool, error) {
	tt, err := e.projects.GetTaskType(ctx, p.ID, t.TaskType)
	if err != nil {
		e.skipTask(ctx, t, "missing_task_type")
		return nil, true, nil
	}
	if lowReputation && !tt.LowRisk {
		e.skipTask(ctx, t, "low_reputation_gate")
		return nil, true, nil
	}

	return &task.Envelope{
		TaskID:               t.ID,
		ProjectGUID:          p.GUID,
		ProjectStoragePrefix: p.StoragePrefix,
		TaskType:             t.TaskType,
		Payload:              t.Payload,
		ScriptObjectKey:      tt.ScriptObjectKey,
		ScriptSHA256:         tt.ScriptSHA256,
		Limits:               defaultLimits(),
	}, false, nil
}

// skipTask reverts a claimed task back to queued (it was never actually handed to an agent) and
// records the hash_mismatch flag per spec §4.4 step 7.
func (e *Engine) skipTask(ctx context.Context, t *task.Task, reason string) {
	_ = e.tasks.Requeue(ctx, t.ID, time.Now().UTC())
	taskID := t.ID
	_ = e.flags.Append(ctx, &flag.Flag{
		TaskRef: &taskID,
		Reason:  flag.ReasonHashMismatch,
		Details: map[string]interface{}{"detail": reason},
	})
}

func allowedTypes(prefs *agent.Preferences, hints Hints) map[string]struct{} {
	if hints.AllowedTaskTypes != nil {
		return hints.AllowedTaskTypes
	}
	if prefs == nil {
		return nil
	}
	return prefs.AllowedTaskTypes
}

// defaultLimits are the sandbox resource caps attached to every dispatched envelope (spec §4.5
// defaults); a future per-task-type override could read these from project.TaskType.
func defaultLimits() task.Limits {
	return task.Limits{
		TimeoutMS:      120_000,
		OutputBytes:    1 << 20,
		WorkspaceBytes: 64 << 20,
	}
}
