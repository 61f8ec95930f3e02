// Package agents implements the Agent Registry & Reputation component (C3): registration,
// heartbeat/metrics ingestion, preference and limit management, and block/unblock, plus derived
// status (spec §4.3). A thin layer over storage.AgentStore, grounded on the teacher's
// internal/app/core/service validate-then-store-call shape.
package agents

import (
	"context"
	"time"

	"github.com/volcompute/orchestrator/internal/domain/agent"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/logging"
)

// HeartbeatWindow is the liveness window used by agent.DeriveStatus (spec §4.3).
const HeartbeatWindow = 60 * time.Second

// storageAgentStore is the subset of storage.AgentStore the registry depends on.
type storageAgentStore interface {
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
	UpdateReputation(ctx context.Context, deviceID string, delta int, now time.Time) (*agent.Reputation, bool, error)
}

// Registry implements the Agent Registry's operations.
type Registry struct {
	store  storageAgentStore
	logger *logging.Logger
}

// New creates a Registry wired to its store.
func New(store storageAgentStore, logger *logging.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Register enrolls an agent, validating minimally-sane hardware (spec §6 /v1/agents/register).
func (r *Registry) Register(ctx context.Context, agentUID string, hw agent.Hardware, displayName string) (*agent.Agent, error) {
	if agentUID == "" {
		return nil, errors.MissingParameter("agent_uid")
	}
	if hw.CPUCores <= 0 {
		return nil, errors.InvalidInput("cpu_cores", "must be positive")
	}
	a, err := r.store.Register(ctx, agentUID, hw, displayName, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if r.logger != nil {
		r.logger.WithContext(ctx).WithField("agent_uid", agentUID).Info("agent registered")
	}
	return a, nil
}

// Heartbeat records a metrics sample and bumps last-seen (spec §6 /v1/agents/metrics).
func (r *Registry) Heartbeat(ctx context.Context, agentUID string, m agent.Metrics) error {
	now := time.Now().UTC()
	if m.SampledAt.IsZero() {
		m.SampledAt = now
	}
	if err := r.store.RecordMetrics(ctx, agentUID, m); err != nil {
		return err
	}
	return r.store.Touch(ctx, agentUID, now)
}

// SetPreferences replaces an agent's per-project task-type allow-list (spec §6
// /v1/agents/preferences).
func (r *Registry) SetPreferences(ctx context.Context, agentID, projectID int64, allowed map[string]struct{}) error {
	return r.store.SetPreferences(ctx, &agent.Preferences{AgentID: agentID, ProjectID: projectID, AllowedTaskTypes: allowed})
}

// SetLimits replaces an agent's resource-share caps (spec §3, §4.3).
func (r *Registry) SetLimits(ctx context.Context, agentID int64, limits agent.ResourceLimits) error {
	if limits.CPUPercent < 0 || limits.CPUPercent > 100 {
		return errors.OutOfRange("cpu_percent", 0, 100)
	}
	if limits.GPUPercent < 0 || limits.GPUPercent > 100 {
		return errors.OutOfRange("gpu_percent", 0, 100)
	}
	if limits.RAMPercent < 0 || limits.RAMPercent > 100 {
		return errors.OutOfRange("ram_percent", 0, 100)
	}
	return r.store.SetLimits(ctx, agentID, limits)
}

// Block marks an agent blocked; a blocked agent is excluded from RequestBatch step 1 (spec §4.4).
func (r *Registry) Block(ctx context.Context, agentID int64, reason string) error {
	if err := r.store.Block(ctx, agentID, reason); err != nil {
		return err
	}
	if r.logger != nil {
		r.logger.WithContext(ctx).WithField("agent_id", agentID).WithField("reason", reason).Warn("agent blocked")
	}
	return nil
}

// Unblock clears an agent's blocked state.
func (r *Registry) Unblock(ctx context.Context, agentID int64) error {
	return r.store.Unblock(ctx, agentID)
}

// WithStatus resolves an agent plus its derived liveness status as of now (spec §4.3).
func (r *Registry) WithStatus(ctx context.Context, agentUID string) (*agent.Agent, agent.Status, error) {
	a, err := r.store.GetByUID(ctx, agentUID)
	if err != nil {
		return nil, "", err
	}
	return a, agent.DeriveStatus(a.Blocked, a.LastSeen, time.Now().UTC(), HeartbeatWindow), nil
}

// List resolves every agent plus its derived status, for /v1/agents and the Broadcaster.
func (r *Registry) List(ctx context.Context) ([]*agent.Agent, map[string]agent.Status, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	statuses := make(map[string]agent.Status, len(all))
	for _, a := range all {
		statuses[a.AgentUID] = agent.DeriveStatus(a.Blocked, a.LastSeen, now, HeartbeatWindow)
	}
	return all, statuses, nil
}
