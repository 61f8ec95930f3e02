// Package memory is a thread-safe in-memory implementation of the storage interfaces, intended
// for tests and for the scheduler's default in-process mode, mirroring the teacher's
// single-Memory-struct-with-an-RWMutex layout (internal/app/storage.Memory in the teacher pack).
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/volcompute/orchestrator/internal/domain/agent"
	"github.com/volcompute/orchestrator/internal/domain/flag"
	"github.com/volcompute/orchestrator/internal/domain/project"
	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/storage"
)

var (
	_ storage.ProjectStore = (*Memory)(nil)
	_ storage.TaskStore    = (*Memory)(nil)
	_ storage.AgentStore   = (*Memory)(nil)
	_ storage.FlagStore    = (*Memory)(nil)
)

// Memory is a thread-safe in-memory persistence layer implementing ProjectStore, TaskStore,
// AgentStore, and FlagStore. Deliberately simple: one mutex guards every map, matching the
// teacher's approach of favoring straightforward correctness over fine-grained locking.
type Memory struct {
	mu sync.RWMutex

	nextProjectID int64
	nextTaskID    int64
	nextResultID  int64
	nextAgentID   int64
	nextFlagID    int64

	projects  map[int64]*project.Project
	guidIndex map[string]int64
	nameIndex map[string]int64
	taskTypes map[int64]map[string]*project.TaskType

	tasks       map[int64]*task.Task
	results     map[int64][]*task.Result
	aggregates  map[int64]map[string]interface{}

	agents    map[int64]*agent.Agent
	uidIndex  map[string]int64
	metrics   map[string][]agent.Metrics
	prefs     map[int64]map[int64]*agent.Preferences
	reputation map[string]*agent.Reputation

	flags []*flag.Flag
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		nextProjectID: 1,
		nextTaskID:    1,
		nextResultID:  1,
		nextAgentID:   1,
		nextFlagID:    1,
		projects:      make(map[int64]*project.Project),
		guidIndex:     make(map[string]int64),
		nameIndex:     make(map[string]int64),
		taskTypes:     make(map[int64]map[string]*project.TaskType),
		tasks:         make(map[int64]*task.Task),
		results:       make(map[int64][]*task.Result),
		aggregates:    make(map[int64]map[string]interface{}),
		agents:        make(map[int64]*agent.Agent),
		uidIndex:      make(map[string]int64),
		metrics:       make(map[string][]agent.Metrics),
		prefs:         make(map[int64]map[int64]*agent.Preferences),
		reputation:    make(map[string]*agent.Reputation),
	}
}

func cloneProject(p *project.Project) *project.Project {
	cp := *p
	return &cp
}

func cloneTask(t *task.Task) *task.Task {
	ct := *t
	if t.Payload != nil {
		ct.Payload = make(map[string]interface{}, len(t.Payload))
		for k, v := range t.Payload {
			ct.Payload[k] = v
		}
	}
	return &ct
}

// --- ProjectStore ---------------------------------------------------------

func (m *Memory) CreateProject(_ context.Context, p *project.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nameIndex[p.Name]; exists {
		return errors.AlreadyExists("project", p.Name)
	}

	p.ID = m.nextProjectID
	m.nextProjectID++
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.projects[p.ID] = cloneProject(p)
	m.guidIndex[p.GUID] = p.ID
	m.nameIndex[p.Name] = p.ID
	m.taskTypes[p.ID] = make(map[string]*project.TaskType)
	return nil
}

func (m *Memory) GetProject(_ context.Context, id int64) (*project.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, errors.NotFound("project", itoa(id))
	}
	return cloneProject(p), nil
}

func (m *Memory) GetProjectByGUID(_ context.Context, guid string) (*project.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.guidIndex[guid]
	if !ok {
		return nil, errors.NotFound("project", guid)
	}
	return cloneProject(m.projects[id]), nil
}

func (m *Memory) GetProjectByName(_ context.Context, name string) (*project.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nameIndex[name]
	if !ok {
		return nil, errors.NotFound("project", name)
	}
	return cloneProject(m.projects[id]), nil
}

func (m *Memory) ListProjects(_ context.Context) ([]*project.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*project.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListSchedulableProjects(_ context.Context) ([]*project.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*project.Project, 0)
	for _, p := range m.projects {
		if p.Status.IsSchedulable() {
			out = append(out, cloneProject(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id int64, status project.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return errors.NotFound("project", itoa(id))
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteProject(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return errors.NotFound("project", itoa(id))
	}
	if p.IsDemo {
		return errors.Forbidden("demo project cannot be deleted")
	}
	delete(m.projects, id)
	delete(m.guidIndex, p.GUID)
	delete(m.nameIndex, p.Name)
	delete(m.taskTypes, id)
	for tid, t := range m.tasks {
		if t.ProjectID == id {
			delete(m.tasks, tid)
			delete(m.results, tid)
		}
	}
	return nil
}

func (m *Memory) UpsertTaskType(_ context.Context, tt *project.TaskType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byProject, ok := m.taskTypes[tt.ProjectID]
	if !ok {
		byProject = make(map[string]*project.TaskType)
		m.taskTypes[tt.ProjectID] = byProject
	}
	cp := *tt
	byProject[tt.TypeName] = &cp
	return nil
}

func (m *Memory) GetTaskType(_ context.Context, projectID int64, typeName string) (*project.TaskType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byProject, ok := m.taskTypes[projectID]
	if !ok {
		return nil, errors.NotFound("task_type", typeName)
	}
	tt, ok := byProject[typeName]
	if !ok {
		return nil, errors.NotFound("task_type", typeName)
	}
	cp := *tt
	return &cp, nil
}

func (m *Memory) ListTaskTypes(_ context.Context, projectID int64) ([]*project.TaskType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byProject := m.taskTypes[projectID]
	out := make([]*project.TaskType, 0, len(byProject))
	for _, tt := range byProject {
		cp := *tt
		out = append(out, &cp)
	}
	return out, nil
}

// --- TaskStore --------------------------------------------------------------

func (m *Memory) Enqueue(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextTaskID
	m.nextTaskID++
	now := time.Now().UTC()
	t.Status = task.StatusQueued
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

// RequestBatch holds the single write lock for its whole duration, which is what makes the
// at-most-one-agent-per-task guarantee trivial in the in-memory implementation (spec §4.2, §5,
// §8 "requesting the same queue concurrently never yields overlapping task ids").
func (m *Memory) RequestBatch(_ context.Context, projectID int64, allowed map[string]struct{}, max int, now time.Time) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.ProjectID != projectID || t.Status != task.StatusQueued {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[t.TaskType]; !ok {
				continue
			}
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if max >= 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]*task.Task, 0, len(candidates))
	for _, t := range candidates {
		t.Status = task.StatusRunning
		t.StartedAt = &now
		t.UpdatedAt = now
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", itoa(id))
	}
	return cloneTask(t), nil
}

func (m *Memory) Requeue(_ context.Context, taskID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return errors.NotFound("task", itoa(taskID))
	}
	if t.Status != task.StatusRunning {
		return nil
	}
	t.Status = task.StatusQueued
	t.StartedAt = nil
	t.UpdatedAt = now
	return nil
}

func (m *Memory) ListByProject(_ context.Context, projectID int64, status *task.Status, limit int) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if status != nil && t.Status != *status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListQueuedByProject(ctx context.Context, projectID int64, limit int) ([]*task.Task, error) {
	s := task.StatusQueued
	return m.ListByProject(ctx, projectID, &s, limit)
}

func (m *Memory) Submit(_ context.Context, taskID int64, agentID int64, status task.ResultStatus, result task.StructuredResult, now time.Time) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", itoa(taskID))
	}

	m.nextResultID++
	m.results[taskID] = append(m.results[taskID], &task.Result{
		ID:        m.nextResultID,
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    status,
		Result:    result,
		CreatedAt: now,
	})

	if t.Status == task.StatusRunning {
		t.Status = task.NextStatus(status)
		t.UpdatedAt = now
		if t.Status.IsTerminal() {
			t.CompletedAt = &now
		}
	}
	return cloneTask(t), nil
}

func (m *Memory) ListResults(_ context.Context, taskID int64) ([]*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.results[taskID]
	out := make([]*task.Result, len(src))
	for i, r := range src {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) StopNonTerminal(_ context.Context, projectID int64, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.tasks {
		if t.ProjectID != projectID || t.Status.IsTerminal() {
			continue
		}
		t.Status = task.StatusStopped
		t.UpdatedAt = now
		t.CompletedAt = &now
		count++
	}
	return count, nil
}

func (m *Memory) ListChildren(_ context.Context, groupID int64) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.GroupID != nil && *t.GroupID == groupID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetAggregate(_ context.Context, parentTaskID int64, aggregate map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[parentTaskID]; !ok {
		return errors.NotFound("task", itoa(parentTaskID))
	}
	m.aggregates[parentTaskID] = aggregate
	return nil
}

func (m *Memory) GetAggregate(_ context.Context, parentTaskID int64) (map[string]interface{}, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg, ok := m.aggregates[parentTaskID]
	return agg, ok, nil
}

func (m *Memory) ListNeedingRecheck(_ context.Context, limit int) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.Status == task.StatusNeedsRecheck || t.Status == task.StatusSuspicious {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountRecheckAttempts counts the Task Result rows recorded against the task. Rows are appended
// only by agent submissions (Submit); the Verifier's server-side re-execution appends none. The
// Verifier uses this count as the recheck-attempt counter against the threshold (spec §4.6).
func (m *Memory) CountRecheckAttempts(_ context.Context, taskID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results[taskID]), nil
}

func (m *Memory) MarkFailed(_ context.Context, taskID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return errors.NotFound("task", itoa(taskID))
	}
	t.Status = task.StatusFailed
	t.UpdatedAt = now
	t.CompletedAt = &now
	return nil
}

// --- AgentStore --------------------------------------------------------------

func (m *Memory) Register(_ context.Context, agentUID string, hw agent.Hardware, displayName string, now time.Time) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.uidIndex[agentUID]; ok {
		a := m.agents[id]
		a.Hardware = hw
		if displayName != "" {
			a.DisplayName = displayName
		}
		a.Status = agent.StatusOnline
		a.LastSeen = now
		cp := *a
		return &cp, nil
	}

	id := m.nextAgentID
	m.nextAgentID++
	a := &agent.Agent{
		ID:          id,
		AgentUID:    agentUID,
		DisplayName: displayName,
		Status:      agent.StatusOnline,
		Hardware:    hw,
		LastSeen:    now,
		CreatedAt:   now,
	}
	m.agents[id] = a
	m.uidIndex[agentUID] = id
	m.prefs[id] = make(map[int64]*agent.Preferences)
	cp := *a
	return &cp, nil
}

func (m *Memory) GetByUID(_ context.Context, agentUID string) (*agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.uidIndex[agentUID]
	if !ok {
		return nil, errors.NotFound("agent", agentUID)
	}
	cp := *m.agents[id]
	return &cp, nil
}

func (m *Memory) GetByID(_ context.Context, id int64) (*agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, errors.NotFound("agent", itoa(id))
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAgents(_ context.Context) ([]*agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RecordMetrics(_ context.Context, agentUID string, sample agent.Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[agentUID] = append(m.metrics[agentUID], sample)
	if id, ok := m.uidIndex[agentUID]; ok {
		m.agents[id].LastSeen = sample.SampledAt
	}
	return nil
}

func (m *Memory) RecentMetrics(_ context.Context, agentUID string, window time.Duration) ([]agent.Metrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.metrics[agentUID]
	cutoff := time.Now().UTC().Add(-window)
	out := make([]agent.Metrics, 0, len(src))
	for _, s := range src {
		if s.SampledAt.After(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) Touch(_ context.Context, agentUID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.uidIndex[agentUID]
	if !ok {
		return errors.NotFound("agent", agentUID)
	}
	m.agents[id].LastSeen = now
	return nil
}

func (m *Memory) SetPreferences(_ context.Context, p *agent.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAgent, ok := m.prefs[p.AgentID]
	if !ok {
		byAgent = make(map[int64]*agent.Preferences)
		m.prefs[p.AgentID] = byAgent
	}
	cp := *p
	byAgent[p.ProjectID] = &cp
	return nil
}

func (m *Memory) GetPreferences(_ context.Context, agentID, projectID int64) (*agent.Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byAgent, ok := m.prefs[agentID]
	if !ok {
		return nil, nil
	}
	p, ok := byAgent[projectID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) SetLimits(_ context.Context, agentID int64, limits agent.ResourceLimits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return errors.NotFound("agent", itoa(agentID))
	}
	a.Limits = limits
	return nil
}

func (m *Memory) Block(_ context.Context, agentID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return errors.NotFound("agent", itoa(agentID))
	}
	a.Blocked = true
	a.BlockReason = reason
	a.Status = agent.StatusBlocked
	return nil
}

func (m *Memory) Unblock(_ context.Context, agentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return errors.NotFound("agent", itoa(agentID))
	}
	a.Blocked = false
	a.BlockReason = ""
	return nil
}

func (m *Memory) GetReputation(_ context.Context, deviceID string) (*agent.Reputation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rep, ok := m.reputation[deviceID]
	if !ok {
		return &agent.Reputation{DeviceID: deviceID, Score: 0}, nil
	}
	cp := *rep
	return &cp, nil
}

func (m *Memory) UpdateReputation(_ context.Context, deviceID string, delta int, now time.Time) (*agent.Reputation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep, ok := m.reputation[deviceID]
	if !ok {
		rep = &agent.Reputation{DeviceID: deviceID, Score: 0}
		m.reputation[deviceID] = rep
	}
	before := rep.Score
	rep.Score += delta
	rep.UpdatedAt = now
	crossed := agent.CrossedLowReputation(before, rep.Score)
	cp := *rep
	return &cp, crossed, nil
}

// --- FlagStore --------------------------------------------------------------

func (m *Memory) Append(_ context.Context, f *flag.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = m.nextFlagID
	m.nextFlagID++
	f.CreatedAt = time.Now().UTC()
	cp := *f
	m.flags = append(m.flags, &cp)
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]*flag.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.flags)
	start := 0
	if limit > 0 && n > limit {
		start = n - limit
	}
	out := make([]*flag.Flag, 0, n-start)
	for _, f := range m.flags[start:] {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListByTask(_ context.Context, taskID int64) ([]*flag.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*flag.Flag, 0)
	for _, f := range m.flags {
		if f.TaskRef != nil && *f.TaskRef == taskID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
