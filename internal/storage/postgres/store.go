// Package postgres implements the storage interfaces backed by PostgreSQL, grounded in the
// teacher's internal/app/storage/postgres.Store: raw parameterized SQL over database/sql and
// lib/pq, JSON-marshaled blob columns, google/uuid for project guids. Unlike the teacher (which has no
// transaction usage anywhere in the tree), RequestBatch introduces a BeginTx + SELECT ... FOR
// UPDATE SKIP LOCKED transaction, the idiomatic database/sql pattern for the spec's hard
// at-most-one-agent-per-task requirement (spec §4.2, §5) — the teacher's own stack already
// depends on database/sql, so this exercises more of an existing dependency rather than adding one.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/volcompute/orchestrator/internal/domain/agent"
	"github.com/volcompute/orchestrator/internal/domain/flag"
	"github.com/volcompute/orchestrator/internal/domain/project"
	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/storage"
)

// Store implements ProjectStore, TaskStore, AgentStore, and FlagStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ storage.ProjectStore = (*Store)(nil)
	_ storage.TaskStore    = (*Store)(nil)
	_ storage.AgentStore   = (*Store)(nil)
	_ storage.FlagStore    = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- ProjectStore -------------------------------------------------------------

func (s *Store) CreateProject(ctx context.Context, p *project.Project) error {
	if p.GUID == "" {
		p.GUID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.StoragePrefix = project.StoragePrefixFromGUID(p.GUID)

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (guid, name, description, status, owner, is_demo, storage_prefix, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, p.GUID, p.Name, p.Description, p.Status, p.Owner, p.IsDemo, p.StoragePrefix, p.CreatedAt, p.UpdatedAt)

	if err := row.Scan(&p.ID); err != nil {
		return errors.DatabaseError("create_project", err)
	}
	return nil
}

func (s *Store) scanProject(row interface{ Scan(...interface{}) error }) (*project.Project, error) {
	var p project.Project
	if err := row.Scan(&p.ID, &p.GUID, &p.Name, &p.Description, &p.Status, &p.Owner, &p.IsDemo,
		&p.StoragePrefix, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("project", "")
		}
		return nil, errors.DatabaseError("scan_project", err)
	}
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guid, name, description, status, owner, is_demo, storage_prefix, created_at, updated_at
		FROM projects WHERE id = $1
	`, id)
	return s.scanProject(row)
}

func (s *Store) GetProjectByGUID(ctx context.Context, guid string) (*project.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guid, name, description, status, owner, is_demo, storage_prefix, created_at, updated_at
		FROM projects WHERE guid = $1
	`, guid)
	return s.scanProject(row)
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*project.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guid, name, description, status, owner, is_demo, storage_prefix, created_at, updated_at
		FROM projects WHERE name = $1
	`, name)
	return s.scanProject(row)
}

func (s *Store) listProjects(ctx context.Context, where string, args ...interface{}) ([]*project.Project, error) {
	query := `SELECT id, guid, name, description, status, owner, is_demo, storage_prefix, created_at, updated_at FROM projects`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DatabaseError("list_projects", err)
	}
	defer rows.Close()

	var out []*project.Project
	for rows.Next() {
		var p project.Project
		if err := rows.Scan(&p.ID, &p.GUID, &p.Name, &p.Description, &p.Status, &p.Owner, &p.IsDemo,
			&p.StoragePrefix, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, errors.DatabaseError("scan_project", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) ListProjects(ctx context.Context) ([]*project.Project, error) {
	return s.listProjects(ctx, "")
}

func (s *Store) ListSchedulableProjects(ctx context.Context) ([]*project.Project, error) {
	return s.listProjects(ctx, "status IN ($1, $2)", project.StatusActive, project.StatusDemo)
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status project.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return errors.DatabaseError("update_project_status", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errors.NotFound("project", "")
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if p.IsDemo {
		return errors.Forbidden("demo project cannot be deleted")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("delete_project_begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_results WHERE task_id IN (SELECT id FROM tasks WHERE project_id = $1)`, id); err != nil {
		return errors.DatabaseError("delete_project_results", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = $1`, id); err != nil {
		return errors.DatabaseError("delete_project_tasks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_types WHERE project_id = $1`, id); err != nil {
		return errors.DatabaseError("delete_project_task_types", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
		return errors.DatabaseError("delete_project", err)
	}
	return tx.Commit()
}

func (s *Store) UpsertTaskType(ctx context.Context, tt *project.TaskType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_types (project_id, type_name, script_object_key, script_sha256, version, low_risk)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, type_name) DO UPDATE
		SET script_object_key = EXCLUDED.script_object_key,
		    script_sha256 = EXCLUDED.script_sha256,
		    version = EXCLUDED.version,
		    low_risk = EXCLUDED.low_risk
	`, tt.ProjectID, tt.TypeName, tt.ScriptObjectKey, tt.ScriptSHA256, tt.Version, tt.LowRisk)
	if err != nil {
		return errors.DatabaseError("upsert_task_type", err)
	}
	return nil
}

func (s *Store) GetTaskType(ctx context.Context, projectID int64, typeName string) (*project.TaskType, error) {
	var tt project.TaskType
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, type_name, script_object_key, script_sha256, version, low_risk
		FROM task_types WHERE project_id = $1 AND type_name = $2
	`, projectID, typeName)
	if err := row.Scan(&tt.ProjectID, &tt.TypeName, &tt.ScriptObjectKey, &tt.ScriptSHA256, &tt.Version, &tt.LowRisk); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("task_type", typeName)
		}
		return nil, errors.DatabaseError("get_task_type", err)
	}
	return &tt, nil
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID int64) ([]*project.TaskType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, type_name, script_object_key, script_sha256, version, low_risk
		FROM task_types WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, errors.DatabaseError("list_task_types", err)
	}
	defer rows.Close()

	var out []*project.TaskType
	for rows.Next() {
		var tt project.TaskType
		if err := rows.Scan(&tt.ProjectID, &tt.TypeName, &tt.ScriptObjectKey, &tt.ScriptSHA256, &tt.Version, &tt.LowRisk); err != nil {
			return nil, errors.DatabaseError("scan_task_type", err)
		}
		out = append(out, &tt)
	}
	return out, rows.Err()
}

// --- TaskStore ------------------------------------------------------------

func (s *Store) Enqueue(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	t.Status = task.StatusQueued
	t.CreatedAt = now
	t.UpdatedAt = now

	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return errors.InvalidInput("payload", err.Error())
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (project_id, status, task_type, payload, priority, group_id, parent_task_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, t.ProjectID, t.Status, t.TaskType, payloadJSON, t.Priority, t.GroupID, t.ParentTaskID, t.CreatedAt, t.UpdatedAt)
	if err := row.Scan(&t.ID); err != nil {
		return errors.DatabaseError("enqueue_task", err)
	}
	return nil
}

// RequestBatch claims up to max queued tasks for a project in a single serialized transaction
// using SELECT ... FOR UPDATE SKIP LOCKED, guaranteeing at-most-one-agent-per-task under
// concurrent callers without holding a table-wide lock (spec §4.2, §5).
func (s *Store) RequestBatch(ctx context.Context, projectID int64, allowed map[string]struct{}, max int, now time.Time) ([]*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.DatabaseError("request_batch_begin", err)
	}
	defer tx.Rollback()

	var typeFilter []string
	for t := range allowed {
		typeFilter = append(typeFilter, t)
	}

	query := `
		SELECT id, project_id, status, task_type, payload, priority, group_id, parent_task_id, created_at, updated_at
		FROM tasks
		WHERE project_id = $1 AND status = $2
	`
	args := []interface{}{projectID, task.StatusQueued}
	if typeFilter != nil {
		query += ` AND task_type = ANY($3)`
		args = append(args, pq.Array(typeFilter))
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT $` + fmtInt(len(args)+1) +
		` FOR UPDATE SKIP LOCKED`
	args = append(args, max)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DatabaseError("request_batch_select", err)
	}

	var claimed []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.DatabaseError("request_batch_scan", err)
	}
	rows.Close()

	for _, t := range claimed {
		t.Status = task.StatusRunning
		t.StartedAt = &now
		t.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = $2, started_at = $3, updated_at = $4 WHERE id = $1
		`, t.ID, t.Status, t.StartedAt, t.UpdatedAt); err != nil {
			return nil, errors.DatabaseError("request_batch_update", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.DatabaseError("request_batch_commit", err)
	}
	return claimed, nil
}

func fmtInt(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTaskRow(row scannable) (*task.Task, error) {
	var t task.Task
	var payloadRaw []byte
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Status, &t.TaskType, &payloadRaw, &t.Priority,
		&t.GroupID, &t.ParentTaskID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("task", "")
		}
		return nil, errors.DatabaseError("scan_task", err)
	}
	if len(payloadRaw) > 0 {
		_ = json.Unmarshal(payloadRaw, &t.Payload)
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, status, task_type, payload, priority, group_id, parent_task_id, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)
	return scanTaskRow(row)
}

func (s *Store) Requeue(ctx context.Context, taskID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, started_at = NULL, updated_at = $3
		WHERE id = $1 AND status = $4
	`, taskID, task.StatusQueued, now, task.StatusRunning)
	if err != nil {
		return errors.DatabaseError("requeue_task", err)
	}
	return nil
}

func (s *Store) ListByProject(ctx context.Context, projectID int64, status *task.Status, limit int) ([]*task.Task, error) {
	query := `
		SELECT id, project_id, status, task_type, payload, priority, group_id, parent_task_id, created_at, updated_at
		FROM tasks WHERE project_id = $1
	`
	args := []interface{}{projectID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ` + fmtInt(limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DatabaseError("list_tasks", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListQueuedByProject(ctx context.Context, projectID int64, limit int) ([]*task.Task, error) {
	q := task.StatusQueued
	return s.ListByProject(ctx, projectID, &q, limit)
}

func (s *Store) Submit(ctx context.Context, taskID int64, agentID int64, status task.ResultStatus, result task.StructuredResult, now time.Time) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.DatabaseError("submit_begin", err)
	}
	defer tx.Rollback()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, errors.InvalidInput("result", err.Error())
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_results (task_id, agent_id, status, result, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, taskID, agentID, status, resultJSON, now); err != nil {
		return nil, errors.DatabaseError("insert_task_result", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, project_id, status, task_type, payload, priority, group_id, parent_task_id, created_at, updated_at
		FROM tasks WHERE id = $1 FOR UPDATE
	`, taskID)
	t, err := scanTaskRow(row)
	if err != nil {
		return nil, err
	}

	if t.Status == task.StatusRunning {
		next := task.NextStatus(status)
		t.Status = next
		t.UpdatedAt = now
		var completedAt interface{}
		if next.IsTerminal() {
			t.CompletedAt = &now
			completedAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = $2, updated_at = $3, completed_at = $4 WHERE id = $1
		`, taskID, t.Status, t.UpdatedAt, completedAt); err != nil {
			return nil, errors.DatabaseError("submit_update_task", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.DatabaseError("submit_commit", err)
	}
	return t, nil
}

func (s *Store) ListResults(ctx context.Context, taskID int64) ([]*task.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, status, result, created_at
		FROM task_results WHERE task_id = $1 ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, errors.DatabaseError("list_results", err)
	}
	defer rows.Close()

	var out []*task.Result
	for rows.Next() {
		var r task.Result
		var resultRaw []byte
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.Status, &resultRaw, &r.CreatedAt); err != nil {
			return nil, errors.DatabaseError("scan_result", err)
		}
		_ = json.Unmarshal(resultRaw, &r.Result)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) StopNonTerminal(ctx context.Context, projectID int64, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, updated_at = $3, completed_at = $3
		WHERE project_id = $1 AND status NOT IN ($4, $5, $6)
	`, projectID, task.StatusStopped, now, task.StatusDone, task.StatusFailed, task.StatusStopped)
	if err != nil {
		return 0, errors.DatabaseError("stop_non_terminal", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) ListChildren(ctx context.Context, groupID int64) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, status, task_type, payload, priority, group_id, parent_task_id, created_at, updated_at
		FROM tasks WHERE group_id = $1 ORDER BY id
	`, groupID)
	if err != nil {
		return nil, errors.DatabaseError("list_children", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetAggregate(ctx context.Context, parentTaskID int64, aggregate map[string]interface{}) error {
	aggJSON, err := json.Marshal(aggregate)
	if err != nil {
		return errors.InvalidInput("aggregate", err.Error())
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET aggregate = $2 WHERE id = $1`, parentTaskID, aggJSON)
	if err != nil {
		return errors.DatabaseError("set_aggregate", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errors.NotFound("task", "")
	}
	return nil
}

func (s *Store) GetAggregate(ctx context.Context, parentTaskID int64) (map[string]interface{}, bool, error) {
	var aggRaw []byte
	row := s.db.QueryRowContext(ctx, `SELECT aggregate FROM tasks WHERE id = $1`, parentTaskID)
	if err := row.Scan(&aggRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, errors.NotFound("task", "")
		}
		return nil, false, errors.DatabaseError("get_aggregate", err)
	}
	if len(aggRaw) == 0 {
		return nil, false, nil
	}
	var agg map[string]interface{}
	if err := json.Unmarshal(aggRaw, &agg); err != nil {
		return nil, false, errors.DatabaseError("unmarshal_aggregate", err)
	}
	return agg, true, nil
}

func (s *Store) ListNeedingRecheck(ctx context.Context, limit int) ([]*task.Task, error) {
	query := `
		SELECT id, project_id, status, task_type, payload, priority, group_id, parent_task_id, created_at, updated_at
		FROM tasks WHERE status IN ($1, $2) ORDER BY id
	`
	if limit > 0 {
		query += ` LIMIT ` + fmtInt(limit)
	}
	rows, err := s.db.QueryContext(ctx, query, task.StatusNeedsRecheck, task.StatusSuspicious)
	if err != nil {
		return nil, errors.DatabaseError("list_needing_recheck", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountRecheckAttempts(ctx context.Context, taskID int64) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_results WHERE task_id = $1`, taskID)
	if err := row.Scan(&n); err != nil {
		return 0, errors.DatabaseError("count_recheck_attempts", err)
	}
	return n, nil
}

func (s *Store) MarkFailed(ctx context.Context, taskID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, updated_at = $3, completed_at = $3 WHERE id = $1
	`, taskID, task.StatusFailed, now)
	if err != nil {
		return errors.DatabaseError("mark_failed", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errors.NotFound("task", "")
	}
	return nil
}

// --- AgentStore ------------------------------------------------------------

func (s *Store) Register(ctx context.Context, agentUID string, hw agent.Hardware, displayName string, now time.Time) (*agent.Agent, error) {
	hwJSON, err := json.Marshal(hw)
	if err != nil {
		return nil, errors.InvalidInput("hardware", err.Error())
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (agent_uid, display_name, status, hardware, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (agent_uid) DO UPDATE
		SET hardware = EXCLUDED.hardware, status = EXCLUDED.status, last_seen = EXCLUDED.last_seen,
		    display_name = CASE WHEN EXCLUDED.display_name != '' THEN EXCLUDED.display_name ELSE agents.display_name END
		RETURNING id, agent_uid, display_name, status, blocked, block_reason, hardware, last_seen, created_at
	`, agentUID, displayName, agent.StatusOnline, hwJSON, now)

	var a agent.Agent
	var hwRaw []byte
	if err := row.Scan(&a.ID, &a.AgentUID, &a.DisplayName, &a.Status, &a.Blocked, &a.BlockReason,
		&hwRaw, &a.LastSeen, &a.CreatedAt); err != nil {
		return nil, errors.DatabaseError("register_agent", err)
	}
	_ = json.Unmarshal(hwRaw, &a.Hardware)
	return &a, nil
}

func (s *Store) scanAgent(row scannable) (*agent.Agent, error) {
	var a agent.Agent
	var hwRaw []byte
	if err := row.Scan(&a.ID, &a.AgentUID, &a.DisplayName, &a.Status, &a.Blocked, &a.BlockReason,
		&a.Limits.CPUPercent, &a.Limits.GPUPercent, &a.Limits.RAMPercent,
		&hwRaw, &a.LastSeen, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("agent", "")
		}
		return nil, errors.DatabaseError("scan_agent", err)
	}
	_ = json.Unmarshal(hwRaw, &a.Hardware)
	return &a, nil
}

const agentColumns = `id, agent_uid, display_name, status, blocked, block_reason, cpu_limit, gpu_limit, ram_limit, hardware, last_seen, created_at`

func (s *Store) GetByUID(ctx context.Context, agentUID string) (*agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_uid = $1`, agentUID)
	return s.scanAgent(row)
}

func (s *Store) GetByID(ctx context.Context, id int64) (*agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return s.scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, errors.DatabaseError("list_agents", err)
	}
	defer rows.Close()

	var out []*agent.Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) RecordMetrics(ctx context.Context, agentUID string, m agent.Metrics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("record_metrics_begin", err)
	}
	defer tx.Rollback()

	a, err := s.GetByUID(ctx, agentUID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_metrics (agent_id, cpu_load, ram_used_mb, gpu_load, net_sent_bytes, net_recv_bytes,
			disk_read_bytes, disk_write_bytes, sampled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, m.CPULoad, m.RAMUsedMB, m.GPULoad, m.NetSentBytes, m.NetRecvBytes,
		m.DiskReadBytes, m.DiskWriteBytes, m.SampledAt); err != nil {
		return errors.DatabaseError("insert_metrics", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_seen = $2 WHERE id = $1`, a.ID, m.SampledAt); err != nil {
		return errors.DatabaseError("touch_agent", err)
	}

	return tx.Commit()
}

func (s *Store) RecentMetrics(ctx context.Context, agentUID string, window time.Duration) ([]agent.Metrics, error) {
	a, err := s.GetByUID(ctx, agentUID)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-window)

	rows, err := s.db.QueryContext(ctx, `
		SELECT cpu_load, ram_used_mb, gpu_load, net_sent_bytes, net_recv_bytes, disk_read_bytes, disk_write_bytes, sampled_at
		FROM agent_metrics WHERE agent_id = $1 AND sampled_at > $2 ORDER BY sampled_at
	`, a.ID, cutoff)
	if err != nil {
		return nil, errors.DatabaseError("recent_metrics", err)
	}
	defer rows.Close()

	var out []agent.Metrics
	for rows.Next() {
		var m agent.Metrics
		if err := rows.Scan(&m.CPULoad, &m.RAMUsedMB, &m.GPULoad, &m.NetSentBytes, &m.NetRecvBytes,
			&m.DiskReadBytes, &m.DiskWriteBytes, &m.SampledAt); err != nil {
			return nil, errors.DatabaseError("scan_metrics", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Touch(ctx context.Context, agentUID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen = $2 WHERE agent_uid = $1`, agentUID, now)
	if err != nil {
		return errors.DatabaseError("touch_agent", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errors.NotFound("agent", agentUID)
	}
	return nil
}

func (s *Store) SetPreferences(ctx context.Context, p *agent.Preferences) error {
	types := make([]string, 0, len(p.AllowedTaskTypes))
	for t := range p.AllowedTaskTypes {
		types = append(types, t)
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return errors.InvalidInput("allowed_task_types", err.Error())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_preferences (agent_id, project_id, allowed_task_types)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, project_id) DO UPDATE SET allowed_task_types = EXCLUDED.allowed_task_types
	`, p.AgentID, p.ProjectID, typesJSON)
	if err != nil {
		return errors.DatabaseError("set_preferences", err)
	}
	return nil
}

func (s *Store) GetPreferences(ctx context.Context, agentID, projectID int64) (*agent.Preferences, error) {
	var typesRaw []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT allowed_task_types FROM agent_preferences WHERE agent_id = $1 AND project_id = $2
	`, agentID, projectID)
	if err := row.Scan(&typesRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.DatabaseError("get_preferences", err)
	}

	var types []string
	_ = json.Unmarshal(typesRaw, &types)
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return &agent.Preferences{AgentID: agentID, ProjectID: projectID, AllowedTaskTypes: allowed}, nil
}

func (s *Store) SetLimits(ctx context.Context, agentID int64, limits agent.ResourceLimits) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET cpu_limit = $2, gpu_limit = $3, ram_limit = $4 WHERE id = $1
	`, agentID, limits.CPUPercent, limits.GPUPercent, limits.RAMPercent)
	if err != nil {
		return errors.DatabaseError("set_limits", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errors.NotFound("agent", "")
	}
	return nil
}

func (s *Store) Block(ctx context.Context, agentID int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET blocked = true, block_reason = $2, status = $3 WHERE id = $1
	`, agentID, reason, agent.StatusBlocked)
	if err != nil {
		return errors.DatabaseError("block_agent", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errors.NotFound("agent", "")
	}
	return nil
}

func (s *Store) Unblock(ctx context.Context, agentID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET blocked = false, block_reason = '' WHERE id = $1
	`, agentID)
	if err != nil {
		return errors.DatabaseError("unblock_agent", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errors.NotFound("agent", "")
	}
	return nil
}

func (s *Store) GetReputation(ctx context.Context, deviceID string) (*agent.Reputation, error) {
	var rep agent.Reputation
	rep.DeviceID = deviceID
	row := s.db.QueryRowContext(ctx, `SELECT score, updated_at FROM device_reputation WHERE device_id = $1`, deviceID)
	if err := row.Scan(&rep.Score, &rep.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return &agent.Reputation{DeviceID: deviceID, Score: 0}, nil
		}
		return nil, errors.DatabaseError("get_reputation", err)
	}
	return &rep, nil
}

// UpdateReputation applies the delta atomically in one transaction: it reads the current score
// FOR UPDATE (inserting a zero row first when none exists), updates it, and detects the
// low-reputation downward crossing by comparing the pre- and post-update scores (spec §3, §8).
func (s *Store) UpdateReputation(ctx context.Context, deviceID string, delta int, now time.Time) (*agent.Reputation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.DatabaseError("update_reputation_begin", err)
	}
	defer tx.Rollback()

	var before int
	row := tx.QueryRowContext(ctx, `SELECT score FROM device_reputation WHERE device_id = $1 FOR UPDATE`, deviceID)
	switch err := row.Scan(&before); err {
	case nil:
	case sql.ErrNoRows:
		before = 0
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_reputation (device_id, score, updated_at) VALUES ($1, 0, $2)
		`, deviceID, now); err != nil {
			return nil, false, errors.DatabaseError("seed_reputation", err)
		}
	default:
		return nil, false, errors.DatabaseError("get_reputation_for_update", err)
	}

	after := before + delta
	if _, err := tx.ExecContext(ctx, `
		UPDATE device_reputation SET score = $2, updated_at = $3 WHERE device_id = $1
	`, deviceID, after, now); err != nil {
		return nil, false, errors.DatabaseError("update_reputation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.DatabaseError("update_reputation_commit", err)
	}

	crossed := agent.CrossedLowReputation(before, after)
	return &agent.Reputation{DeviceID: deviceID, Score: after, UpdatedAt: now}, crossed, nil
}

// --- FlagStore ------------------------------------------------------------

func (s *Store) Append(ctx context.Context, f *flag.Flag) error {
	detailsJSON, err := json.Marshal(f.Details)
	if err != nil {
		return errors.InvalidInput("details", err.Error())
	}
	now := time.Now().UTC()
	f.CreatedAt = now

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO flags (user_ref, device_ref, task_ref, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, f.UserRef, f.DeviceRef, f.TaskRef, f.Reason, detailsJSON, now)
	if err := row.Scan(&f.ID); err != nil {
		return errors.DatabaseError("append_flag", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, limit int) ([]*flag.Flag, error) {
	query := `SELECT id, user_ref, device_ref, task_ref, reason, details, created_at FROM flags ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ` + fmtInt(limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.DatabaseError("list_flags", err)
	}
	defer rows.Close()
	return scanFlags(rows)
}

func (s *Store) ListByTask(ctx context.Context, taskID int64) ([]*flag.Flag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_ref, device_ref, task_ref, reason, details, created_at
		FROM flags WHERE task_ref = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, errors.DatabaseError("list_flags_by_task", err)
	}
	defer rows.Close()
	return scanFlags(rows)
}

func scanFlags(rows *sql.Rows) ([]*flag.Flag, error) {
	var out []*flag.Flag
	for rows.Next() {
		var f flag.Flag
		var detailsRaw []byte
		if err := rows.Scan(&f.ID, &f.UserRef, &f.DeviceRef, &f.TaskRef, &f.Reason, &detailsRaw, &f.CreatedAt); err != nil {
			return nil, errors.DatabaseError("scan_flag", err)
		}
		if len(detailsRaw) > 0 {
			_ = json.Unmarshal(detailsRaw, &f.Details)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
