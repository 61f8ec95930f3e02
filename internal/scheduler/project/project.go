// Package project implements the Project Registry (C1): project lifecycle, task-type catalog
// sync, and cascading teardown. It is a thin layer over storage.ProjectStore that owns the
// invariants the raw store cannot enforce on its own (guid/prefix derivation, the single-demo-
// project rule, cascading object-storage cleanup on delete) — grounded on the teacher's
// internal/app/core/service composable-validation-then-store-call shape.
package project

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/volcompute/orchestrator/internal/domain/project"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/pkg/objectstore"
)

// Registry implements the Project Registry's operations (spec §4.1).
type Registry struct {
	store   storageProjectStore
	tasks   taskStopper
	objects *objectstore.Store
	logger  *logging.Logger
}

// taskStopper is the one Task Store call the registry needs to implement set_status's "stopping
// marks all non-terminal tasks in that namespace stopped" rule (spec §4.1) without importing the
// full storage.TaskStore interface.
type taskStopper interface {
	StopNonTerminal(ctx context.Context, projectID int64, now time.Time) (int, error)
}

// storageProjectStore is the subset of storage.ProjectStore the registry depends on, declared
// locally to avoid an import cycle with the storage package's aggregate interface file.
type storageProjectStore interface {
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

// New creates a Registry wired to its store, the Task Store's stop-cascade, and object storage.
func New(store storageProjectStore, tasks taskStopper, objects *objectstore.Store, logger *logging.Logger) *Registry {
	return &Registry{store: store, tasks: tasks, objects: objects, logger: logger}
}

// GetByGUID resolves a project by its globally unique guid.
func (r *Registry) GetByGUID(ctx context.Context, guid string) (*project.Project, error) {
	return r.store.GetProjectByGUID(ctx, guid)
}

// GetByName resolves a project by its human name.
func (r *Registry) GetByName(ctx context.Context, name string) (*project.Project, error) {
	return r.store.GetProjectByName(ctx, name)
}

// ListTaskTypes resolves the full task-type catalog for a project.
func (r *Registry) ListTaskTypes(ctx context.Context, projectID int64) ([]*project.TaskType, error) {
	return r.store.ListTaskTypes(ctx, projectID)
}

// CreateProject registers a new project, deriving its guid-stable storage prefix (spec §4.1
// invariant). The demo project is a singleton: attempting to create a second one is rejected
// rather than silently demoting the existing one, since spec §4.1 never says which should win.
func (r *Registry) CreateProject(ctx context.Context, name, description, owner string, isDemo bool) (*project.Project, error) {
	if name == "" {
		return nil, errors.MissingParameter("name")
	}
	if isDemo {
		existing, err := r.existingDemo(ctx)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, errors.Conflict("a demo project already exists")
		}
	}

	guid := uuid.NewString()
	p := &project.Project{
		GUID:          guid,
		Name:          name,
		Description:   description,
		Owner:         owner,
		IsDemo:        isDemo,
		Status:        project.StatusActive,
		StoragePrefix: project.StoragePrefixFromGUID(guid),
	}
	if isDemo {
		p.Status = project.StatusDemo
	}
	if err := r.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	if r.logger != nil {
		r.logger.WithContext(ctx).WithField("project_guid", p.GUID).WithField("is_demo", isDemo).Info("project created")
	}
	return p, nil
}

func (r *Registry) existingDemo(ctx context.Context) (*project.Project, error) {
	all, err := r.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.IsDemo {
			return p, nil
		}
	}
	return nil, nil
}

// SyncTaskType upserts a task type's script metadata for a project (spec §6
// /v1/projects/<workflow>/scripts/sync).
func (r *Registry) SyncTaskType(ctx context.Context, projectID int64, typeName, scriptObjectKey, scriptSHA256, version string, lowRisk bool) error {
	if typeName == "" {
		return errors.MissingParameter("type_name")
	}
	return r.store.UpsertTaskType(ctx, &project.TaskType{
		ProjectID:       projectID,
		TypeName:        typeName,
		ScriptObjectKey: scriptObjectKey,
		ScriptSHA256:    scriptSHA256,
		Version:         version,
		LowRisk:         lowRisk,
	})
}

// Transition moves a project between lifecycle statuses (start/pause/stop/complete, spec §6).
// Stopping cascades: every non-terminal task in the project's namespace is marked stopped (spec
// §4.1 "stopping marks all non-terminal tasks in that namespace stopped"); pausing is a scheduling
// hint only and does not touch in-flight tasks (spec §4.1, §9 Open Question on "pause" semantics).
func (r *Registry) Transition(ctx context.Context, projectID int64, status project.Status) error {
	if err := r.store.UpdateStatus(ctx, projectID, status); err != nil {
		return err
	}
	if status == project.StatusStopped && r.tasks != nil {
		if _, err := r.tasks.StopNonTerminal(ctx, projectID, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

// Delete tears a project down: its storage objects (best-effort, under the project's guid-derived
// prefix) and then its registry/task-store rows. Object cleanup failures are logged, not fatal —
// the registry row is the source of truth and must not survive a failed best-effort blob sweep in
// a half-deleted state (spec §4.1: projects are torn down, not rolled back).
func (r *Registry) Delete(ctx context.Context, projectID int64) error {
	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.IsDemo {
		return errors.Forbidden("the demo project cannot be deleted")
	}
	if r.objects != nil {
		if err := r.objects.DeletePrefix(ctx, p.StoragePrefix); err != nil && r.logger != nil {
			r.logger.WithContext(ctx).WithField("project_guid", p.GUID).WithError(err).Warn("best-effort object cleanup failed")
		}
	}
	return r.store.DeleteProject(ctx, projectID)
}
