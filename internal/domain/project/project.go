// Package project defines the Project Registry's data model (C1).
package project

import (
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a project.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusDemo      Status = "demo"
)

// Project is identified by a numeric id and a globally unique guid; the guid, not the id, is what
// crosses the wire to agents (spec §3).
type Project struct {
	ID            int64
	GUID          string
	Name          string
	Description   string
	Status        Status
	Owner         string
	IsDemo        bool
	StoragePrefix string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TaskType is a per-project catalog record: (project_id, type_name) is unique, and the script body
// lives in object storage under the project's prefix, addressed by ScriptObjectKey (spec §3, §4.1).
type TaskType struct {
	ProjectID      int64
	TypeName       string
	ScriptObjectKey string
	ScriptSHA256   string
	Version        string
	LowRisk        bool
}

var separatorRun = regexp.MustCompile(`[^a-z0-9_]+`)

// NamespaceFromGUID derives the deterministic, sanitized task-namespace name from a project guid:
// lowercase, non [a-z0-9_] runs collapsed to a single underscore (spec §4.1).
func NamespaceFromGUID(guid string) string {
	lower := strings.ToLower(guid)
	sanitized := separatorRun.ReplaceAllString(lower, "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "ns"
	}
	return sanitized
}

// StoragePrefixFromGUID derives the stable, guid-derived object storage prefix for a project
// (spec §4.1 invariant: "a project's storage prefix is guid-derived and stable for the project's
// lifetime").
func StoragePrefixFromGUID(guid string) string {
	return NamespaceFromGUID(guid)
}

// IsSchedulable reports whether tasks may be drawn from a project in this status by the Assignment
// Engine (spec §4.4 step 2: "candidate projects: status ∈ {active, demo}").
func (s Status) IsSchedulable() bool {
	return s == StatusActive || s == StatusDemo
}
