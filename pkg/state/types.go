package state

import (
	"encoding/json"
	"time"
)

// InstallationStatus represents the overall status of an installation.
type InstallationStatus string

const (
	InstallationInProgress InstallationStatus = "in_progress"
	InstallationSuccess    InstallationStatus = "success"
	InstallationFailed     InstallationStatus = "failed"
)

// ModuleStatus represents the persisted status of one module.
type ModuleStatus string

const (
	ModulePending   ModuleStatus = "pending"
	ModuleRunning   ModuleStatus = "running"
	ModuleCompleted ModuleStatus = "completed"
	ModuleFailed    ModuleStatus = "failed"
)

// IsTerminal reports whether the status is a terminal one.
func (s ModuleStatus) IsTerminal() bool {
	return s == ModuleCompleted || s == ModuleFailed
}

// InstallationState is one row of the installations table. At most one row
// may be resumable (in_progress with a null completed_at); resume picks the
// most recently started such row.
type InstallationState struct {
	// InstallationID is the generated unique identifier.
	InstallationID string `json:"installation_id"`

	// StartedAt is when the installation started.
	StartedAt time.Time `json:"started_at"`

	// Profile names the installation profile being applied.
	Profile string `json:"profile"`

	// CompletedAt is when the installation finished, nil while in progress.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// OverallStatus is the overall installation status.
	OverallStatus InstallationStatus `json:"overall_status"`

	// Metadata carries arbitrary run metadata, persisted as JSON.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Resumable reports whether this installation can be resumed.
func (s *InstallationState) Resumable() bool {
	return s.OverallStatus == InstallationInProgress && s.CompletedAt == nil
}

// ModuleState is one row of the modules table, keyed by
// (installation_id, module_name). It is mutated only by the owning
// execution worker through the Manager.
type ModuleState struct {
	InstallationID string       `json:"installation_id"`
	ModuleName     string       `json:"module_name"`
	Status         ModuleStatus `json:"status"`

	// StartedAt is stamped on the first transition to running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt and DurationSeconds are stamped on terminal transitions.
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`

	// ProgressPercent is clamped to [0, 100].
	ProgressPercent float64 `json:"progress_percent"`

	// CurrentStep is the human-readable step the module is on.
	CurrentStep string `json:"current_step,omitempty"`

	// ErrorMessage is set when the module failed.
	ErrorMessage string `json:"error_message,omitempty"`

	// Checkpoint is the name of the most recent checkpoint.
	Checkpoint string `json:"checkpoint,omitempty"`

	// RollbackActions is the serialized list of registered undo actions.
	RollbackActions json.RawMessage `json:"rollback_actions,omitempty"`
}

// Checkpoint is one row of the append-only checkpoints table: a write-once
// full snapshot of a module's state under a name.
type Checkpoint struct {
	InstallationID string    `json:"installation_id"`
	ModuleName     string    `json:"module_name"`
	CheckpointName string    `json:"checkpoint_name"`
	StateSnapshot  string    `json:"state_snapshot"` // JSON-encoded ModuleState
	CreatedAt      time.Time `json:"created_at"`
}

// ModuleUpdate carries a partial update to a module row. Only non-nil
// fields are applied.
type ModuleUpdate struct {
	Status          *ModuleStatus
	ProgressPercent *float64
	CurrentStep     *string
	ErrorMessage    *string
	RollbackActions json.RawMessage
}
