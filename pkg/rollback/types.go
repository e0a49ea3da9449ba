package rollback

import "time"

// ActionType identifies the kind of reversible action.
type ActionType string

const (
	// ActionCommand runs an arbitrary undo command through the shell.
	ActionCommand ActionType = "command"

	// ActionFileRestore copies a backup file over the original.
	ActionFileRestore ActionType = "file_restore"

	// ActionPackageRemove removes installed packages.
	ActionPackageRemove ActionType = "package_remove"

	// ActionServiceStop stops and disables a systemd service.
	ActionServiceStop ActionType = "service_stop"
)

// Action is one recorded, reversible side effect. Actions are append-only
// and consumed back-to-front exactly once.
type Action struct {
	// ActionType is the kind of undo this action performs.
	ActionType ActionType `json:"action_type"`

	// Module names the module whose change this action undoes, empty for
	// actions registered outside a module lifecycle.
	Module string `json:"module,omitempty"`

	// Description is a human-readable account of what is being undone.
	Description string `json:"description"`

	// Data carries the type-specific payload.
	Data map[string]interface{} `json:"data"`

	// Timestamp is when the action was registered.
	Timestamp time.Time `json:"timestamp"`
}

// stateFile is the on-disk representation of the pending action log.
type stateFile struct {
	Actions []Action  `json:"actions"`
	SavedAt time.Time `json:"saved_at"`
}
