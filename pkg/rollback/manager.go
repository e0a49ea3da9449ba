package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// DefaultStateFileName is the rollback state file name inside the state
// directory.
const DefaultStateFileName = "rollback_state.json"

// Manager owns the append-only rollback action log. It is safe for
// concurrent registration from multiple module workers; every registration
// rewrites the persisted log in full so a crash never loses an action.
type Manager struct {
	mu        sync.Mutex
	statePath string
	actions   []Action

	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	executors map[ActionType]actionExecutor
}

// NewManager creates a rollback manager persisting to statePath.
func NewManager(statePath string, logger *telemetry.Logger) *Manager {
	return &Manager{
		statePath: statePath,
		log:       logger.NewComponentLogger("rollback"),
		executors: defaultExecutors(),
	}
}

// WithMetrics attaches a metrics collector.
func (m *Manager) WithMetrics(metrics *telemetry.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// ForModule returns a registrar stamping every action with the module
// that caused it, so the module's state row can carry its own undo list.
func (m *Manager) ForModule(module string) *ModuleActions {
	return &ModuleActions{m: m, module: module}
}

// AddCommand registers an undo command to run through the shell.
func (m *Manager) AddCommand(description, command string) error {
	return m.ForModule("").AddCommand(description, command)
}

// AddFileRestore registers a backup file to copy over the original.
func (m *Manager) AddFileRestore(description, backupPath, originalPath string) error {
	return m.ForModule("").AddFileRestore(description, backupPath, originalPath)
}

// AddPackageRemove registers packages to remove. The package manager is
// detected at rollback time when empty.
func (m *Manager) AddPackageRemove(description string, packages []string, packageManager string) error {
	return m.ForModule("").AddPackageRemove(description, packages, packageManager)
}

// AddServiceStop registers a systemd service to stop and disable.
func (m *Manager) AddServiceStop(description, service string) error {
	return m.ForModule("").AddServiceStop(description, service)
}

// ModuleActions registers actions attributed to one module.
type ModuleActions struct {
	m      *Manager
	module string
}

// AddCommand registers an undo command to run through the shell.
func (r *ModuleActions) AddCommand(description, command string) error {
	return r.m.add(Action{
		ActionType:  ActionCommand,
		Module:      r.module,
		Description: description,
		Data:        map[string]interface{}{"command": command},
	})
}

// AddFileRestore registers a backup file to copy over the original.
func (r *ModuleActions) AddFileRestore(description, backupPath, originalPath string) error {
	return r.m.add(Action{
		ActionType:  ActionFileRestore,
		Module:      r.module,
		Description: description,
		Data: map[string]interface{}{
			"backup_path":   backupPath,
			"original_path": originalPath,
		},
	})
}

// AddPackageRemove registers packages to remove. The package manager is
// detected at rollback time when empty.
func (r *ModuleActions) AddPackageRemove(description string, packages []string, packageManager string) error {
	data := map[string]interface{}{"packages": packages}
	if packageManager != "" {
		data["manager"] = packageManager
	}
	return r.m.add(Action{
		ActionType:  ActionPackageRemove,
		Module:      r.module,
		Description: description,
		Data:        data,
	})
}

// AddServiceStop registers a systemd service to stop and disable.
func (r *ModuleActions) AddServiceStop(description, service string) error {
	return r.m.add(Action{
		ActionType:  ActionServiceStop,
		Module:      r.module,
		Description: description,
		Data:        map[string]interface{}{"service": service},
	})
}

// add appends the action and rewrites the persisted log in full.
func (m *Manager) add(action Action) error {
	action.Timestamp = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.actions = append(m.actions, action)
	if err := m.persistLocked(); err != nil {
		// Registration must be crash-safe; keep in-memory state aligned
		// with disk by rolling the append back.
		m.actions = m.actions[:len(m.actions)-1]
		return engine.NewPermanentError("failed to persist rollback action", err).
			WithCode(engine.ErrCodeStateStore)
	}
	return nil
}

// Actions returns a copy of the pending action list in registration order.
func (m *Manager) Actions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Action, len(m.actions))
	copy(out, m.actions)
	return out
}

// ActionsJSON returns the pending actions serialized for the module row.
func (m *Manager) ActionsJSON() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.actions)
}

// ActionsJSONFor returns one module's pending actions serialized for its
// module row, in registration order.
func (m *Manager) ActionsJSONFor(module string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scoped := make([]Action, 0)
	for _, action := range m.actions {
		if action.Module == module {
			scoped = append(scoped, action)
		}
	}
	return json.Marshal(scoped)
}

// Rollback replays the pending actions in reverse registration order.
// Individual failures do not stop the remaining undo attempts; they are
// collected and returned together. Full success clears the list and
// deletes the persisted file; any failure leaves the unconfirmed actions
// in the log for a retry. With dryRun set, actions are reported but not
// executed and the log is left untouched.
func (m *Manager) Rollback(ctx context.Context, dryRun bool) error {
	m.mu.Lock()
	pending := make([]Action, len(m.actions))
	copy(pending, m.actions)
	m.mu.Unlock()

	if len(pending) == 0 {
		m.log.Info("no rollback actions to execute")
		return nil
	}

	var failed []Action
	var failures []string

	for i := len(pending) - 1; i >= 0; i-- {
		action := pending[i]
		logger := m.log.WithField("action_type", string(action.ActionType))

		if dryRun {
			logger.Infof("would undo: %s", action.Description)
			continue
		}

		executor, ok := m.executors[action.ActionType]
		if !ok {
			failed = append([]Action{action}, failed...)
			failures = append(failures, fmt.Sprintf("%s: unknown action type", action.ActionType))
			continue
		}

		logger.Infof("undoing: %s", action.Description)
		if err := executor(ctx, &action); err != nil {
			logger.WithError(err).Error("rollback action failed")
			if m.metrics != nil {
				m.metrics.RollbackAction(string(action.ActionType), "failed")
			}
			failed = append([]Action{action}, failed...)
			failures = append(failures, fmt.Sprintf("%s (%s): %v", action.ActionType, action.Description, err))
			continue
		}
		if m.metrics != nil {
			m.metrics.RollbackAction(string(action.ActionType), "success")
		}
	}

	if dryRun {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(failed) == 0 {
		m.actions = nil
		if err := os.Remove(m.statePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.WithError(err).Warn("failed to remove rollback state file")
		}
		m.log.Info("rollback completed")
		return nil
	}

	// Keep only the unconfirmed subset for retry.
	m.actions = failed
	if err := m.persistLocked(); err != nil {
		m.log.WithError(err).Warn("failed to persist remaining rollback actions")
	}

	return engine.NewPermanentError(
		fmt.Sprintf("%d rollback action(s) failed: %s", len(failures), strings.Join(failures, "; ")),
		nil,
	).WithCode(engine.ErrCodeRollbackFailed)
}

// LoadState rehydrates the pending action log from a prior run's state
// file. A missing file means there is nothing to roll back.
func (m *Manager) LoadState() error {
	data, err := os.ReadFile(m.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return engine.NewPermanentError("failed to read rollback state file", err).
			WithCode(engine.ErrCodeStateStore)
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return engine.NewPermanentError("failed to decode rollback state file", err).
			WithCode(engine.ErrCodeStateStore)
	}

	m.mu.Lock()
	m.actions = sf.Actions
	m.mu.Unlock()

	m.log.WithField("actions", len(sf.Actions)).Info("rollback state loaded")
	return nil
}

// Summary returns human-readable counts of pending actions by type.
func (m *Manager) Summary() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := make(map[string]int)
	for _, action := range m.actions {
		summary[string(action.ActionType)]++
	}
	return summary
}

// persistLocked rewrites the full state file. Callers must hold the mutex.
func (m *Manager) persistLocked() error {
	sf := stateFile{
		Actions: m.actions,
		SavedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(&sf, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.statePath, data, 0o644)
}
