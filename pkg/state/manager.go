package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Manager is the sole writer of persisted installation state. It keeps the
// active installation and its module rows in memory and persists every
// mutation immediately. All methods are safe to call concurrently from
// multiple module workers.
//
// Failure semantics: errors from run-initiating operations (start, resume)
// are fatal and returned; errors from best-effort writes (progress ticks,
// step updates) are logged and swallowed.
type Manager struct {
	store *SQLiteStore
	log   *telemetry.Logger

	mu      sync.Mutex
	active  *InstallationState
	modules map[string]*ModuleState
}

// NewManager creates a state manager on top of an initialized store.
func NewManager(store *SQLiteStore, logger *telemetry.Logger) *Manager {
	return &Manager{
		store:   store,
		log:     logger.NewComponentLogger("state"),
		modules: make(map[string]*ModuleState),
	}
}

// StartInstallation allocates an installation ID, inserts the row, and
// makes it the active installation. A persistence failure here is fatal.
func (m *Manager) StartInstallation(ctx context.Context, profile string, metadata map[string]interface{}) (*InstallationState, error) {
	inst := &InstallationState{
		InstallationID: uuid.New().String(),
		StartedAt:      time.Now().UTC(),
		Profile:        profile,
		OverallStatus:  InstallationInProgress,
		Metadata:       metadata,
	}

	if err := m.store.CreateInstallation(ctx, inst); err != nil {
		return nil, engine.NewPermanentError("failed to start installation", err).
			WithCode(engine.ErrCodeStateStore)
	}

	m.mu.Lock()
	m.active = inst
	m.modules = make(map[string]*ModuleState)
	m.mu.Unlock()

	m.log.WithField("installation_id", inst.InstallationID).Info("installation started")
	return inst, nil
}

// Store returns the backing store.
func (m *Manager) Store() *SQLiteStore {
	return m.store
}

// Active returns the active installation, or nil.
func (m *Manager) Active() *InstallationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// UpdateModule applies a partial update to a module row, creating the row
// on first reference. started_at is stamped on the first transition to
// running; completed_at and duration on terminal transitions. Progress is
// clamped to [0, 100]. The row is persisted immediately; persistence errors
// are logged and swallowed (they are best-effort writes).
func (m *Manager) UpdateModule(ctx context.Context, name string, upd ModuleUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		m.log.Warnf("module update for %s with no active installation", name)
		return
	}

	mod, ok := m.modules[name]
	if !ok {
		mod = &ModuleState{
			InstallationID: m.active.InstallationID,
			ModuleName:     name,
			Status:         ModulePending,
		}
		m.modules[name] = mod
	}

	now := time.Now().UTC()

	if upd.Status != nil {
		if *upd.Status == ModuleRunning && mod.StartedAt == nil {
			started := now
			mod.StartedAt = &started
		}
		if upd.Status.IsTerminal() && mod.CompletedAt == nil {
			completed := now
			mod.CompletedAt = &completed
			if mod.StartedAt != nil {
				mod.DurationSeconds = completed.Sub(*mod.StartedAt).Seconds()
			}
		}
		mod.Status = *upd.Status
	}
	if upd.ProgressPercent != nil {
		mod.ProgressPercent = clampProgress(*upd.ProgressPercent)
	}
	if upd.CurrentStep != nil {
		mod.CurrentStep = *upd.CurrentStep
	}
	if upd.ErrorMessage != nil {
		mod.ErrorMessage = *upd.ErrorMessage
	}
	if upd.RollbackActions != nil {
		mod.RollbackActions = upd.RollbackActions
	}

	if err := m.store.UpsertModule(ctx, mod); err != nil {
		m.log.WithError(err).Warnf("failed to persist module state for %s", name)
	}
}

// CreateCheckpoint updates the module's checkpoint field and appends an
// immutable snapshot row.
func (m *Manager) CreateCheckpoint(ctx context.Context, moduleName, checkpointName string) error {
	m.mu.Lock()
	mod, ok := m.modules[moduleName]
	if !ok {
		m.mu.Unlock()
		return engine.NewPermanentError("checkpoint for unknown module", nil).
			WithCode(engine.ErrCodeNotFound).WithModule(moduleName)
	}
	mod.Checkpoint = checkpointName
	snapshot := *mod
	installationID := m.active.InstallationID
	m.mu.Unlock()

	encoded, err := json.Marshal(&snapshot)
	if err != nil {
		return engine.NewPermanentError("failed to encode checkpoint snapshot", err).
			WithCode(engine.ErrCodeStateStore).WithModule(moduleName)
	}

	if err := m.store.UpsertModule(ctx, &snapshot); err != nil {
		return engine.NewPermanentError("failed to persist checkpoint", err).
			WithCode(engine.ErrCodeStateStore).WithModule(moduleName)
	}

	cp := &Checkpoint{
		InstallationID: installationID,
		ModuleName:     moduleName,
		CheckpointName: checkpointName,
		StateSnapshot:  string(encoded),
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.AppendCheckpoint(ctx, cp); err != nil {
		return engine.NewPermanentError("failed to append checkpoint", err).
			WithCode(engine.ErrCodeStateStore).WithModule(moduleName)
	}

	return nil
}

// CanResume reports whether a resumable installation exists.
func (m *Manager) CanResume(ctx context.Context) (bool, error) {
	inst, err := m.store.FindResumable(ctx)
	if err != nil {
		return false, err
	}
	return inst != nil, nil
}

// ResumeInstallation finds the most recent resumable installation,
// rehydrates its module rows, and makes it the active installation. It
// returns nil when no installation is resumable. A store failure here is
// fatal to the run.
func (m *Manager) ResumeInstallation(ctx context.Context) (*InstallationState, error) {
	inst, err := m.store.FindResumable(ctx)
	if err != nil {
		return nil, engine.NewPermanentError("failed to locate resumable installation", err).
			WithCode(engine.ErrCodeStateStore)
	}
	if inst == nil {
		return nil, nil
	}

	modules, err := m.store.ListModules(ctx, inst.InstallationID)
	if err != nil {
		return nil, engine.NewPermanentError("failed to rehydrate module state", err).
			WithCode(engine.ErrCodeStateStore)
	}

	m.mu.Lock()
	m.active = inst
	m.modules = make(map[string]*ModuleState, len(modules))
	for _, mod := range modules {
		m.modules[mod.ModuleName] = mod
	}
	m.mu.Unlock()

	m.log.WithField("installation_id", inst.InstallationID).
		WithField("modules", len(modules)).
		Info("installation resumed")
	return inst, nil
}

// CompleteInstallation stamps the active installation with its final
// status.
func (m *Manager) CompleteInstallation(ctx context.Context, success bool) error {
	m.mu.Lock()
	inst := m.active
	m.mu.Unlock()

	if inst == nil {
		return engine.NewPermanentError("no active installation", nil).
			WithCode(engine.ErrCodeNotFound)
	}

	status := InstallationFailed
	if success {
		status = InstallationSuccess
	}

	if err := m.store.UpdateInstallationStatus(ctx, inst.InstallationID, status); err != nil {
		return engine.NewPermanentError("failed to complete installation", err).
			WithCode(engine.ErrCodeStateStore)
	}

	m.mu.Lock()
	inst.OverallStatus = status
	now := time.Now().UTC()
	inst.CompletedAt = &now
	m.mu.Unlock()

	return nil
}

// ModuleStates returns a copy of the in-memory module rows.
func (m *Manager) ModuleStates() map[string]*ModuleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*ModuleState, len(m.modules))
	for name, mod := range m.modules {
		c := *mod
		out[name] = &c
	}
	return out
}

// CompletedModules returns the names of modules already completed, used to
// skip work when resuming.
func (m *Manager) CompletedModules() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := make(map[string]bool)
	for name, mod := range m.modules {
		if mod.Status == ModuleCompleted {
			done[name] = true
		}
	}
	return done
}

// ModuleQueued implements engine.StateRecorder.
func (m *Manager) ModuleQueued(ctx context.Context, name string) {
	status := ModulePending
	m.UpdateModule(ctx, name, ModuleUpdate{Status: &status})
}

// ModuleEvent implements engine.StateRecorder. It maps stage events to
// status, step, and progress updates, and snapshots a checkpoint at the
// mutation boundaries so an operator can see the last known-good state.
func (m *Manager) ModuleEvent(ctx context.Context, name string, event engine.StageEvent) {
	step := string(event)
	upd := ModuleUpdate{CurrentStep: &step}

	if event == engine.EventStarted {
		status := ModuleRunning
		upd.Status = &status
	}
	if progress, ok := stageProgress[event]; ok {
		p := progress
		upd.ProgressPercent = &p
	}

	m.UpdateModule(ctx, name, upd)

	if cpName, ok := checkpointEvents[event]; ok {
		if err := m.CreateCheckpoint(ctx, name, cpName); err != nil {
			m.log.WithError(err).Warnf("failed to checkpoint %s for %s", cpName, name)
		}
	}
}

// ModuleFinished implements engine.StateRecorder. Failure keeps the last
// recorded stage progress so the row shows where the module stopped.
func (m *Manager) ModuleFinished(ctx context.Context, result *engine.ExecutionResult) {
	status := ModuleFailed
	var errMsg string
	upd := ModuleUpdate{Status: &status, ErrorMessage: &errMsg}
	if result.Success {
		status = ModuleCompleted
		progress := 100.0
		upd.ProgressPercent = &progress
	} else if result.Error != nil {
		errMsg = result.Error.Error()
	}

	m.UpdateModule(ctx, result.ModuleName, upd)
}

// InstallationFinished implements engine.StateRecorder.
func (m *Manager) InstallationFinished(ctx context.Context, success bool) error {
	return m.CompleteInstallation(ctx, success)
}

// checkpointEvents names the stage boundaries snapshotted into the
// checkpoints table: the state before configure mutates the host, and
// the state once the mutation is done.
var checkpointEvents = map[engine.StageEvent]string{
	engine.EventConfiguring: "pre-configure",
	engine.EventVerifying:   "configured",
}

// stageProgress maps lifecycle events to coarse progress percentages.
var stageProgress = map[engine.StageEvent]float64{
	engine.EventStarted:       0,
	engine.EventValidating:    10,
	engine.EventPreConfigure:  25,
	engine.EventConfiguring:   40,
	engine.EventPostConfigure: 75,
	engine.EventVerifying:     90,
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
