package state

import (
	"context"
	"testing"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	return NewManager(setupTestStore(t), logger)
}

func TestManagerStartInstallation(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	inst, err := m.StartInstallation(ctx, "web-server", map[string]interface{}{"strategy": "hybrid"})
	if err != nil {
		t.Fatalf("StartInstallation failed: %v", err)
	}
	if inst.InstallationID == "" {
		t.Error("expected generated installation ID")
	}
	if inst.OverallStatus != InstallationInProgress {
		t.Errorf("expected in_progress, got %s", inst.OverallStatus)
	}
	if m.Active() == nil || m.Active().InstallationID != inst.InstallationID {
		t.Error("expected active installation set")
	}

	got, err := m.store.GetInstallation(ctx, inst.InstallationID)
	if err != nil {
		t.Fatalf("installation row not persisted: %v", err)
	}
	if got.Profile != "web-server" {
		t.Errorf("expected profile persisted, got %s", got.Profile)
	}
}

func TestManagerUpdateModuleLifeCycle(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	inst, err := m.StartInstallation(ctx, "p", nil)
	if err != nil {
		t.Fatalf("StartInstallation failed: %v", err)
	}

	// First reference creates a pending row.
	running := ModuleRunning
	m.UpdateModule(ctx, "nginx", ModuleUpdate{Status: &running})

	states := m.ModuleStates()
	mod := states["nginx"]
	if mod == nil {
		t.Fatal("expected module state created")
	}
	if mod.Status != ModuleRunning {
		t.Errorf("expected running, got %s", mod.Status)
	}
	if mod.StartedAt == nil {
		t.Error("expected started_at stamped on first running transition")
	}

	progress := 250.0
	m.UpdateModule(ctx, "nginx", ModuleUpdate{ProgressPercent: &progress})
	if got := m.ModuleStates()["nginx"].ProgressPercent; got != 100 {
		t.Errorf("expected progress clamped to 100, got %f", got)
	}

	completed := ModuleCompleted
	m.UpdateModule(ctx, "nginx", ModuleUpdate{Status: &completed})
	mod = m.ModuleStates()["nginx"]
	if mod.CompletedAt == nil {
		t.Error("expected completed_at stamped on terminal transition")
	}

	// Row is persisted immediately.
	persisted, err := m.store.GetModule(ctx, inst.InstallationID, "nginx")
	if err != nil {
		t.Fatalf("module row not persisted: %v", err)
	}
	if persisted.Status != ModuleCompleted {
		t.Errorf("expected completed persisted, got %s", persisted.Status)
	}
}

func TestManagerUpdateModuleWithoutActiveInstallation(t *testing.T) {
	m := setupTestManager(t)

	// Must not panic, only log.
	running := ModuleRunning
	m.UpdateModule(context.Background(), "orphan", ModuleUpdate{Status: &running})
	if len(m.ModuleStates()) != 0 {
		t.Error("expected no module state without active installation")
	}
}

func TestManagerCheckpoints(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	inst, err := m.StartInstallation(ctx, "p", nil)
	if err != nil {
		t.Fatalf("StartInstallation failed: %v", err)
	}

	if err := m.CreateCheckpoint(ctx, "unknown", "cp"); err == nil {
		t.Error("expected error for checkpoint on unknown module")
	}

	running := ModuleRunning
	m.UpdateModule(ctx, "db", ModuleUpdate{Status: &running})

	if err := m.CreateCheckpoint(ctx, "db", "schema-created"); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	if got := m.ModuleStates()["db"].Checkpoint; got != "schema-created" {
		t.Errorf("expected checkpoint field updated, got %q", got)
	}

	checkpoints, err := m.store.ListCheckpoints(ctx, inst.InstallationID, "db")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(checkpoints) != 1 || checkpoints[0].CheckpointName != "schema-created" {
		t.Fatalf("expected snapshot row, got %+v", checkpoints)
	}
	if checkpoints[0].StateSnapshot == "" {
		t.Error("expected serialized module snapshot")
	}
}

func TestManagerStageEventCheckpoints(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	inst, err := m.StartInstallation(ctx, "p", nil)
	if err != nil {
		t.Fatalf("StartInstallation failed: %v", err)
	}

	m.ModuleEvent(ctx, "db", engine.EventStarted)
	m.ModuleEvent(ctx, "db", engine.EventValidating)
	m.ModuleEvent(ctx, "db", engine.EventConfiguring)
	m.ModuleEvent(ctx, "db", engine.EventVerifying)

	checkpoints, err := m.store.ListCheckpoints(ctx, inst.InstallationID, "db")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("expected checkpoints at the mutation boundaries, got %+v", checkpoints)
	}
	if checkpoints[0].CheckpointName != "pre-configure" || checkpoints[1].CheckpointName != "configured" {
		t.Errorf("expected pre-configure then configured, got %s, %s",
			checkpoints[0].CheckpointName, checkpoints[1].CheckpointName)
	}
	if got := m.ModuleStates()["db"].Checkpoint; got != "configured" {
		t.Errorf("expected latest checkpoint on the row, got %q", got)
	}
}

func TestManagerResumeRoundTrip(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	canResume, err := m.CanResume(ctx)
	if err != nil {
		t.Fatalf("CanResume failed: %v", err)
	}
	if canResume {
		t.Error("expected nothing to resume in empty store")
	}
	none, err := m.ResumeInstallation(ctx)
	if err != nil {
		t.Fatalf("ResumeInstallation failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil, got %+v", none)
	}

	inst, err := m.StartInstallation(ctx, "p", nil)
	if err != nil {
		t.Fatalf("StartInstallation failed: %v", err)
	}
	completed := ModuleCompleted
	running := ModuleRunning
	m.UpdateModule(ctx, "base", ModuleUpdate{Status: &completed})
	m.UpdateModule(ctx, "app", ModuleUpdate{Status: &running})

	// A new manager over the same store simulates a process restart.
	logger, _ := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	fresh := NewManager(m.store, logger)

	canResume, err = fresh.CanResume(ctx)
	if err != nil {
		t.Fatalf("CanResume failed: %v", err)
	}
	if !canResume {
		t.Fatal("expected interrupted installation to be resumable")
	}

	resumed, err := fresh.ResumeInstallation(ctx)
	if err != nil {
		t.Fatalf("ResumeInstallation failed: %v", err)
	}
	if resumed == nil || resumed.InstallationID != inst.InstallationID {
		t.Fatalf("expected to resume %s, got %+v", inst.InstallationID, resumed)
	}

	done := fresh.CompletedModules()
	if !done["base"] {
		t.Error("expected base in completed set")
	}
	if done["app"] {
		t.Error("running module must not count as completed")
	}

	if err := fresh.CompleteInstallation(ctx, true); err != nil {
		t.Fatalf("CompleteInstallation failed: %v", err)
	}
	canResume, err = fresh.CanResume(ctx)
	if err != nil {
		t.Fatalf("CanResume failed: %v", err)
	}
	if canResume {
		t.Error("completed installation must not be resumable")
	}
}

func TestManagerStateRecorderMapping(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if _, err := m.StartInstallation(ctx, "p", nil); err != nil {
		t.Fatalf("StartInstallation failed: %v", err)
	}

	m.ModuleQueued(ctx, "nginx")
	if got := m.ModuleStates()["nginx"].Status; got != ModulePending {
		t.Errorf("expected pending after queue, got %s", got)
	}

	m.ModuleEvent(ctx, "nginx", engine.EventStarted)
	mod := m.ModuleStates()["nginx"]
	if mod.Status != ModuleRunning {
		t.Errorf("expected running after start event, got %s", mod.Status)
	}

	m.ModuleEvent(ctx, "nginx", engine.EventConfiguring)
	mod = m.ModuleStates()["nginx"]
	if mod.CurrentStep != "configuring" {
		t.Errorf("expected step configuring, got %s", mod.CurrentStep)
	}
	if mod.ProgressPercent != 40 {
		t.Errorf("expected progress 40, got %f", mod.ProgressPercent)
	}

	m.ModuleFinished(ctx, &engine.ExecutionResult{
		ModuleName: "nginx",
		Success:    true,
		StartedAt:  time.Now(),
	})
	mod = m.ModuleStates()["nginx"]
	if mod.Status != ModuleCompleted || mod.ProgressPercent != 100 {
		t.Errorf("expected completed at 100%%, got %s %f", mod.Status, mod.ProgressPercent)
	}

	m.ModuleEvent(ctx, "broken", engine.EventStarted)
	m.ModuleEvent(ctx, "broken", engine.EventConfiguring)
	m.ModuleFinished(ctx, &engine.ExecutionResult{
		ModuleName: "broken",
		Success:    false,
		Error: engine.NewPermanentError("stage failed", nil).
			WithCode(engine.ErrCodeStageFailed).WithModule("broken"),
	})
	mod = m.ModuleStates()["broken"]
	if mod.Status != ModuleFailed {
		t.Errorf("expected failed, got %s", mod.Status)
	}
	if mod.ErrorMessage == "" {
		t.Error("expected error message recorded")
	}
	// Failure keeps the stage progress so the row shows where it died.
	if mod.ProgressPercent != 40 {
		t.Errorf("expected progress kept at 40, got %f", mod.ProgressPercent)
	}

	if err := m.InstallationFinished(ctx, false); err != nil {
		t.Fatalf("InstallationFinished failed: %v", err)
	}
	if got := m.Active().OverallStatus; got != InstallationFailed {
		t.Errorf("expected failed installation, got %s", got)
	}
}
