package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"installations", "modules", "checkpoints"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestInstallationCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := &InstallationState{
		InstallationID: "inst-001",
		StartedAt:      time.Now().UTC().Truncate(time.Second),
		Profile:        "web-server",
		OverallStatus:  InstallationInProgress,
		Metadata:       map[string]interface{}{"strategy": "hybrid"},
	}

	if err := store.CreateInstallation(ctx, inst); err != nil {
		t.Fatalf("CreateInstallation failed: %v", err)
	}

	got, err := store.GetInstallation(ctx, "inst-001")
	if err != nil {
		t.Fatalf("GetInstallation failed: %v", err)
	}
	if got.Profile != "web-server" {
		t.Errorf("expected profile web-server, got %s", got.Profile)
	}
	if got.OverallStatus != InstallationInProgress {
		t.Errorf("expected in_progress, got %s", got.OverallStatus)
	}
	if got.CompletedAt != nil {
		t.Errorf("expected nil completed_at, got %v", got.CompletedAt)
	}
	if got.Metadata["strategy"] != "hybrid" {
		t.Errorf("metadata did not round-trip: %v", got.Metadata)
	}

	if err := store.UpdateInstallationStatus(ctx, "inst-001", InstallationSuccess); err != nil {
		t.Fatalf("UpdateInstallationStatus failed: %v", err)
	}

	got, err = store.GetInstallation(ctx, "inst-001")
	if err != nil {
		t.Fatalf("GetInstallation after update failed: %v", err)
	}
	if got.OverallStatus != InstallationSuccess {
		t.Errorf("expected success, got %s", got.OverallStatus)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at stamped on terminal status")
	}
}

func TestGetInstallationNotFound(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.GetInstallation(context.Background(), "missing"); err == nil {
		t.Fatal("expected not found error")
	}
	if err := store.UpdateInstallationStatus(context.Background(), "missing", InstallationFailed); err == nil {
		t.Fatal("expected not found error on status update")
	}
}

func TestListInstallationsMostRecentFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		inst := &InstallationState{
			InstallationID: id,
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
			Profile:        "p",
			OverallStatus:  InstallationSuccess,
		}
		if err := store.CreateInstallation(ctx, inst); err != nil {
			t.Fatalf("CreateInstallation(%s) failed: %v", id, err)
		}
	}

	list, err := store.ListInstallations(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListInstallations failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 installations, got %d", len(list))
	}
	if list[0].InstallationID != "new" || list[2].InstallationID != "old" {
		t.Errorf("expected most recent first, got %s, %s, %s",
			list[0].InstallationID, list[1].InstallationID, list[2].InstallationID)
	}

	limited, err := store.ListInstallations(ctx, 1, 0)
	if err != nil {
		t.Fatalf("ListInstallations with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].InstallationID != "new" {
		t.Errorf("expected [new], got %v", limited)
	}
}

func TestFindResumablePicksMostRecent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	none, err := store.FindResumable(ctx)
	if err != nil {
		t.Fatalf("FindResumable failed: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil with empty store, got %+v", none)
	}

	base := time.Now().UTC().Add(-time.Hour)
	rows := []struct {
		id     string
		status InstallationStatus
		offset time.Duration
	}{
		{"done", InstallationSuccess, 0},
		{"crashed-early", InstallationInProgress, time.Minute},
		{"crashed-late", InstallationInProgress, 2 * time.Minute},
	}
	for _, r := range rows {
		inst := &InstallationState{
			InstallationID: r.id,
			StartedAt:      base.Add(r.offset),
			Profile:        "p",
			OverallStatus:  r.status,
		}
		if r.status != InstallationInProgress {
			done := inst.StartedAt.Add(time.Second)
			inst.CompletedAt = &done
		}
		if err := store.CreateInstallation(ctx, inst); err != nil {
			t.Fatalf("CreateInstallation(%s) failed: %v", r.id, err)
		}
	}

	got, err := store.FindResumable(ctx)
	if err != nil {
		t.Fatalf("FindResumable failed: %v", err)
	}
	if got == nil || got.InstallationID != "crashed-late" {
		t.Fatalf("expected crashed-late, got %+v", got)
	}
	if !got.Resumable() {
		t.Error("expected Resumable() true")
	}
}

func TestModuleUpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := &InstallationState{
		InstallationID: "inst-002",
		StartedAt:      time.Now().UTC(),
		Profile:        "p",
		OverallStatus:  InstallationInProgress,
	}
	if err := store.CreateInstallation(ctx, inst); err != nil {
		t.Fatalf("CreateInstallation failed: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	mod := &ModuleState{
		InstallationID:  "inst-002",
		ModuleName:      "nginx",
		Status:          ModuleRunning,
		StartedAt:       &started,
		ProgressPercent: 40,
		CurrentStep:     "configuring",
		RollbackActions: json.RawMessage(`[{"action_type":"command"}]`),
	}
	if err := store.UpsertModule(ctx, mod); err != nil {
		t.Fatalf("UpsertModule failed: %v", err)
	}

	got, err := store.GetModule(ctx, "inst-002", "nginx")
	if err != nil {
		t.Fatalf("GetModule failed: %v", err)
	}
	if got.Status != ModuleRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.ProgressPercent != 40 {
		t.Errorf("expected progress 40, got %f", got.ProgressPercent)
	}
	if got.CurrentStep != "configuring" {
		t.Errorf("expected step configuring, got %s", got.CurrentStep)
	}
	if string(got.RollbackActions) != `[{"action_type":"command"}]` {
		t.Errorf("rollback actions did not round-trip: %s", got.RollbackActions)
	}

	// Second upsert replaces the row.
	completed := started.Add(10 * time.Second)
	mod.Status = ModuleCompleted
	mod.CompletedAt = &completed
	mod.DurationSeconds = 10
	mod.ProgressPercent = 100
	if err := store.UpsertModule(ctx, mod); err != nil {
		t.Fatalf("second UpsertModule failed: %v", err)
	}

	got, err = store.GetModule(ctx, "inst-002", "nginx")
	if err != nil {
		t.Fatalf("GetModule after upsert failed: %v", err)
	}
	if got.Status != ModuleCompleted || got.DurationSeconds != 10 {
		t.Errorf("upsert did not update row: %+v", got)
	}

	if _, err := store.GetModule(ctx, "inst-002", "missing"); err == nil {
		t.Error("expected not found error for missing module")
	}
}

func TestListModules(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := &InstallationState{
		InstallationID: "inst-003",
		StartedAt:      time.Now().UTC(),
		Profile:        "p",
		OverallStatus:  InstallationInProgress,
	}
	if err := store.CreateInstallation(ctx, inst); err != nil {
		t.Fatalf("CreateInstallation failed: %v", err)
	}

	for _, name := range []string{"zsh", "apt", "nginx"} {
		mod := &ModuleState{
			InstallationID: "inst-003",
			ModuleName:     name,
			Status:         ModulePending,
		}
		if err := store.UpsertModule(ctx, mod); err != nil {
			t.Fatalf("UpsertModule(%s) failed: %v", name, err)
		}
	}

	modules, err := store.ListModules(ctx, "inst-003")
	if err != nil {
		t.Fatalf("ListModules failed: %v", err)
	}
	if len(modules) != 3 {
		t.Fatalf("expected 3 modules, got %d", len(modules))
	}
	// Sorted by name.
	if modules[0].ModuleName != "apt" || modules[2].ModuleName != "zsh" {
		t.Errorf("expected name order, got %s, %s, %s",
			modules[0].ModuleName, modules[1].ModuleName, modules[2].ModuleName)
	}
}

func TestCheckpointsAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := &InstallationState{
		InstallationID: "inst-004",
		StartedAt:      time.Now().UTC(),
		Profile:        "p",
		OverallStatus:  InstallationInProgress,
	}
	if err := store.CreateInstallation(ctx, inst); err != nil {
		t.Fatalf("CreateInstallation failed: %v", err)
	}
	mod := &ModuleState{InstallationID: "inst-004", ModuleName: "db", Status: ModuleRunning}
	if err := store.UpsertModule(ctx, mod); err != nil {
		t.Fatalf("UpsertModule failed: %v", err)
	}

	base := time.Now().UTC()
	for i, name := range []string{"schema-created", "data-loaded"} {
		cp := &Checkpoint{
			InstallationID: "inst-004",
			ModuleName:     "db",
			CheckpointName: name,
			StateSnapshot:  `{"status":"running"}`,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendCheckpoint(ctx, cp); err != nil {
			t.Fatalf("AppendCheckpoint(%s) failed: %v", name, err)
		}
	}

	checkpoints, err := store.ListCheckpoints(ctx, "inst-004", "db")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(checkpoints))
	}
	if checkpoints[0].CheckpointName != "schema-created" {
		t.Errorf("expected creation order, got %s first", checkpoints[0].CheckpointName)
	}
}
