package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// fakeRecorder captures state recorder calls for assertions.
type fakeRecorder struct {
	mu       sync.Mutex
	queued   []string
	events   map[string][]StageEvent
	finished map[string]bool
	outcome  *bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		events:   make(map[string][]StageEvent),
		finished: make(map[string]bool),
	}
}

func (f *fakeRecorder) ModuleQueued(_ context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, name)
}

func (f *fakeRecorder) ModuleEvent(_ context.Context, name string, event StageEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[name] = append(f.events[name], event)
}

func (f *fakeRecorder) ModuleFinished(_ context.Context, result *ExecutionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[result.ModuleName] = result.Success
}

func (f *fakeRecorder) InstallationFinished(_ context.Context, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = &success
	return nil
}

func buildGraph(t *testing.T, deps map[string][]string) *DependencyGraph {
	t.Helper()
	g := NewDependencyGraph()
	// Deterministic insertion is not needed for correctness, only edges.
	for name, d := range deps {
		mustAdd(t, g, name, d, false)
	}
	return g
}

func contextsFor(names ...string) map[string]*ExecutionContext {
	out := make(map[string]*ExecutionContext, len(names))
	for _, name := range names {
		out[name] = simpleContext(name)
	}
	return out
}

func TestInstallerRunHappyPath(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"base":  nil,
		"nginx": {"base"},
		"db":    {"base"},
		"app":   {"nginx", "db"},
	})
	rec := newFakeRecorder()

	installer := NewInstaller(g,
		WithStrategy(NewParallelStrategy(2)),
		WithStateRecorder(rec),
	)
	results, err := installer.Run(context.Background(), contextsFor("base", "nginx", "db", "app"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for name, r := range results {
		if !r.Success {
			t.Errorf("module %s failed: %v", name, r.Error)
		}
	}

	if rec.outcome == nil || !*rec.outcome {
		t.Error("expected installation recorded as successful")
	}
	if len(rec.queued) != 4 {
		t.Errorf("expected 4 queued modules, got %v", rec.queued)
	}
	if got := rec.events["app"]; len(got) == 0 || got[0] != EventStarted {
		t.Errorf("expected stage events recorded for app, got %v", got)
	}
}

func TestInstallerRunDependencyOrdering(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"base": nil,
		"mid":  {"base"},
		"top":  {"mid"},
	})

	var mu sync.Mutex
	var order []string
	contexts := make(map[string]*ExecutionContext)
	for _, name := range []string{"base", "mid", "top"} {
		name := name
		contexts[name] = &ExecutionContext{
			Name: name,
			Lifecycle: &Lifecycle{
				Configure: func(ctx context.Context, _ map[string]interface{}) error {
					mu.Lock()
					order = append(order, name)
					mu.Unlock()
					return nil
				},
			},
		}
	}

	installer := NewInstaller(g, WithStrategy(NewParallelStrategy(4)))
	if _, err := installer.Run(context.Background(), contexts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expected := []string{"base", "mid", "top"}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("expected order %v, got %v", expected, order)
		}
	}
}

func TestInstallerRunFailFastAtBatchBoundary(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"base": nil,
		"app":  {"base"},
	})
	rec := newFakeRecorder()

	contexts := map[string]*ExecutionContext{
		"base": {
			Name: "base",
			Lifecycle: &Lifecycle{
				Configure: func(ctx context.Context, _ map[string]interface{}) error {
					return errors.New("disk full")
				},
			},
		},
		"app": simpleContext("app"),
	}

	installer := NewInstaller(g, WithStateRecorder(rec))
	results, err := installer.Run(context.Background(), contexts)
	if err == nil {
		t.Fatal("expected run error")
	}
	if !strings.Contains(err.Error(), "base") {
		t.Errorf("expected failed module named in error, got: %v", err)
	}

	if r := results["base"]; r == nil || r.Success {
		t.Error("expected base to fail")
	}
	// app's batch was never submitted.
	if _, ok := results["app"]; ok {
		t.Error("expected no result for app, its batch should not have run")
	}
	if rec.outcome == nil || *rec.outcome {
		t.Error("expected installation recorded as failed")
	}
}

func TestInstallerRunMissingContext(t *testing.T) {
	g := buildGraph(t, map[string][]string{"ghost": nil})

	installer := NewInstaller(g)
	_, err := installer.Run(context.Background(), map[string]*ExecutionContext{})
	if err == nil {
		t.Fatal("expected missing context error")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestInstallerRunValidatesGraph(t *testing.T) {
	g := NewDependencyGraph()
	mustAdd(t, g, "a", []string{"missing"}, false)

	installer := NewInstaller(g)
	_, err := installer.Run(context.Background(), contextsFor("a"))
	if err == nil {
		t.Fatal("expected validation error for undeclared dependency")
	}
}

func TestInstallerRunSkipsCompletedModulesOnResume(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"base": nil,
		"app":  {"base"},
	})

	var baseRan bool
	contexts := map[string]*ExecutionContext{
		"base": {
			Name: "base",
			Lifecycle: &Lifecycle{
				Configure: func(ctx context.Context, _ map[string]interface{}) error {
					baseRan = true
					return nil
				},
			},
		},
		"app": simpleContext("app"),
	}

	installer := NewInstaller(g,
		WithCompletedModules(map[string]bool{"base": true}),
	)
	results, err := installer.Run(context.Background(), contexts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if baseRan {
		t.Error("completed module re-executed on resume")
	}
	base := results["base"]
	if base == nil || !base.Success || !base.Resumed {
		t.Errorf("expected synthetic resumed result for base, got %+v", base)
	}
	if app := results["app"]; app == nil || !app.Success || app.Resumed {
		t.Errorf("expected app to run normally, got %+v", app)
	}
}

func TestInstallerFailingSecurityModuleBlocksApp(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"sys": nil,
		"sec": {"sys"},
		"a":   {"sys"},
		"b":   {"sys"},
		"app": {"a", "b"},
	})

	var appRan bool
	contexts := contextsFor("sys", "a", "b")
	contexts["sec"] = &ExecutionContext{
		Name: "sec",
		Lifecycle: &Lifecycle{
			Configure: func(ctx context.Context, _ map[string]interface{}) error {
				return errors.New("hardening failed")
			},
		},
	}
	contexts["app"] = &ExecutionContext{
		Name: "app",
		Lifecycle: &Lifecycle{
			Configure: func(ctx context.Context, _ map[string]interface{}) error {
				appRan = true
				return nil
			},
		},
	}

	installer := NewInstaller(g, WithStrategy(NewParallelStrategy(4)))
	results, err := installer.Run(context.Background(), contexts)
	if err == nil {
		t.Fatal("expected run error")
	}
	if appRan {
		t.Error("app ran despite sec failing in the previous batch")
	}
	if r := results["sys"]; r == nil || !r.Success {
		t.Errorf("expected sys to succeed, got %+v", r)
	}
	if r := results["sec"]; r == nil || r.Success {
		t.Error("expected sec to fail")
	}
}

func TestInstallerCancelStopsFurtherBatches(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"base": nil,
		"app":  {"base"},
	})

	installer := NewInstaller(g)
	var appRan bool
	contexts := map[string]*ExecutionContext{
		"base": {
			Name: "base",
			Lifecycle: &Lifecycle{
				Configure: func(ctx context.Context, _ map[string]interface{}) error {
					installer.Cancel()
					return nil
				},
			},
		},
		"app": {
			Name: "app",
			Lifecycle: &Lifecycle{
				Configure: func(ctx context.Context, _ map[string]interface{}) error {
					appRan = true
					return nil
				},
			},
		},
	}

	results, err := installer.Run(context.Background(), contexts)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeCancelled {
		t.Errorf("expected CANCELLED, got %v", err)
	}
	if appRan {
		t.Error("module from a later batch ran after cancellation")
	}
	// base itself completed; cancellation is cooperative.
	if r := results["base"]; r == nil || !r.Success {
		t.Errorf("expected base to finish, got %+v", r)
	}
}
