package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Installer drives a full installation run: it asks the dependency graph
// for batches and feeds them to the execution strategy one at a time.
// Batch i+1 is submitted only after every module in batch i has a result;
// this batch boundary, not any lock, enforces the dependency ordering
// guarantee.
type Installer struct {
	graph    *DependencyGraph
	strategy Strategy
	state    StateRecorder
	callback ProgressCallback
	session  *Session

	// completed names modules finished in a previous interrupted run;
	// they are skipped with a synthetic resumed result.
	completed map[string]bool
}

// InstallerOption configures an Installer.
type InstallerOption func(*Installer)

// WithStrategy overrides the default hybrid strategy.
func WithStrategy(s Strategy) InstallerOption {
	return func(i *Installer) { i.strategy = s }
}

// WithStateRecorder attaches durable state recording.
func WithStateRecorder(r StateRecorder) InstallerOption {
	return func(i *Installer) { i.state = r }
}

// WithProgressCallback attaches a progress callback. It is invoked
// synchronously on the executing worker.
func WithProgressCallback(cb ProgressCallback) InstallerOption {
	return func(i *Installer) { i.callback = cb }
}

// WithCompletedModules marks modules completed in a previous run; they are
// not re-executed on resume.
func WithCompletedModules(completed map[string]bool) InstallerOption {
	return func(i *Installer) { i.completed = completed }
}

// NewInstaller creates an installer over a validated dependency graph.
func NewInstaller(graph *DependencyGraph, opts ...InstallerOption) *Installer {
	inst := &Installer{
		graph:    graph,
		strategy: NewHybridStrategy(DefaultMaxWorkers),
		session:  NewSession(),
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// Session returns the shared execution session of this run.
func (i *Installer) Session() *Session {
	return i.session
}

// Cancel cooperatively cancels the run. Modules already inside a blocking
// call run to completion; unstarted modules get synthetic failed results.
func (i *Installer) Cancel() {
	i.session.Cancel()
}

// Run executes every module of the graph in dependency order and returns
// the result map. Execution is fail-fast at batch granularity: the batch
// in flight when a module fails is drained, then no further batch is
// submitted. The returned error is non-nil when any module failed.
func (i *Installer) Run(ctx context.Context, contexts map[string]*ExecutionContext) (map[string]*ExecutionResult, error) {
	if _, err := i.graph.Validate(); err != nil {
		return nil, err
	}

	batches, err := i.graph.ParallelBatches()
	if err != nil {
		return nil, err
	}

	for _, batch := range batches {
		if i.session.Cancelled() {
			break
		}

		batchContexts, err := i.buildBatch(ctx, batch, contexts)
		if err != nil {
			i.finish(ctx, false)
			return i.session.Results(), err
		}
		if len(batchContexts) == 0 {
			continue
		}

		results := i.strategy.Execute(ctx, batchContexts, i.session, i.wrapCallback(ctx))
		if i.state != nil {
			for _, result := range results {
				i.state.ModuleFinished(ctx, result)
			}
		}

		if failed := failedNames(results); len(failed) > 0 {
			i.finish(ctx, false)
			return i.session.Results(), NewPermanentError(
				fmt.Sprintf("modules failed: %s", strings.Join(failed, ", ")),
				nil,
			).WithCode(ErrCodeStageFailed)
		}
	}

	if i.session.Cancelled() {
		i.finish(ctx, false)
		return i.session.Results(), NewPermanentError("installation cancelled", nil).
			WithCode(ErrCodeCancelled)
	}

	i.finish(ctx, true)
	return i.session.Results(), nil
}

// buildBatch resolves a batch of module names into execution contexts,
// skipping modules completed in a previous run.
func (i *Installer) buildBatch(ctx context.Context, batch Batch, contexts map[string]*ExecutionContext) ([]*ExecutionContext, error) {
	out := make([]*ExecutionContext, 0, len(batch))
	for _, name := range batch {
		if i.completed[name] {
			now := time.Now()
			i.session.StoreResult(&ExecutionResult{
				ModuleName:  name,
				Success:     true,
				Resumed:     true,
				StartedAt:   now,
				CompletedAt: now,
			})
			continue
		}

		ec, ok := contexts[name]
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("no execution context for module %s", name), nil,
			).WithCode(ErrCodeNotFound).WithModule(name)
		}

		if i.state != nil {
			i.state.ModuleQueued(ctx, name)
		}
		out = append(out, ec)
	}
	return out, nil
}

// wrapCallback funnels stage events into the state recorder before the
// user callback sees them.
func (i *Installer) wrapCallback(ctx context.Context) ProgressCallback {
	state := i.state
	user := i.callback
	if state == nil {
		return user
	}
	return func(module string, event StageEvent, data map[string]interface{}) {
		state.ModuleEvent(ctx, module, event)
		if user != nil {
			user(module, event, data)
		}
	}
}

// finish stamps the overall run outcome, best-effort.
func (i *Installer) finish(ctx context.Context, success bool) {
	if i.state == nil {
		return
	}
	_ = i.state.InstallationFinished(ctx, success)
}

func failedNames(results map[string]*ExecutionResult) []string {
	var failed []string
	for name, result := range results {
		if !result.Success {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}
