package engine

import "context"

// StateRecorder durably records module lifecycle transitions so an
// interrupted run can be detected and resumed. Implementations must be
// safe for concurrent use from multiple module workers; best-effort write
// failures must be swallowed by the implementation, not surfaced to the
// executing worker.
type StateRecorder interface {
	// ModuleQueued records that a module is waiting in the current batch.
	ModuleQueued(ctx context.Context, name string)

	// ModuleEvent records a stage transition. It is called before the
	// stage runs.
	ModuleEvent(ctx context.Context, name string, event StageEvent)

	// ModuleFinished records a module's final result.
	ModuleFinished(ctx context.Context, result *ExecutionResult)

	// InstallationFinished stamps the overall run outcome.
	InstallationFinished(ctx context.Context, success bool) error
}
