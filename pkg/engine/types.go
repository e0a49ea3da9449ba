package engine

import (
	"time"
)

// StageEvent identifies a lifecycle stage transition reported to the
// progress callback.
type StageEvent string

const (
	// EventStarted is reported once before any stage of a module runs.
	EventStarted StageEvent = "started"

	// EventValidating is reported before the validate stage.
	EventValidating StageEvent = "validating"

	// EventPreConfigure is reported before the pre-configure hook.
	EventPreConfigure StageEvent = "pre_configure"

	// EventConfiguring is reported before the configure stage.
	EventConfiguring StageEvent = "configuring"

	// EventPostConfigure is reported before the post-configure hook.
	EventPostConfigure StageEvent = "post_configure"

	// EventVerifying is reported before the verify stage.
	EventVerifying StageEvent = "verifying"

	// EventCompleted is reported when all stages of a module succeeded.
	EventCompleted StageEvent = "completed"

	// EventFailed is reported when a stage of a module failed.
	EventFailed StageEvent = "failed"
)

// ProgressCallback receives stage transitions as they happen. It is called
// synchronously on the executing worker, so it must be cheap or it will
// serialize the pool.
type ProgressCallback func(module string, event StageEvent, data map[string]interface{})

// ExecutionContext carries everything a strategy needs to run one module.
// Contexts are built once per batch and are not mutated by strategies.
type ExecutionContext struct {
	// Name is the unique module name.
	Name string

	// Lifecycle holds the stage functions the module implements.
	Lifecycle *Lifecycle

	// Config is the module configuration passed to lifecycle stages.
	Config map[string]interface{}

	// DependsOn lists the names of modules this module depends on.
	DependsOn []string

	// ForceSequential indicates the module must run alone.
	ForceSequential bool

	// LargeModule hints that the module should be routed to the
	// pipeline strategy even when it could run in parallel.
	LargeModule bool

	// DryRun reports stage events without invoking lifecycle code.
	DryRun bool
}

// ExecutionResult represents the outcome of running one module.
type ExecutionResult struct {
	// ModuleName is the name of the module this result belongs to.
	ModuleName string `json:"module_name"`

	// Success indicates whether all lifecycle stages succeeded.
	Success bool `json:"success"`

	// StartedAt is when execution started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`

	// FailedStage names the stage event that failed, if any.
	FailedStage StageEvent `json:"failed_stage,omitempty"`

	// Resumed is set for modules that completed in a previous interrupted
	// run and were not re-executed.
	Resumed bool `json:"resumed,omitempty"`

	// Error is the error that occurred, if any.
	Error *EngineError `json:"error,omitempty"`
}

// Batch is one unordered set of module names with no dependency edges
// among them. In the batch list produced by the graph, batch i fully
// precedes batch i+1.
type Batch []string
