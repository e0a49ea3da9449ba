package engine

import (
	"context"
	"fmt"
	"time"
)

// Strategy executes the modules of one batch and returns a result per
// module. Implementations must never let one module's fault escape: stage
// errors and panics are converted into failed ExecutionResults.
type Strategy interface {
	// Name identifies the strategy in logs and events.
	Name() string

	// Execute runs the given execution contexts against the shared session.
	// It blocks until every context has a result and returns the results
	// for this batch keyed by module name.
	Execute(ctx context.Context, contexts []*ExecutionContext, session *Session, callback ProgressCallback) map[string]*ExecutionResult
}

// emit invokes the progress callback if one is set.
func emit(cb ProgressCallback, module string, event StageEvent, data map[string]interface{}) {
	if cb == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	cb(module, event, data)
}

// cancelledResult builds the synthetic failed result returned for a module
// that was never started because the session was already cancelled.
func cancelledResult(name string) *ExecutionResult {
	now := time.Now()
	return &ExecutionResult{
		ModuleName:  name,
		Success:     false,
		StartedAt:   now,
		CompletedAt: now,
		Error: NewPermanentError("execution cancelled before module started", nil).
			WithCode(ErrCodeCancelled).WithModule(name),
	}
}

// runStage invokes a single lifecycle stage, converting panics into errors.
func runStage(ctx context.Context, ec *ExecutionContext, stage StageFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("stage panicked: %v", r), nil).
				WithCode(ErrCodeStageFailed).WithModule(ec.Name)
		}
	}()
	return stage(ctx, ec.Config)
}

// runModule drives one module through its full lifecycle. Every stage is
// reported before it runs; a nil stage is auto-success with a skipped
// marker; in dry-run mode stages are reported but never invoked. The first
// stage failure aborts the remaining stages. On failure the shared
// cancellation flag is set before the result is stored, so concurrently
// finishing workers observe it as early as possible.
func runModule(ctx context.Context, ec *ExecutionContext, session *Session, cb ProgressCallback) *ExecutionResult {
	if session.Cancelled() {
		result := cancelledResult(ec.Name)
		emit(cb, ec.Name, EventFailed, map[string]interface{}{"cancelled": true})
		session.StoreResult(result)
		return result
	}

	started := time.Now()
	session.MarkStarted(ec.Name, started)
	emit(cb, ec.Name, EventStarted, nil)

	result := &ExecutionResult{
		ModuleName: ec.Name,
		StartedAt:  started,
	}

	lc := ec.Lifecycle
	if lc == nil {
		lc = &Lifecycle{}
	}

	for _, stage := range stageOrder {
		fn := stage.Pick(lc)

		if fn == nil {
			emit(cb, ec.Name, stage.Event, map[string]interface{}{"skipped": true})
			continue
		}
		if ec.DryRun {
			emit(cb, ec.Name, stage.Event, map[string]interface{}{"dry_run": true})
			continue
		}

		emit(cb, ec.Name, stage.Event, nil)
		if err := runStage(ctx, ec, fn); err != nil {
			result.Success = false
			result.FailedStage = stage.Event
			result.Error = classifyStageError(ec.Name, stage.Event, err)
			break
		}
	}

	completed := time.Now()
	session.MarkCompleted(ec.Name, completed)
	result.CompletedAt = completed
	result.Duration = completed.Sub(started)

	if result.Error == nil {
		result.Success = true
		emit(cb, ec.Name, EventCompleted, map[string]interface{}{
			"duration": result.Duration.String(),
		})
	} else {
		// Cancel first so sibling workers stop picking up new modules.
		session.Cancel()
		emit(cb, ec.Name, EventFailed, map[string]interface{}{
			"stage": string(result.FailedStage),
			"error": result.Error.Error(),
		})
	}

	session.StoreResult(result)
	return result
}

// classifyStageError wraps a stage error into an EngineError with module
// and stage context, preserving an existing classification.
func classifyStageError(module string, stage StageEvent, err error) *EngineError {
	if ee, ok := err.(*EngineError); ok {
		return ee.WithModule(module).WithOperation(string(stage))
	}
	return NewPermanentError("lifecycle stage failed", err).
		WithCode(ErrCodeStageFailed).
		WithModule(module).
		WithOperation(string(stage))
}
