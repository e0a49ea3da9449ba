package engine

import "context"

// HybridStrategy routes each module of a batch to the right executor:
// modules flagged force-sequential or large go to the pipeline, one at a
// time in discovery order; the rest run as one parallel sub-batch. Both
// result maps are merged.
type HybridStrategy struct {
	parallel *ParallelStrategy
	pipeline *PipelineStrategy
}

// NewHybridStrategy creates a hybrid strategy with the given parallel pool
// bound.
func NewHybridStrategy(maxWorkers int) *HybridStrategy {
	return &HybridStrategy{
		parallel: NewParallelStrategy(maxWorkers),
		pipeline: NewPipelineStrategy(),
	}
}

// Name implements Strategy.
func (h *HybridStrategy) Name() string { return "hybrid" }

// Execute implements Strategy. Pipeline-routed modules run first, in
// discovery order; a failure there sets the session cancellation flag, so
// the parallel sub-batch that follows produces synthetic failed results
// without invoking any lifecycle code.
func (h *HybridStrategy) Execute(
	ctx context.Context,
	contexts []*ExecutionContext,
	session *Session,
	callback ProgressCallback,
) map[string]*ExecutionResult {
	var sequential []*ExecutionContext
	var concurrent []*ExecutionContext
	for _, ec := range contexts {
		if ec.ForceSequential || ec.LargeModule {
			sequential = append(sequential, ec)
		} else {
			concurrent = append(concurrent, ec)
		}
	}

	results := make(map[string]*ExecutionResult, len(contexts))
	for name, r := range h.pipeline.Execute(ctx, sequential, session, callback) {
		results[name] = r
	}
	for name, r := range h.parallel.Execute(ctx, concurrent, session, callback) {
		results[name] = r
	}
	return results
}
