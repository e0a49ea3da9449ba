package engine

import "context"

// PipelineStrategy runs modules one at a time as an explicit ordered stage
// sequence. It exists for large or isolated modules that must not share a
// worker pool; a stage failure aborts the remaining stages of that module.
type PipelineStrategy struct{}

// NewPipelineStrategy creates a pipeline strategy.
func NewPipelineStrategy() *PipelineStrategy {
	return &PipelineStrategy{}
}

// Name implements Strategy.
func (p *PipelineStrategy) Name() string { return "pipeline" }

// Execute implements Strategy. Contexts run strictly in the given order;
// the cancellation flag is checked before each one.
func (p *PipelineStrategy) Execute(
	ctx context.Context,
	contexts []*ExecutionContext,
	session *Session,
	callback ProgressCallback,
) map[string]*ExecutionResult {
	results := make(map[string]*ExecutionResult, len(contexts))
	for _, ec := range contexts {
		result := runModule(ctx, ec, session, callback)
		results[result.ModuleName] = result
	}
	return results
}
