package engine

import (
	"context"
	"sync"
)

// ParallelStrategy runs the modules of a batch on a bounded worker pool.
// Results are collected in completion order, not submission order. A worker
// never dies from a module's fault: stage errors and panics become failed
// results (see runModule).
type ParallelStrategy struct {
	// maxWorkers bounds the pool per Execute call; the pool is not
	// process-global.
	maxWorkers int
}

// DefaultMaxWorkers is the pool bound used when none is configured.
const DefaultMaxWorkers = 4

// NewParallelStrategy creates a parallel strategy with the given pool bound.
func NewParallelStrategy(maxWorkers int) *ParallelStrategy {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &ParallelStrategy{maxWorkers: maxWorkers}
}

// Name implements Strategy.
func (p *ParallelStrategy) Name() string { return "parallel" }

// Execute implements Strategy. It blocks until every context has a result.
// Once the session cancellation flag is set, unstarted modules in the work
// queue get synthetic failed results without their lifecycle being invoked;
// in-flight modules run to completion.
func (p *ParallelStrategy) Execute(
	ctx context.Context,
	contexts []*ExecutionContext,
	session *Session,
	callback ProgressCallback,
) map[string]*ExecutionResult {
	results := make(map[string]*ExecutionResult, len(contexts))
	if len(contexts) == 0 {
		return results
	}

	workers := p.maxWorkers
	if len(contexts) < workers {
		workers = len(contexts)
	}

	work := make(chan *ExecutionContext, len(contexts))
	for _, ec := range contexts {
		work <- ec
	}
	close(work)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ec := range work {
				result := runModule(ctx, ec, session, callback)
				mu.Lock()
				results[result.ModuleName] = result
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return results
}
