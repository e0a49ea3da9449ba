package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session is the shared mutable state of one installation run. One session
// is created per run and passed by reference into every strategy call; there
// is no process-global execution state.
//
// A single mutex guards the results and timing maps; the cancellation flag
// is an atomic so workers can check it without taking the lock. Every
// critical section is a single map insert or read.
type Session struct {
	mu sync.Mutex

	cancelled atomic.Bool

	// results maps module names to their execution results.
	results map[string]*ExecutionResult

	// startedAt and completedAt record per-module timing.
	startedAt   map[string]time.Time
	completedAt map[string]time.Time
}

// NewSession creates an empty execution session.
func NewSession() *Session {
	return &Session{
		results:     make(map[string]*ExecutionResult),
		startedAt:   make(map[string]time.Time),
		completedAt: make(map[string]time.Time),
	}
}

// Cancel sets the shared cancellation flag. It is set before any other
// failure bookkeeping so concurrently finishing workers observe "stop" as
// early as possible.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether the session has been cancelled.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// MarkStarted records when a module started executing.
func (s *Session) MarkStarted(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt[name] = at
}

// MarkCompleted records when a module finished executing.
func (s *Session) MarkCompleted(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedAt[name] = at
}

// StoreResult records a module's execution result. Results are stored in
// completion order, not submission order.
func (s *Session) StoreResult(result *ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ModuleName] = result
}

// Result returns the stored result for a module, if any.
func (s *Session) Result(name string) (*ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[name]
	return r, ok
}

// Results returns a copy of the result map.
func (s *Session) Results() map[string]*ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*ExecutionResult, len(s.results))
	for name, r := range s.results {
		out[name] = r
	}
	return out
}

// FailedModules returns the names of modules that failed so far.
func (s *Session) FailedModules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []string
	for name, r := range s.results {
		if !r.Success {
			failed = append(failed, name)
		}
	}
	return failed
}
