// Package engine implements the module orchestration core of stackpilot.
//
// The engine takes a set of installation modules with declared dependencies,
// arranges them into parallel-safe batches with a dependency graph, and runs
// each batch through one of three execution strategies:
//
//   - ParallelStrategy: a bounded worker pool for independent modules
//   - PipelineStrategy: a strictly ordered stage sequence for one module
//   - HybridStrategy: routes each module to one of the two by its hints
//
// Every module passes through the lifecycle stages
// validate -> configure -> verify, with optional pre/post configure hooks.
// Stage outcomes are explicit results; panics are recovered at strategy
// boundaries and converted to failed results so one module can never take
// down the pool.
//
// The Installer drives batches in order and reports module transitions to
// an optional StateRecorder, letting callers persist progress so an
// interrupted run can be resumed with the already-completed modules
// skipped.
package engine
