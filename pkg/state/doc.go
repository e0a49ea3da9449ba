// Package state persists installation and per-module lifecycle state in a
// single-file SQLite store so an interrupted installation can be detected
// and resumed after a crash.
package state
