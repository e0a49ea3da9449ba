// Package rollback maintains an append-only log of reversible actions
// registered by modules as they mutate the system. On a failed
// installation the log is replayed back-to-front to undo the side effects.
// The log is rewritten to disk in full on every registration so a crash
// never loses a registered action.
package rollback
