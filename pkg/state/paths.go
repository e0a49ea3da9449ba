package state

import (
	"os"
	"path/filepath"
)

// systemStateDir is the fixed default location for the state database.
const systemStateDir = "/var/lib/stackpilot"

// stateFileName is the state database file name.
const stateFileName = "state.db"

// DefaultPath returns the path of the state database: the fixed system
// location when writable, otherwise a per-user fallback.
func DefaultPath() string {
	if dirWritable(systemStateDir) {
		return filepath.Join(systemStateDir, stateFileName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		// Last resort: current directory.
		return stateFileName
	}
	userDir := filepath.Join(home, ".local", "share", "stackpilot")
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return stateFileName
	}
	return filepath.Join(userDir, stateFileName)
}

// dirWritable reports whether the directory exists (or can be created) and
// accepts writes.
func dirWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}
