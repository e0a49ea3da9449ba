package rollback

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// actionExecutor performs the type-specific undo of one action.
type actionExecutor func(ctx context.Context, action *Action) error

// defaultExecutors wires every action type to its real undo implementation.
func defaultExecutors() map[ActionType]actionExecutor {
	return map[ActionType]actionExecutor{
		ActionCommand:       executeCommand,
		ActionFileRestore:   executeFileRestore,
		ActionPackageRemove: executePackageRemove,
		ActionServiceStop:   executeServiceStop,
	}
}

// executeCommand runs the recorded undo command through the shell.
func executeCommand(ctx context.Context, action *Action) error {
	command, ok := action.Data["command"].(string)
	if !ok || command == "" {
		return fmt.Errorf("command action has no command")
	}

	shell, _ := action.Data["shell"].(string)
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("command failed: %w (output: %s)", err, string(out))
	}
	return nil
}

// executeFileRestore copies the backup file over the original.
func executeFileRestore(ctx context.Context, action *Action) error {
	backupPath, _ := action.Data["backup_path"].(string)
	originalPath, _ := action.Data["original_path"].(string)
	if backupPath == "" || originalPath == "" {
		return fmt.Errorf("file_restore action needs backup_path and original_path")
	}

	if err := copyFile(backupPath, originalPath); err != nil {
		return fmt.Errorf("failed to restore %s: %w", originalPath, err)
	}
	return nil
}

// executePackageRemove removes the recorded packages with the system
// package manager.
func executePackageRemove(ctx context.Context, action *Action) error {
	packages := stringSlice(action.Data["packages"])
	if len(packages) == 0 {
		return fmt.Errorf("package_remove action has no packages")
	}

	manager, _ := action.Data["manager"].(string)
	if manager == "" {
		var err error
		manager, err = detectPackageManager()
		if err != nil {
			return err
		}
	}

	switch manager {
	case "apt", "dnf", "yum", "zypper":
	default:
		return fmt.Errorf("unsupported package manager: %s", manager)
	}

	args := append([]string{"remove", "-y"}, packages...)
	cmd := exec.CommandContext(ctx, manager, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("package removal failed: %w (output: %s)", err, string(out))
	}
	return nil
}

// executeServiceStop stops and disables a systemd service.
func executeServiceStop(ctx context.Context, action *Action) error {
	service, _ := action.Data["service"].(string)
	if service == "" {
		return fmt.Errorf("service_stop action has no service")
	}

	stop := exec.CommandContext(ctx, "systemctl", "stop", service)
	if out, err := stop.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to stop service %s: %w (output: %s)", service, err, string(out))
	}

	disable := exec.CommandContext(ctx, "systemctl", "disable", service)
	if out, err := disable.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to disable service %s: %w (output: %s)", service, err, string(out))
	}
	return nil
}

// detectPackageManager finds the first supported package manager on PATH.
func detectPackageManager() (string, error) {
	managers := []string{"apt", "dnf", "yum", "zypper"}
	for _, mgr := range managers {
		if _, err := exec.LookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	sourceInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, sourceInfo.Mode())
}

// stringSlice coerces a JSON-decoded value into a string slice.
func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
