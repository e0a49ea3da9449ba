package commands

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/manifest"
	"github.com/stackpilot/stackpilot/pkg/rollback"
	"github.com/stackpilot/stackpilot/pkg/state"
)

// Module config keys understood by the shell-backed lifecycle. Each
// stage key holds a shell command; packages and services drive rollback
// registration after a successful configure.
const (
	cfgValidate      = "validate"
	cfgPreConfigure  = "pre_configure"
	cfgConfigure     = "configure"
	cfgPostConfigure = "post_configure"
	cfgVerify        = "verify"
	cfgPackages      = "packages"
	cfgServices      = "services"
	cfgRollbackCmd   = "rollback_command"
)

// attachLifecycles builds shell-backed lifecycles for every execution
// context from its manifest config. Modules without any stage command
// still get a lifecycle so that skipped stages are reported uniformly.
func attachLifecycles(contexts map[string]*engine.ExecutionContext, m *manifest.Manifest, rb *rollback.Manager, rec *state.Manager) {
	for name, ec := range contexts {
		mod := m.Module(name)
		if mod == nil {
			continue
		}
		ec.Lifecycle = buildLifecycle(mod, rb, rec)
	}
}

func buildLifecycle(mod *manifest.Module, rb *rollback.Manager, rec *state.Manager) *engine.Lifecycle {
	return &engine.Lifecycle{
		Validate:      stageCommand(mod.Config, cfgValidate),
		PreConfigure:  stageCommand(mod.Config, cfgPreConfigure),
		Configure:     configureStage(mod, rb, rec),
		PostConfigure: stageCommand(mod.Config, cfgPostConfigure),
		Verify:        stageCommand(mod.Config, cfgVerify),
	}
}

// stageCommand returns a StageFunc running the shell command stored
// under key, or nil when the module does not define the stage.
func stageCommand(config map[string]interface{}, key string) engine.StageFunc {
	command, ok := configString(config, key)
	if !ok {
		return nil
	}

	return func(ctx context.Context, _ map[string]interface{}) error {
		return runShell(ctx, command)
	}
}

// configureStage wraps the configure command so that rollback actions
// are recorded only after the mutation succeeded. The module's undo list
// is written onto its state row once the actions are registered.
func configureStage(mod *manifest.Module, rb *rollback.Manager, rec *state.Manager) engine.StageFunc {
	command, hasCommand := configString(mod.Config, cfgConfigure)
	packages := configStrings(mod.Config, cfgPackages)
	services := configStrings(mod.Config, cfgServices)
	rollbackCmd, hasRollback := configString(mod.Config, cfgRollbackCmd)

	if !hasCommand && len(packages) == 0 && len(services) == 0 && !hasRollback {
		return nil
	}

	return func(ctx context.Context, _ map[string]interface{}) error {
		if hasCommand {
			if err := runShell(ctx, command); err != nil {
				return err
			}
		}

		if rb == nil {
			return nil
		}
		actions := rb.ForModule(mod.Name)

		if len(packages) > 0 {
			desc := fmt.Sprintf("remove packages installed by %s", mod.Name)
			if err := actions.AddPackageRemove(desc, packages, ""); err != nil {
				return err
			}
		}
		for _, svc := range services {
			desc := fmt.Sprintf("stop service %s configured by %s", svc, mod.Name)
			if err := actions.AddServiceStop(desc, svc); err != nil {
				return err
			}
		}
		if hasRollback {
			desc := fmt.Sprintf("undo configure of %s", mod.Name)
			if err := actions.AddCommand(desc, rollbackCmd); err != nil {
				return err
			}
		}

		if rec != nil {
			data, err := rb.ActionsJSONFor(mod.Name)
			if err != nil {
				return err
			}
			rec.UpdateModule(ctx, mod.Name, state.ModuleUpdate{RollbackActions: data})
		}

		return nil
	}
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q failed: %w: %s", command, err, output)
	}
	return nil
}

func configString(config map[string]interface{}, key string) (string, bool) {
	if config == nil {
		return "", false
	}
	s, ok := config[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func configStrings(config map[string]interface{}, key string) []string {
	if config == nil {
		return nil
	}
	raw, ok := config[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
