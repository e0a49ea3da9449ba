package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/state"
)

func newStatusCommand() *cobra.Command {
	var (
		installationID  string
		limit           int
		showCheckpoints bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show installation status",
		Long: `Show recorded installations from the state database.

Without --id the most recent installations are listed. With --id the
per-module breakdown of that installation is shown.`,
		Example: `  # List recent installations
  stackpilot status

  # Show one installation's modules
  stackpilot status --id 6f1c2a9e-...

  # Include per-module checkpoints
  stackpilot status --id 6f1c2a9e-... --checkpoints`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, tracer, err := buildTelemetry(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer tracer.Shutdown(cmd.Context())

			_, store, err := openStateManager(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if installationID != "" {
				return showInstallation(cmd, store, installationID, showCheckpoints)
			}
			return listInstallations(cmd, store, limit)
		},
	}

	cmd.Flags().StringVar(&installationID, "id", "", "installation to inspect")
	cmd.Flags().IntVar(&limit, "limit", 10, "max installations to list")
	cmd.Flags().BoolVar(&showCheckpoints, "checkpoints", false, "list each module's checkpoints")

	return cmd
}

func listInstallations(cmd *cobra.Command, store *state.SQLiteStore, limit int) error {
	installations, err := store.ListInstallations(cmd.Context(), limit, 0)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(installations)
	}

	if len(installations) == 0 {
		fmt.Println("No installations recorded")
		return nil
	}

	fmt.Printf("%-38s %-20s %-12s %-20s\n", "ID", "PROFILE", "STATUS", "STARTED")
	for _, inst := range installations {
		started := inst.StartedAt.Format(time.RFC3339)
		marker := ""
		if inst.Resumable() {
			marker = " (resumable)"
		}
		fmt.Printf("%-38s %-20s %-12s %-20s%s\n",
			inst.InstallationID, inst.Profile, inst.OverallStatus, started, marker)
	}
	return nil
}

func showInstallation(cmd *cobra.Command, store *state.SQLiteStore, id string, withCheckpoints bool) error {
	inst, err := store.GetInstallation(cmd.Context(), id)
	if err != nil {
		return err
	}

	modules, err := store.ListModules(cmd.Context(), id)
	if err != nil {
		return err
	}

	checkpoints := make(map[string][]*state.Checkpoint)
	if withCheckpoints {
		for _, mod := range modules {
			cps, err := store.ListCheckpoints(cmd.Context(), id, mod.ModuleName)
			if err != nil {
				return err
			}
			checkpoints[mod.ModuleName] = cps
		}
	}

	if jsonOutput {
		out := struct {
			Installation *state.InstallationState       `json:"installation"`
			Modules      []*state.ModuleState           `json:"modules"`
			Checkpoints  map[string][]*state.Checkpoint `json:"checkpoints,omitempty"`
		}{inst, modules, nil}
		if withCheckpoints {
			out.Checkpoints = checkpoints
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	fmt.Printf("Installation: %s\n", inst.InstallationID)
	fmt.Printf("Profile:      %s\n", inst.Profile)
	fmt.Printf("Status:       %s\n", inst.OverallStatus)
	fmt.Printf("Started:      %s\n", inst.StartedAt.Format(time.RFC3339))
	if inst.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", inst.CompletedAt.Format(time.RFC3339))
	}
	fmt.Println()

	if len(modules) == 0 {
		fmt.Println("No modules recorded")
		return nil
	}

	fmt.Printf("%-24s %-11s %7s  %-24s %s\n", "MODULE", "STATUS", "PROG", "STEP", "ERROR")
	for _, mod := range modules {
		fmt.Printf("%-24s %-11s %6.1f%%  %-24s %s\n",
			mod.ModuleName, mod.Status, mod.ProgressPercent, mod.CurrentStep, mod.ErrorMessage)
	}

	if withCheckpoints {
		fmt.Println()
		fmt.Printf("%-24s %-20s %s\n", "MODULE", "CHECKPOINT", "CREATED")
		for _, mod := range modules {
			for _, cp := range checkpoints[mod.ModuleName] {
				fmt.Printf("%-24s %-20s %s\n",
					cp.ModuleName, cp.CheckpointName, cp.CreatedAt.Format(time.RFC3339))
			}
		}
	}
	return nil
}
