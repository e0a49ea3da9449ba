package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/manifest"
)

func newGraphCommand() *cobra.Command {
	var (
		manifestPath string
		dot          bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the execution plan for a manifest",
		Long: `Resolve a manifest's dependency graph and print the execution
batches in order. Modules in the same batch run concurrently under the
parallel strategy. With --dot the graph is printed in Graphviz format
instead.`,
		Example: `  # Print execution batches
  stackpilot graph -f manifest.yaml

  # Render with Graphviz
  stackpilot graph -f manifest.yaml --dot | dot -Tsvg -o plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.NewLoader().LoadFromFile(manifestPath)
			if err != nil {
				return err
			}

			g, err := m.Graph()
			if err != nil {
				return err
			}

			if dot {
				out, err := g.ToDOT()
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}

			batches, err := g.ParallelBatches()
			if err != nil {
				return err
			}

			fmt.Printf("Profile: %s (%d modules, %d batches)\n\n", m.Profile, len(m.Modules), len(batches))
			for i, batch := range batches {
				note := ""
				if len(batch) == 1 && g.ForceSequential(batch[0]) {
					note = "  [sequential]"
				}
				fmt.Printf("Batch %d: %s%s\n", i+1, strings.Join(batch, ", "), note)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "manifest.yaml", "manifest file to plan")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in Graphviz DOT format")

	return cmd
}
