package cli

import (
	"fmt"

	"github.com/kittclouds/kittlink/pkg/pipeline"
	"github.com/spf13/cobra"
)

var (
	exportDir   string
	exportGraph bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the canonical entity table from the registry",
	Long: `Write entities.jsonl from the current registry without processing input.
With --graph, also write graph/nodes.jsonl and graph/edges.jsonl: one node
per entity and per document, MENTIONED_IN edges weighted by mention count.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"backend":  "registry.backend",
			"registry": "registry.path",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		dir, err := a.fsPath(exportDir)
		if err != nil {
			return err
		}
		registry, err := a.openRegistry()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := registry.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close registry: %w", cerr)
			}
		}()

		res, err := pipeline.Export(cmd.Context(), registry, a.fs, dir, exportGraph)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %d entities to %s\n", res.Entities, exportDir)
		if exportGraph {
			fmt.Fprintf(cmd.OutOrStdout(), "  graph: %d nodes, %d edges\n", res.Nodes, res.Edges)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportDir, "output", "o", "out", "output directory")
	exportCmd.Flags().BoolVar(&exportGraph, "graph", false, "also write the node/edge projection")
	exportCmd.Flags().String("backend", "", "registry backend: sqlite or memory")
	exportCmd.Flags().String("registry", "", "sqlite registry path")
	rootCmd.AddCommand(exportCmd)
}
