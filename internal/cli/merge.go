package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge FROM INTO",
	Short: "Fold one canonical entity into another",
	Long: `Move the aliases, provenance and external ids of entity FROM onto entity
INTO. FROM is kept with merged_into=INTO so earlier outputs stay resolvable;
later lookups and re-links land on INTO. Merges are forward only.`,
	Args: cobra.ExactArgs(2),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"backend":  "registry.backend",
			"registry": "registry.path",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		from, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entity id %q", args[0])
		}
		into, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entity id %q", args[1])
		}

		a, err := newApp(cmd)
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

		if err := registry.MergeEntities(cmd.Context(), from, into); err != nil {
			return err
		}
		target, err := registry.GetEntity(cmd.Context(), into)
		if err != nil {
			return err
		}
		a.log.Info().Int64("from", from).Int64("into", into).Msg("entities merged")
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Merged entity %d into %d (%s, %d aliases)\n",
			from, into, target.CanonicalName, len(target.Aliases))
		return nil
	},
}

func init() {
	mergeCmd.Flags().String("backend", "", "registry backend: sqlite or memory")
	mergeCmd.Flags().String("registry", "", "sqlite registry path")
	rootCmd.AddCommand(mergeCmd)
}
