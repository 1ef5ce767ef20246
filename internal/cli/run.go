package cli

import (
	"fmt"

	"github.com/kittclouds/kittlink/internal/store"
	"github.com/kittclouds/kittlink/pkg/linker"
	"github.com/kittclouds/kittlink/pkg/pipeline"
	"github.com/kittclouds/kittlink/pkg/report"
	"github.com/spf13/cobra"
)

var (
	inputDir  string
	outputDir string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Resolve and link a batch of mention files",
	Long: `Resolve coreference within every document of the input directory, then
link the resulting groups against the entity registry.

Input is a directory of *.mentions.jsonl files. Outputs, the entity table
and the run report are written under --output. The command exits non-zero
only on fatal errors; per-document problems are listed in
_reports/run_report.json.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"workers":      "run.workers",
			"link-workers": "link.workers",
			"threshold":    "link.threshold",
			"similarity":   "link.similarity",
			"backend":      "registry.backend",
			"registry":     "registry.path",
			"timeout":      "run.timeout",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, true)
	},
}

var corefCmd = &cobra.Command{
	Use:   "coref",
	Short: "Resolve within-document coreference only",
	Long: `Group the mentions of every document into local entities and write
coref/<doc>.jsonl. The registry is not opened.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"workers": "run.workers",
			"timeout": "run.timeout",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, false)
	},
}

func execute(cmd *cobra.Command, link bool) (err error) {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	in, err := a.fsPath(inputDir)
	if err != nil {
		return err
	}
	out, err := a.fsPath(outputDir)
	if err != nil {
		return err
	}

	res := a.resolver()
	opts := pipeline.Options{
		Command:     cmd.Name(),
		InputDir:    in,
		OutputDir:   out,
		Workers:     a.cfg.Run.Workers,
		LinkWorkers: a.cfg.Link.Workers,
		Timeout:     a.cfg.Run.Timeout,
	}

	var (
		registry store.Registry
		lk       *linker.Linker
	)
	if link {
		registry, err = a.openRegistry()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := registry.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close registry: %w", cerr)
			}
		}()
		lk, err = a.linker(registry, res)
		if err != nil {
			return err
		}
	}

	summary, err := pipeline.New(a.fs, res, lk, registry, opts, a.log).Run(cmd.Context())
	summary.Print(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if summary.Status == report.StatusNeedsInspection {
		a.log.Warn().Str("report", outputDir+"/_reports/run_report.json").Msg("run needs inspection")
	}
	return nil
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&inputDir, "input", "i", "", "directory of *.mentions.jsonl files (required)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "out", "output directory")
	cmd.Flags().Int("workers", 0, "coreference workers (default from run.workers)")
	cmd.Flags().Duration("timeout", 0, "overall run timeout, 0 for none")
	_ = cmd.MarkFlagRequired("input")
}

func init() {
	addRunFlags(runCmd)
	runCmd.Flags().Int("link-workers", 0, "linking workers (default from link.workers)")
	runCmd.Flags().Float64("threshold", 0, "link confidence threshold in [0,1]")
	runCmd.Flags().String("similarity", "", "alias scorer: token_dice or levenshtein")
	runCmd.Flags().String("backend", "", "registry backend: sqlite or memory")
	runCmd.Flags().String("registry", "", "sqlite registry path")

	addRunFlags(corefCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(corefCmd)
}
