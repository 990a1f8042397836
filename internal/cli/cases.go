package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/collvet/collvet/internal/config"
	"github.com/collvet/collvet/internal/harness"
)

// CasesOptions holds flags for the cases command.
type CasesOptions struct {
	*RootOptions
	ConfigFile string
	World      int
	Count      int
	RunGather  bool
}

// CaseInfo describes one battery entry for a given world.
type CaseInfo struct {
	Seq        int    `json:"seq"`
	Name       string `json:"name"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// NewCasesCommand creates the cases command.
func NewCasesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CasesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List the battery in execution order",
		Long: `List the conformance battery in execution order, with the skip
decisions a run would make for the given world size and element count.

Every rank derives the same skip decisions from configuration, so this
listing is exactly the order a run follows.

Example:
  collvet cases
  collvet cases --world 3 --count 16
  collvet cases --config run.yaml --run-gather`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCases(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "path to YAML configuration file")
	cmd.Flags().IntVar(&opts.World, "world", 1, "number of ranks")
	cmd.Flags().IntVar(&opts.Count, "count", config.DefaultCount, "elements per buffer")
	cmd.Flags().BoolVar(&opts.RunGather, "run-gather", false, "include the gather case")

	return cmd
}

func runCases(opts *CasesOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	flags := cmd.Flags()
	if flags.Changed("world") || cfg.World == 0 {
		cfg.World = opts.World
	}
	if flags.Changed("count") {
		cfg.Count = opts.Count
	}
	if flags.Changed("run-gather") {
		cfg.RunGather = opts.RunGather
	}

	rows, cols := cfg.Shape()
	cases := harness.Battery(harness.Params{Rows: rows, Cols: cols, Count: cfg.Count}, cfg.World, cfg.RunGather)

	infos := make([]CaseInfo, 0, len(cases))
	for i, c := range cases {
		infos = append(infos, CaseInfo{
			Seq:        i + 1,
			Name:       c.Name,
			Skipped:    c.Skip,
			SkipReason: c.SkipReason,
		})
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
		return formatter.Success(map[string]interface{}{
			"world": cfg.World,
			"count": cfg.Count,
			"cases": infos,
		})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Battery for world %d, count %d:\n", cfg.World, cfg.Count)
	fmt.Fprintln(w)
	for _, info := range infos {
		status := "run"
		if info.Skipped {
			status = "skip: " + info.SkipReason
		}
		fmt.Fprintf(w, "  [%d] %-10s %s\n", info.Seq, info.Name, status)
	}
	return nil
}
