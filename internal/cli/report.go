package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/collvet/collvet/internal/store"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Database string
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Inspect stored run results",
		Long: `Inspect results stored by verify runs.

Without arguments, lists every recorded run with per-run rank and error
totals. With a run ID, prints each rank's verdict and the case rows
that recorded errors.

Example:
  collvet report --db results.db
  collvet report --db results.db 0191e9cc-7b3a-7000-8000-1f44a1f7d2aa`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite results database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReport(opts *ReportOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) == 0 {
		return listRuns(ctx, st, formatter)
	}
	return showRun(ctx, st, args[0], formatter)
}

func listRuns(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	runs, err := st.ListRuns(ctx)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]interface{}{
			"runs": runs,
		})
	}

	w := formatter.Writer
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	fmt.Fprintf(w, "%d run(s):\n", len(runs))
	fmt.Fprintln(w)
	for _, run := range runs {
		fmt.Fprintf(w, "  %s\n", run.RunID)
		fmt.Fprintf(w, "    design=%s world=%d ranks=%d errors=%d created=%s\n",
			run.Design, run.World, run.Ranks, run.Errors, run.CreatedAt)
	}
	return nil
}

func showRun(ctx context.Context, st *store.Store, runID string, formatter *OutputFormatter) error {
	reports, err := st.ReadRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound := fmt.Errorf("run %s not found", runID)
			_ = formatter.Error(ErrCodeRun, notFound.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read run", notFound)
		}
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	failing, err := st.FailingCases(ctx, runID)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read failing cases", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]interface{}{
			"run_id":  runID,
			"reports": reports,
			"failing": failing,
		})
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Run: %s\n", runID)
	if len(reports) > 0 {
		fmt.Fprintf(w, "Design: %s  World: %d  Ranks: %d\n", reports[0].Design, reports[0].World, len(reports))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Ranks ===")
	for _, r := range reports {
		fmt.Fprintf(w, "  rank %d: %s\n", r.Rank, r.Summary())
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Failing Cases ===")
	if len(failing) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}
	for _, row := range failing {
		fmt.Fprintf(w, "  rank %d [%d] %s: %d error(s)\n", row.Rank, row.Seq, row.Name, row.Errors)
	}
	return nil
}
