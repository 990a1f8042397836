package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/collvet/collvet/internal/comm"
	"github.com/collvet/collvet/internal/config"
	"github.com/collvet/collvet/internal/harness"
	"github.com/collvet/collvet/internal/rank"
	"github.com/collvet/collvet/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions

	ConfigFile    string
	Design        string
	Simulation    bool
	HostFile      string
	FPGAFile      string
	MasterAddress string
	MasterPort    int
	StartPort     int
	World         int
	Count         int
	Timeout       time.Duration
	ResultsDB     string
	RunGather     bool
	RunID         string
	Rank          int

	// Tokens allows overriding the run token generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	Tokens harness.RunTokenGenerator
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the collective conformance battery",
		Long: `Run the collective conformance battery against a backend design.

In simulation mode every rank runs inside this process over a loopback
fabric. Otherwise the process joins a world as a single rank, taking its
identity from --rank or from the launcher environment (RANK/WORLD_SIZE),
and prints that rank's verdict.

Example:
  collvet verify -s --world 4
  collvet verify -c tcp -i hosts.txt -f fpgas.txt --rank 0 --world 2
  collvet verify --config run.yaml --results-db results.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "path to YAML configuration file")
	cmd.Flags().StringVarP(&opts.Design, "comms", "c", config.DefaultDesign, "backend design (udp|tcp|cyt_rdma)")
	cmd.Flags().BoolVarP(&opts.Simulation, "simulation", "s", false, "run all ranks in-process over a loopback fabric")
	cmd.Flags().StringVarP(&opts.HostFile, "host-file", "i", "", "file with one host IP per rank")
	cmd.Flags().StringVarP(&opts.FPGAFile, "fpga-file", "f", "", "file with one fabric IP per rank")
	cmd.Flags().StringVarP(&opts.MasterAddress, "master-address", "a", config.DefaultMasterAddress, "rendezvous master address")
	cmd.Flags().IntVarP(&opts.MasterPort, "master-port", "p", config.DefaultMasterPort, "rendezvous master port")
	cmd.Flags().IntVar(&opts.StartPort, "start-port", config.DefaultStartPort, "first per-rank port")
	cmd.Flags().IntVar(&opts.World, "world", 0, "number of ranks (0 derives it from the host file)")
	cmd.Flags().IntVar(&opts.Count, "count", config.DefaultCount, "elements per buffer")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-operation timeout (0 disables)")
	cmd.Flags().StringVar(&opts.ResultsDB, "results-db", "", "path to SQLite results database (optional)")
	cmd.Flags().BoolVar(&opts.RunGather, "run-gather", false, "include the gather case")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run identity (default: rank 0 mints and broadcasts a UUID)")
	cmd.Flags().IntVar(&opts.Rank, "rank", -1, "rank of this process (-1 consults the environment)")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadVerifyConfig(opts, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return outputConfigErrors(formatter, errs)
	}

	design, err := comm.ParseDesign(cfg.Design)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to resolve design", err)
	}
	world, err := cfg.ResolveWorld()
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to resolve world size", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	if cfg.Simulation {
		return runSimulation(ctx, opts, cfg, design, world, formatter)
	}
	return runHardware(ctx, opts, cfg, design, world, formatter)
}

// loadVerifyConfig builds the effective configuration: compiled-in
// defaults, then the YAML file, then any flag changed on the command
// line. Design aliases are normalized before validation so that
// "stream" and "tcp" land on the same schema value.
func loadVerifyConfig(opts *VerifyOptions, cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("comms") {
		cfg.Design = opts.Design
	}
	if flags.Changed("simulation") {
		cfg.Simulation = opts.Simulation
	}
	if flags.Changed("host-file") {
		cfg.HostFile = opts.HostFile
	}
	if flags.Changed("fpga-file") {
		cfg.FPGAFile = opts.FPGAFile
	}
	if flags.Changed("master-address") {
		cfg.MasterAddress = opts.MasterAddress
	}
	if flags.Changed("master-port") {
		cfg.MasterPort = opts.MasterPort
	}
	if flags.Changed("start-port") {
		cfg.StartPort = opts.StartPort
	}
	if flags.Changed("world") {
		cfg.World = opts.World
	}
	if flags.Changed("count") {
		cfg.Count = opts.Count
	}
	if flags.Changed("timeout") {
		cfg.Timeout = config.Duration(opts.Timeout)
	}
	if flags.Changed("results-db") {
		cfg.ResultsDB = opts.ResultsDB
	}
	if flags.Changed("run-gather") {
		cfg.RunGather = opts.RunGather
	}

	if design, err := comm.ParseDesign(cfg.Design); err == nil {
		cfg.Design = string(design)
	}
	return cfg, nil
}

// outputConfigErrors renders validation failures and returns the
// command error carrying the configuration exit code.
func outputConfigErrors(formatter *OutputFormatter, errs []config.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: map[string]interface{}{
				"valid":  false,
				"errors": errs,
			},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Configuration rejected")
		fmt.Fprintln(formatter.Writer)
		for _, e := range errs {
			fmt.Fprintf(formatter.Writer, "  %s\n", e.Error())
		}
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("configuration rejected with %d error(s)", len(errs)))
}

// runSimulation drives every rank of the world inside this process.
func runSimulation(ctx context.Context, opts *VerifyOptions, cfg config.Config, design comm.Design, world int, formatter *OutputFormatter) error {
	slog.Info("starting simulated world", "world", world, "design", string(design), "count", cfg.Count)

	fabric, err := comm.NewLoopbackFabric(world)
	if err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to build loopback fabric", err)
	}

	rows, cols := cfg.Shape()
	cases := harness.Battery(harness.Params{Rows: rows, Cols: cols, Count: cfg.Count}, world, cfg.RunGather)
	runOpts := harness.RunOptions{
		Design:  design,
		RunID:   opts.RunID,
		Tokens:  opts.Tokens,
		Timeout: cfg.Timeout.Std(),
		Logger:  slog.Default(),
	}

	var mu sync.Mutex
	reports := make([]*harness.Report, world)
	err = fabric.Run(ctx, func(ctx context.Context, a comm.Adapter) error {
		report, err := harness.RunBattery(ctx, a, cases, runOpts)
		if err != nil {
			return err
		}
		mu.Lock()
		reports[a.Rank().Rank] = report
		mu.Unlock()
		return nil
	})
	if err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "battery aborted", err)
	}

	if err := persistReports(ctx, cfg.ResultsDB, reports); err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to store reports", err)
	}

	return outputVerdict(formatter, design, world, reports)
}

// runHardware joins a deployed world as a single rank.
func runHardware(ctx context.Context, opts *VerifyOptions, cfg config.Config, design comm.Design, world int, formatter *OutputFormatter) error {
	id, err := resolveRank(opts, world)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to resolve rank", err)
	}

	endpoints, err := cfg.Endpoints(world)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to resolve endpoints", err)
	}

	if design != comm.DesignTCP {
		err := fmt.Errorf("%s: %w", design, comm.ErrDesignUnavailable)
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to attach backend", err)
	}

	slog.Info("joining world", "rank", id.Rank, "world", id.World, "master", cfg.MasterEndpoint().String())
	adapter, err := comm.DialStream(ctx, comm.StreamConfig{
		Rank:      id,
		Endpoints: endpoints,
		Master:    cfg.MasterEndpoint(),
	})
	if err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to attach backend", err)
	}
	defer func() {
		if closeErr := adapter.Close(); closeErr != nil {
			slog.Error("error closing adapter", "error", closeErr)
		}
	}()

	rows, cols := cfg.Shape()
	cases := harness.Battery(harness.Params{Rows: rows, Cols: cols, Count: cfg.Count}, id.World, cfg.RunGather)
	report, err := harness.RunBattery(ctx, adapter, cases, harness.RunOptions{
		Design:  design,
		RunID:   opts.RunID,
		Tokens:  opts.Tokens,
		Timeout: cfg.Timeout.Std(),
		Logger:  slog.Default(),
	})
	if err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "battery aborted", err)
	}

	if err := persistReports(ctx, cfg.ResultsDB, []*harness.Report{report}); err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to store reports", err)
	}

	return outputVerdict(formatter, design, id.World, []*harness.Report{report})
}

// resolveRank determines the identity of this process. An explicit
// --rank wins; otherwise the launcher environment is consulted. A
// world of one needs neither.
func resolveRank(opts *VerifyOptions, world int) (rank.Context, error) {
	if opts.Rank >= 0 {
		return rank.New(opts.Rank, world)
	}
	id, err := rank.FromEnv()
	if err != nil {
		if world == 1 {
			return rank.New(0, 1)
		}
		return rank.Context{}, err
	}
	if id.World != world {
		return rank.Context{}, fmt.Errorf("world size %d from environment, %d from configuration", id.World, world)
	}
	return id, nil
}

// persistReports writes reports to the results database when one is
// configured.
func persistReports(ctx context.Context, path string, reports []*harness.Report) error {
	if path == "" {
		return nil
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	for _, r := range reports {
		if r == nil {
			continue
		}
		if err := st.WriteReport(ctx, r); err != nil {
			return err
		}
	}
	slog.Info("reports stored", "db", path, "reports", len(reports))
	return nil
}

// VerifyResult is the JSON payload of a verify run.
type VerifyResult struct {
	RunID   string            `json:"run_id"`
	Design  string            `json:"design"`
	World   int               `json:"world"`
	Errors  int               `json:"errors"`
	Verdict string            `json:"verdict"`
	Reports []*harness.Report `json:"reports"`
}

// outputVerdict prints the aggregate verdict and converts conformance
// errors into the failure exit code.
func outputVerdict(formatter *OutputFormatter, design comm.Design, world int, reports []*harness.Report) error {
	total := harness.TotalErrors(reports)
	verdict := harness.VerdictSuccess
	if total > 0 {
		verdict = harness.VerdictErrors(total)
	}
	runID := ""
	for _, r := range reports {
		if r != nil {
			runID = r.RunID
			break
		}
	}
	result := VerifyResult{
		RunID:   runID,
		Design:  string(design),
		World:   world,
		Errors:  total,
		Verdict: verdict,
		Reports: reports,
	}

	if formatter.Format == "json" {
		if total == 0 {
			return formatter.Success(result)
		}
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    ErrCodeVerify,
				Message: verdict,
			},
		}
		if err := json.NewEncoder(formatter.Writer).Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("verification failed with %d error(s)", total))
	}

	for _, r := range reports {
		if r != nil {
			formatter.VerboseLog("rank %d: %s", r.Rank, r.Summary())
		}
	}
	fmt.Fprintln(formatter.Writer, verdict)
	if total > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("verification failed with %d error(s)", total))
	}
	return nil
}
