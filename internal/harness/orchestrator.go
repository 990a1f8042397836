package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/collvet/collvet/internal/comm"
)

// RunOptions configures a battery run.
type RunOptions struct {
	// Design labels the backend under test in the report.
	Design comm.Design

	// RunID files the report under a launcher-chosen token. Leave
	// empty to negotiate one through the adapter (see NegotiateRunID);
	// when set, every rank must be launched with the same value.
	RunID string

	// Tokens mints the run token when RunID is empty. Nil defaults to
	// UUIDv7Generator.
	Tokens RunTokenGenerator

	// Timeout bounds each adapter operation, including barriers. Zero
	// disables deadlines; a hung backend then hangs the run.
	Timeout time.Duration

	// Logger receives per-case progress at debug level. Nil discards.
	Logger *slog.Logger
}

// RunBattery drives the cases over one rank's adapter and reports what
// the oracles found. Every rank of the world runs the same battery
// concurrently; barriers keep their sequences aligned, one before each
// non-skipped case and one after the last. Skipped cases are recorded
// without a barrier.
//
// A transport error or timeout aborts the run with a nil report.
// Oracle mismatches are not errors here; they land in Report.Errors.
func RunBattery(ctx context.Context, a comm.Adapter, cases []Case, opts RunOptions) (*Report, error) {
	id := a.Rank()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gen := opts.Tokens
	if gen == nil {
		gen = UUIDv7Generator{}
	}

	runID := opts.RunID
	if runID == "" {
		err := call(ctx, opts.Timeout, "negotiate", func(cctx context.Context) error {
			var nerr error
			runID, nerr = NegotiateRunID(cctx, a, gen)
			return nerr
		})
		if err != nil {
			return nil, err
		}
	}

	report := &Report{
		RunID:  runID,
		Rank:   id.Rank,
		World:  id.World,
		Design: string(opts.Design),
		Cases:  make([]CaseResult, 0, len(cases)),
	}
	logger.Debug("battery starting",
		"run_id", runID, "rank", id.Rank, "world", id.World,
		"design", report.Design, "cases", len(cases))

	for i, c := range cases {
		cr := CaseResult{Name: c.Name, Seq: i + 1}
		if c.Skip {
			cr.Skipped = true
			cr.SkipReason = c.SkipReason
			report.Cases = append(report.Cases, cr)
			logger.Debug("case skipped", "case", c.Name, "seq", cr.Seq, "reason", c.SkipReason)
			continue
		}

		if err := barrier(ctx, a, opts.Timeout); err != nil {
			return nil, fmt.Errorf("harness: barrier before %s: %w", c.Name, err)
		}

		x := c.Generate(id)
		if err := call(ctx, opts.Timeout, c.Name, func(cctx context.Context) error {
			return c.Invoke(cctx, a, x)
		}); err != nil {
			return nil, fmt.Errorf("harness: case %s: %w", c.Name, err)
		}

		failures := Verify(c.Name, x.Recv, c.Oracle(id))
		for _, f := range failures {
			logger.Debug("oracle mismatch", "case", f.Case, "entry", f.Entry, "err", f.Err)
		}
		cr.Errors = len(failures)
		report.Errors += len(failures)
		report.Cases = append(report.Cases, cr)
		logger.Debug("case finished", "case", c.Name, "seq", cr.Seq, "errors", cr.Errors)
	}

	if err := barrier(ctx, a, opts.Timeout); err != nil {
		return nil, fmt.Errorf("harness: final barrier: %w", err)
	}

	logger.Debug("battery finished", "run_id", runID, "rank", id.Rank, "errors", report.Errors)
	return report, nil
}

func barrier(ctx context.Context, a comm.Adapter, timeout time.Duration) error {
	return call(ctx, timeout, "barrier", a.Barrier)
}

// call applies the per-operation deadline and converts its expiry into
// a TimeoutError naming the operation. Cancellation of the parent
// context passes through untouched.
func call(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &comm.TimeoutError{Op: op, After: timeout}
	}
	return err
}
