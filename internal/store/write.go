package store

import (
	"context"
	"fmt"
	"time"

	"github.com/collvet/collvet/internal/harness"
)

// WriteReport stores one rank's report: the run row plus one row per
// case, in a single transaction.
//
// Uses ON CONFLICT DO NOTHING for idempotency - a re-delivered report
// is silently ignored and the first write of a (run_id, rank) pair
// wins. The report column carries the canonical JSON snapshot, so what
// golden comparison sees and what the database holds are the same
// bytes.
func (s *Store) WriteReport(ctx context.Context, r *harness.Report) error {
	if r == nil {
		return fmt.Errorf("write report: nil report")
	}
	snapshot, err := r.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write report: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, rank, world, design, errors, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, rank) DO NOTHING
	`,
		r.RunID,
		r.Rank,
		r.World,
		r.Design,
		r.Errors,
		string(snapshot),
		s.clock.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	for _, c := range r.Cases {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO case_results
			(run_id, rank, seq, name, skipped, skip_reason, errors)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, rank, seq) DO NOTHING
		`,
			r.RunID,
			r.Rank,
			c.Seq,
			c.Name,
			boolToInt(c.Skipped),
			c.SkipReason,
			c.Errors,
		)
		if err != nil {
			return fmt.Errorf("write report: case %s: %w", c.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write report: commit: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
