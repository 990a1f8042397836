package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/collvet/collvet/internal/harness"
)

// ErrNotFound reports a read for a run or rank the database has never
// seen.
var ErrNotFound = errors.New("store: not found")

// RunSummary aggregates one run across its reporting ranks.
type RunSummary struct {
	RunID     string `json:"run_id"`
	World     int    `json:"world"`
	Design    string `json:"design"`
	Ranks     int    `json:"ranks"`      // reports filed so far
	Errors    int    `json:"errors"`     // summed across ranks
	CreatedAt string `json:"created_at"` // earliest report, RFC 3339 UTC
}

// ReadReport returns one rank's report, decoded from its stored
// canonical JSON snapshot.
func (s *Store) ReadReport(ctx context.Context, runID string, rank int) (*harness.Report, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT report FROM runs
		WHERE run_id = ? AND rank = ?
	`, runID, rank).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s rank %d: %w", runID, rank, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}

	var r harness.Report
	if err := json.Unmarshal([]byte(snapshot), &r); err != nil {
		return nil, fmt.Errorf("read report: decode snapshot: %w", err)
	}
	return &r, nil
}

// ReadRun returns every rank's report for a run, ordered by rank.
func (s *Store) ReadRun(ctx context.Context, runID string) ([]*harness.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report FROM runs
		WHERE run_id = ?
		ORDER BY rank ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	defer rows.Close()

	var reports []*harness.Report
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("read run: %w", err)
		}
		var r harness.Report
		if err := json.Unmarshal([]byte(snapshot), &r); err != nil {
			return nil, fmt.Errorf("read run: decode snapshot: %w", err)
		}
		reports = append(reports, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return reports, nil
}

// ListRuns summarizes every stored run. Ordering is deterministic:
// earliest report first, ties broken by run_id.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, MAX(world), MAX(design), COUNT(*), SUM(errors), MIN(created_at)
		FROM runs
		GROUP BY run_id
		ORDER BY MIN(created_at) ASC, run_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var sum RunSummary
		if err := rows.Scan(&sum.RunID, &sum.World, &sum.Design, &sum.Ranks, &sum.Errors, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	// Return empty slice instead of nil
	if runs == nil {
		runs = []RunSummary{}
	}
	return runs, nil
}

// CaseRow is one case outcome as stored for SQL-level analysis.
type CaseRow struct {
	Rank       int    `json:"rank"`
	Seq        int    `json:"seq"`
	Name       string `json:"name"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	Errors     int    `json:"errors"`
}

// FailingCases returns the case rows of a run that recorded errors,
// ordered by rank then sequence.
func (s *Store) FailingCases(ctx context.Context, runID string) ([]CaseRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rank, seq, name, skipped, skip_reason, errors
		FROM case_results
		WHERE run_id = ? AND errors > 0
		ORDER BY rank ASC, seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failing cases: %w", err)
	}
	defer rows.Close()

	var cases []CaseRow
	for rows.Next() {
		var c CaseRow
		var skipped int
		if err := rows.Scan(&c.Rank, &c.Seq, &c.Name, &skipped, &c.SkipReason, &c.Errors); err != nil {
			return nil, fmt.Errorf("failing cases: %w", err)
		}
		c.Skipped = skipped != 0
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failing cases: %w", err)
	}

	if cases == nil {
		cases = []CaseRow{}
	}
	return cases, nil
}
