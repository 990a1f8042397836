package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/collvet/collvet/internal/harness"
	"github.com/collvet/collvet/internal/testutil"
)

// createTestStore creates a file-backed store under t.TempDir with a
// deterministic clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.SetClock(testutil.NewFrozenClock(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second))
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestReport builds a minimal report with errs failures charged
// to the broadcast case.
func createTestReport(runID string, rank, world, errs int) *harness.Report {
	return &harness.Report{
		RunID:  runID,
		Rank:   rank,
		World:  world,
		Design: "tcp",
		Cases: []harness.CaseResult{
			{Name: "broadcast", Seq: 1, Errors: errs},
			{Name: "gather", Seq: 4, Skipped: true, SkipReason: "gather corrupts results on current backends; enable with run_gather"},
			{Name: "allreduce", Seq: 8},
		},
		Errors: errs,
	}
}
