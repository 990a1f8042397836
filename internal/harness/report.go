package harness

import "fmt"

// VerdictSuccess is the clean-run verdict line. Deployment scripts
// grep for these lines verbatim; never reword them.
const VerdictSuccess = "======== Successfully Finished testing======"

// VerdictErrors renders the failing verdict line for n errors.
func VerdictErrors(n int) string {
	return fmt.Sprintf("!!!!!!!! - %d Errors found - !!!!!!!!!", n)
}

// CaseResult records one battery case on one rank.
type CaseResult struct {
	Name       string `json:"name"`
	Seq        int    `json:"seq"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	Errors     int    `json:"errors"`
}

// Report is one rank's battery outcome. Errors is the sum of per-case
// error counts; zero means the backend conformed.
type Report struct {
	RunID  string       `json:"run_id"`
	Rank   int          `json:"rank"`
	World  int          `json:"world"`
	Design string       `json:"design"`
	Cases  []CaseResult `json:"cases"`
	Errors int          `json:"errors"`
}

// Summary renders this rank's verdict line.
func (r *Report) Summary() string {
	if r.Errors == 0 {
		return VerdictSuccess
	}
	return VerdictErrors(r.Errors)
}

// TotalErrors sums error counts across ranks, for the aggregated
// verdict of a simulated world.
func TotalErrors(reports []*Report) int {
	n := 0
	for _, r := range reports {
		if r != nil {
			n += r.Errors
		}
	}
	return n
}
