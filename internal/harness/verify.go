package harness

import (
	"fmt"

	"github.com/collvet/collvet/internal/tensor"
)

// Failure records one received buffer that missed its oracle.
type Failure struct {
	Case  string
	Entry int
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s[%d]: %v", f.Case, f.Entry, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Verify compares received buffers against oracle expectations entry
// by entry. A nil expectation leaves its entry unchecked; an
// expectation with no received counterpart is itself a failure. Each
// failing entry counts once, matching how reports tally errors.
func Verify(name string, got, want []*tensor.Buffer) []Failure {
	var failures []Failure
	for i := range want {
		if want[i] == nil {
			continue
		}
		if i >= len(got) || got[i] == nil {
			failures = append(failures, Failure{
				Case:  name,
				Entry: i,
				Err:   fmt.Errorf("buffer missing"),
			})
			continue
		}
		if err := got[i].AllClose(want[i]); err != nil {
			failures = append(failures, Failure{Case: name, Entry: i, Err: err})
		}
	}
	return failures
}
