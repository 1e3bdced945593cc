package qatest

import (
	"fmt"
	"strings"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// Status is the final category of a test.
type Status string

const (
	StatusPassed Status = "passed"
	// StatusFailed means an assertion did not hold: the device misbehaved.
	StatusFailed Status = "failed"
	// StatusErrored means the test could not do its job: missing settings, an unreachable
	// device, or an unexpected panic.
	StatusErrored Status = "errored"
	StatusSkipped Status = "skipped"
)

type Results struct {
	Tests               []TestResult
	Failures            []TestResult
	Errored             []TestResult
	NonCriticalFailures []TestResult
	Skipped             []TestResult
}

type TestResult struct {
	TestID      TestID
	Status      Status
	Errors      []error
	NonCritical bool
	Explanation string
	SkipReason  string
	// StopReason is set if the test ended itself early with StopTest.
	StopReason string
	Start      time.Time
	Duration   time.Duration
	// Iteration is the 1-based loop iteration this result belongs to, or 0.
	Iteration int
	// Fields holds the custom values recorded with T.Record.
	Fields map[string]ldvalue.Value
}

// Failed returns true for both the failed and the errored status.
func (r TestResult) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusErrored
}

// OK returns false if any test failed or errored, not counting non-critical tests.
func (r Results) OK() bool {
	return len(r.Failures) == 0 && len(r.Errored) == 0
}

// Count returns the number of results with the given status.
func (r Results) Count(status Status) int {
	n := 0
	for _, t := range r.Tests {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Summary is a one-line description such as "12 tests: 10 passed, 1 failed, 1 skipped".
func (r Results) Summary() string {
	parts := []string{}
	for _, s := range []Status{StatusPassed, StatusFailed, StatusErrored, StatusSkipped} {
		if n := r.Count(s); n != 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "no tests"
	}
	return fmt.Sprintf("%d tests: %s", len(r.Tests), strings.Join(parts, ", "))
}

type TestID []string

func (t TestID) String() string {
	return strings.Join(t, "/")
}

func (t TestID) Plus(name string) TestID {
	return append(append(TestID(nil), t...), name)
}

type TestFailure struct {
	ID  TestID
	Err error
}

func (f TestFailure) Error() string {
	return fmt.Sprintf("[%s]: %s", f.ID, f.Err)
}
