// Package report turns the results of a test run into files and dashboard uploads.
//
// Every writer and uploader here is driven by the same flattened form of a run: a RunInfo
// describing the run and the device, and one Record per test result. Writers are
// qatest.TestLogger implementations that do all their work in EndLog, so they can be combined
// with the console and JUnit loggers in a qatest.MultiTestLogger.
package report

import (
	"strings"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/qatest"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// RunInfo identifies one test run.
type RunInfo struct {
	RunID    string
	Suite    string
	Owner    string
	DeviceID string
	DeviceIP string
	Product  string
	Firmware string
	Start    time.Time
	End      time.Time
	// Properties are extra name/value pairs, such as the harness version or a CI build number.
	Properties map[string]string
}

// Record is one test result in report form.
type Record struct {
	RunID       string
	TestID      string
	Status      qatest.Status
	NonCritical bool
	Iteration   int
	Start       time.Time
	Duration    time.Duration
	Message     string
	SkipReason  string
	Fields      map[string]ldvalue.Value
}

// Records flattens results in the order the tests finished.
func Records(info RunInfo, results qatest.Results) []Record {
	ret := make([]Record, 0, len(results.Tests))
	for _, r := range results.Tests {
		ret = append(ret, Record{
			RunID:       info.RunID,
			TestID:      r.TestID.String(),
			Status:      r.Status,
			NonCritical: r.NonCritical,
			Iteration:   r.Iteration,
			Start:       r.Start,
			Duration:    r.Duration,
			Message:     message(r),
			SkipReason:  r.SkipReason,
			Fields:      r.Fields,
		})
	}
	return ret
}

func message(r qatest.TestResult) string {
	var lines []string
	for _, e := range r.Errors {
		lines = append(lines, e.Error())
	}
	if r.Status == qatest.StatusPassed && r.StopReason != "" {
		lines = append(lines, "stopped: "+r.StopReason)
	}
	return strings.Join(lines, "\n")
}

// finished returns a copy of info with End set, if it was not already.
func (info RunInfo) finished() RunInfo {
	if info.End.IsZero() {
		info.End = time.Now()
	}
	return info
}

// progressOnly supplies no-op progress methods for loggers that only act in EndLog.
type progressOnly struct{}

func (progressOnly) TestStarted(qatest.TestID)                                               {}
func (progressOnly) TestError(qatest.TestID, error)                                          {}
func (progressOnly) TestFinished(qatest.TestID, qatest.TestResult, framework.CapturedOutput) {}
func (progressOnly) TestSkipped(qatest.TestID, string)                                       {}
