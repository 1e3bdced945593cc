package qatest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/helpers"

	"github.com/fatih/color"
)

var consoleTestErrorColor = color.New(color.FgYellow)              //nolint:gochecknoglobals
var consoleTestFailedColor = color.New(color.FgRed)                //nolint:gochecknoglobals
var consoleTestErroredColor = color.New(color.FgMagenta)           //nolint:gochecknoglobals
var consoleTestSkippedColor = color.New(color.Faint, color.FgBlue) //nolint:gochecknoglobals
var consoleDebugOutputColor = color.New(color.Faint)               //nolint:gochecknoglobals
var allTestsPassedColor = color.New(color.FgGreen)                 //nolint:gochecknoglobals

// TestLogger receives progress and results as the run proceeds. EndLog is called once after
// the run with the complete results; loggers that write a file do it there.
type TestLogger interface {
	TestStarted(id TestID)
	TestError(id TestID, err error)
	TestFinished(id TestID, result TestResult, debugOutput framework.CapturedOutput)
	TestSkipped(id TestID, reason string)
	EndLog(results Results) error
}

type nullTestLogger struct{}

func (n nullTestLogger) TestStarted(TestID)                                        {}
func (n nullTestLogger) TestError(TestID, error)                                   {}
func (n nullTestLogger) TestFinished(TestID, TestResult, framework.CapturedOutput) {}
func (n nullTestLogger) TestSkipped(TestID, string)                                {}
func (n nullTestLogger) EndLog(Results) error                                      { return nil }

type ConsoleTestLogger struct {
	DebugOutputOnFailure bool
	DebugOutputOnSuccess bool
}

func (c ConsoleTestLogger) TestStarted(id TestID) {
	fmt.Printf("[%s]\n", id)
}

func (c ConsoleTestLogger) TestError(id TestID, err error) {
	for _, line := range strings.Split(err.Error(), "\n") {
		_, _ = consoleTestErrorColor.Printf("  %s\n", line)
	}
}

func (c ConsoleTestLogger) TestFinished(id TestID, result TestResult, debugOutput framework.CapturedOutput) {
	failed := result.Failed()
	switch {
	case failed && result.NonCritical:
		_, _ = consoleTestFailedColor.Printf("  FAILED (non-critical): %s\n", id)
	case result.Status == StatusErrored:
		_, _ = consoleTestErroredColor.Printf("  ERRORED: %s\n", id)
	case failed:
		_, _ = consoleTestFailedColor.Printf("  FAILED: %s\n", id)
	}
	for _, name := range helpers.SortedKeys(result.Fields) {
		fmt.Printf("  %s = %s\n", name, result.Fields[name].JSONString())
	}
	if len(debugOutput) > 0 &&
		((failed && c.DebugOutputOnFailure) || (!failed && c.DebugOutputOnSuccess)) {
		_, _ = consoleDebugOutputColor.Println(debugOutput.ToString("    DEBUG "))
	}
}

func (c ConsoleTestLogger) TestSkipped(id TestID, reason string) {
	if reason == "" {
		_, _ = consoleTestSkippedColor.Printf("  SKIPPED: %s\n", id)
	} else {
		_, _ = consoleTestSkippedColor.Printf("  SKIPPED: %s (%s)\n", id, reason)
	}
}

func (c ConsoleTestLogger) EndLog(results Results) error {
	PrintResults(results)
	return nil
}

func PrintResults(results Results) {
	fmt.Println(results.Summary())
	if len(results.NonCriticalFailures) != 0 {
		_, _ = consoleTestFailedColor.Printf("NON-CRITICAL FAILURES (%d):\n", len(results.NonCriticalFailures))
		for _, f := range results.NonCriticalFailures {
			_, _ = consoleTestFailedColor.Printf("  * %s (%s)\n", f.TestID, f.Explanation)
		}
	}
	if results.OK() {
		_, _ = allTestsPassedColor.Println("All tests passed")
		return
	}
	if len(results.Errored) != 0 {
		_, _ = consoleTestErroredColor.Fprintf(os.Stderr, "ERRORED TESTS (%d):\n", len(results.Errored))
		for _, f := range results.Errored {
			_, _ = consoleTestErroredColor.Fprintf(os.Stderr, "  * %s\n", f.TestID)
		}
	}
	if len(results.Failures) != 0 {
		_, _ = consoleTestFailedColor.Fprintf(os.Stderr, "FAILED TESTS (%d):\n", len(results.Failures))
		for _, f := range results.Failures {
			_, _ = consoleTestFailedColor.Fprintf(os.Stderr, "  * %s\n", f.TestID)
		}
	}
}

// MultiTestLogger forwards everything to several loggers.
type MultiTestLogger struct {
	Loggers []TestLogger
}

func (m *MultiTestLogger) TestStarted(id TestID) {
	for _, l := range m.Loggers {
		l.TestStarted(id)
	}
}

func (m *MultiTestLogger) TestError(id TestID, err error) {
	for _, l := range m.Loggers {
		l.TestError(id, err)
	}
}

func (m *MultiTestLogger) TestFinished(id TestID, result TestResult, debugOutput framework.CapturedOutput) {
	for _, l := range m.Loggers {
		l.TestFinished(id, result, debugOutput)
	}
}

func (m *MultiTestLogger) TestSkipped(id TestID, reason string) {
	for _, l := range m.Loggers {
		l.TestSkipped(id, reason)
	}
}

// EndLog calls EndLog on every logger, even if some of them fail, and joins their errors.
func (m *MultiTestLogger) EndLog(results Results) error {
	var errs []error
	for _, l := range m.Loggers {
		if err := l.EndLog(results); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
