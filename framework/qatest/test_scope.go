package qatest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nasqa/dut-harness/device"
	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/helpers"
	"github.com/nasqa/dut-harness/settings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

type runState struct {
	config  TestConfiguration
	results Results
	lock    sync.Mutex
}

// T represents a test scope. It is very similar to Go's testing.T type.
type T struct {
	run         *runState
	id          TestID
	debugLogger framework.CapturingLogger
	env         *settings.Environment
	session     *device.Session
	shared      bool // the parent's environment is shared with sibling scopes
	shareEnv    bool
	nonCritical string
	iteration   int
	start       time.Time

	lock       sync.Mutex
	failed     bool
	errored    bool
	skipped    bool
	stopped    bool
	skipReason string
	stopReason string
	errors     []error
	fields     map[string]ldvalue.Value
	cleanups   []func()
	helperFns  []string
}

// TestConfiguration contains options for the entire test run.
type TestConfiguration struct {
	// Filter is an optional function for determining which tests to run based on their names.
	Filter Filter

	// TestLogger receives status information about each test.
	TestLogger TestLogger

	// Context is passed to device operations through T.Context. Cancelling it (for instance on
	// an interrupt signal) makes pending device waits return early.
	Context context.Context

	// Capabilities is a list of strings which are used by T.Capabilities and T.RequireCapability.
	Capabilities []string

	// Env is the resolved settings for the run. If nil, only the built-in defaults are used.
	Env *settings.Environment

	// SessionOptions are passed to every device session created by the run.
	SessionOptions []device.Option
}

// Run starts a top-level test scope.
func Run(
	config TestConfiguration,
	action func(*T),
) Results {
	if config.TestLogger == nil {
		config.TestLogger = nullTestLogger{}
	}
	if config.Context == nil {
		config.Context = context.Background()
	}
	if config.Env == nil {
		config.Env = settings.NewEnvironment(
			[]*settings.Layer{settings.NewLayer("defaults", settings.Defaults())}, nil)
	}
	state := &runState{
		config: config,
	}
	t := &T{run: state, env: config.Env}
	t.execute(action)
	return state.results
}

func (t *T) execute(action func(*T)) TestResult {
	t.start = time.Now()
	t.guard(func() { action(t) })
	for {
		t.lock.Lock()
		n := len(t.cleanups)
		if n == 0 {
			t.lock.Unlock()
			break
		}
		cleanup := t.cleanups[n-1]
		t.cleanups = t.cleanups[:n-1]
		t.lock.Unlock()
		t.guard(cleanup)
	}
	result := t.result()
	t.run.record(result)
	return result
}

// guard runs fn, turning a FailNow/Skip/StopTest or an unexpected panic into test state.
func (t *T) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.recovered(r)
		}
	}()
	fn()
}

func (t *T) recovered(r interface{}) {
	var addError error
	t.lock.Lock()
	if _, ok := r.(*T); ok {
		if (t.skipped || t.stopped) && !t.failed {
			t.lock.Unlock()
			return
		}
		if !t.errored {
			t.failed = true
		}
		if len(t.errors) == 0 {
			addError = errors.New("test failed with no failure message")
		}
	} else {
		t.errored = true
		addError = fmt.Errorf("unexpected panic in test: %+v\n%s", r, string(debug.Stack()))
	}
	if addError != nil {
		t.errors = append(t.errors, addError)
	}
	t.lock.Unlock()
	if addError != nil {
		t.run.config.TestLogger.TestError(t.id, addError)
	}
}

func (t *T) result() TestResult {
	t.lock.Lock()
	defer t.lock.Unlock()
	result := TestResult{
		TestID:     t.id,
		Errors:     append([]error(nil), t.errors...),
		Start:      t.start,
		Duration:   time.Since(t.start),
		Iteration:  t.iteration,
		SkipReason: t.skipReason,
		StopReason: t.stopReason,
	}
	if len(t.fields) != 0 {
		result.Fields = make(map[string]ldvalue.Value, len(t.fields))
		for k, v := range t.fields {
			result.Fields[k] = v
		}
	}
	switch {
	case t.errored:
		result.Status = StatusErrored
	case t.failed:
		result.Status = StatusFailed
	case t.skipped:
		result.Status = StatusSkipped
	default:
		result.Status = StatusPassed
	}
	if result.Failed() && t.nonCritical != "" {
		result.NonCritical = true
		result.Explanation = t.nonCritical
	}
	return result
}

func (s *runState) record(result TestResult) {
	if len(result.TestID) == 0 && !result.Failed() {
		return // the root scope is only interesting if something went wrong outside any test
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	switch {
	case result.NonCritical:
		s.results.NonCriticalFailures = append(s.results.NonCriticalFailures, result)
	case result.Status == StatusErrored:
		s.results.Errored = append(s.results.Errored, result)
	case result.Status == StatusFailed:
		s.results.Failures = append(s.results.Failures, result)
	case result.Status == StatusSkipped:
		s.results.Skipped = append(s.results.Skipped, result)
	}
	s.results.Tests = append(s.results.Tests, result)
}

// ID returns the full name of the current test.
func (t *T) ID() TestID {
	return t.id
}

// Run runs a subtest in its own scope.
//
// This is equivalent to Go's testing.T.Run.
func (t *T) Run(name string, action func(*T)) {
	t.runChild(name, nil, action)
}

// runChild runs a subtest. The optional setup function can adjust the child scope before its
// action starts. The second return value is false if the filter excluded the subtest.
func (t *T) runChild(name string, setup func(*T), action func(*T)) (TestResult, bool) {
	id := t.id.Plus(name)
	logger := t.run.config.TestLogger

	logger.TestStarted(id)
	if t.run.config.Filter != nil && !t.run.config.Filter.Match(id) {
		logger.TestSkipped(id, "excluded by filter parameters")
		return TestResult{TestID: id, Status: StatusSkipped, SkipReason: "excluded by filter parameters"}, false
	}
	c1 := &T{
		id:        id,
		run:       t.run,
		env:       t.env,
		session:   t.session,
		shared:    t.shareEnv,
		iteration: t.iteration,
	}
	if setup != nil {
		setup(c1)
	}
	t.debugLogger.AddChildLogger(&c1.debugLogger) // see comments on t.DebugLogger()
	result := c1.execute(action)
	t.debugLogger.RemoveChildLogger(&c1.debugLogger)
	if result.Status == StatusSkipped {
		logger.TestSkipped(id, c1.skipReason)
	} else {
		logger.TestFinished(id, result, c1.debugLogger.Output())
	}
	return result, true
}

// NonCritical indicates that if this test fails, we would like to know about it but we're willing to
// live with it. It will be shown in the output as a non-critical failure, accompanied by the
// explanation that is specified here. Non-critical failures do not cause the harness to return
// a non-zero exit code on termination, as regular failures do.
func (t *T) NonCritical(explanation string) {
	t.nonCritical = explanation
}

// Errorf reports a test failure. It is equivalent to Go's testing.T.Errorf. It does not cause the test
// to terminate, but adds the failure message to the output and marks the test as failed.
//
// You will rarely use this method directly; it is part of this type's implementation of the base
// interfaces testing.T and assert.TestingT, allowing it to be called from assertion helpers.
func (t *T) Errorf(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)

	t.lock.Lock()
	stacktrace := getStacktrace(false, t.helperFns)
	err = transformError(err, stacktrace)
	t.failed = true
	t.errors = append(t.errors, err)
	t.lock.Unlock()

	t.run.config.TestLogger.TestError(t.id, err)
}

// FailNow causes the test to immediately terminate and be marked as failed.
//
// You will rarely use this method directly; it is part of this type's implementation of the base
// interfaces testing.T and assert.TestingT, allowing it to be called from assertion helpers.
func (t *T) FailNow() {
	panic(t)
}

// Fatalf is equivalent to Errorf followed by FailNow.
func (t *T) Fatalf(format string, args ...interface{}) {
	t.Errorf(format, args...)
	t.FailNow()
}

// Abortf causes the test to immediately terminate and be reported as errored rather than
// failed. Use it when the test cannot be carried out at all, for instance when the device is
// unreachable, so that dashboards do not count it as a product defect.
func (t *T) Abortf(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)
	t.lock.Lock()
	t.errored = true
	t.errors = append(t.errors, err)
	t.lock.Unlock()
	t.run.config.TestLogger.TestError(t.id, err)
	panic(t)
}

// Skip causes the test to immediately terminate and be marked as skipped.
func (t *T) Skip() {
	t.lock.Lock()
	t.skipped = true
	t.lock.Unlock()
	panic(t)
}

// SkipWithReason is equivalent to Skip but provides a message.
func (t *T) SkipWithReason(reason string) {
	t.lock.Lock()
	t.skipReason = reason
	t.lock.Unlock()
	t.Skip()
}

// StopTest causes the test to immediately terminate without failing. When called from a loop
// iteration of a Case, no further iterations are run.
func (t *T) StopTest(reason string) {
	t.lock.Lock()
	t.stopped = true
	t.stopReason = reason
	t.lock.Unlock()
	t.Debug("Test stopped: %s", reason)
	panic(t)
}

// Check reports a stage error according to its category: a SkipError skips the test, a
// StopTestError stops it, an AbortError aborts it, and anything else fails it. A nil error does
// nothing.
func (t *T) Check(err error) {
	if err == nil {
		return
	}
	var skip SkipError
	var stop StopTestError
	var abort AbortError
	switch {
	case errors.As(err, &skip):
		t.SkipWithReason(skip.Reason)
	case errors.As(err, &stop):
		t.StopTest(stop.Reason)
	case errors.As(err, &abort):
		t.Abortf("%s", abort.Err)
	default:
		t.Errorf("%s", err)
		t.FailNow()
	}
}

// Failed returns true if the test has failed or errored so far.
func (t *T) Failed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.failed || t.errored
}

// Debug writes a message to the output for this test scope.
func (t *T) Debug(message string, args ...interface{}) {
	t.debugLogger.Printf(message, args...)
}

// DebugLogger returns a Logger instance for writing output for this test scope.
//
// The output that is captured for a test will be passed to TestLogger.TestFinished at the end of
// the test. The test runner can choose whether to display this or not based on command-line options.
//
// When a test has subtests (created with t.Run), the logger for a subtest starts out with a copy of
// any output that was already logged for the parent test. During the lifetime of the subtest, any
// further output that is sent to the parent test's logger will go to the child test's logger
// instead. This is useful when the parent test scope manages an object such as a device session
// that is reused by many subtests.
func (t *T) DebugLogger() framework.Logger {
	return &t.debugLogger
}

// Defer schedules a cleanup function which is guaranteed to be called when this test scope
// exits for any reason. Unlike a Go defer statement, Defer can be used from within helper
// functions. Cleanups run in reverse order, and a cleanup that fails the test does not prevent
// the remaining cleanups from running.
func (t *T) Defer(cleanupFn func()) {
	t.lock.Lock()
	t.cleanups = append(t.cleanups, cleanupFn)
	t.lock.Unlock()
}

// Record stores a custom result field, such as a throughput measurement or a firmware version.
// It appears in the test's result and in every report.
func (t *T) Record(name string, value interface{}) {
	var v ldvalue.Value
	if lv, ok := value.(ldvalue.Value); ok {
		v = lv
	} else {
		v = ldvalue.CopyArbitraryValue(value)
	}
	t.lock.Lock()
	if t.fields == nil {
		t.fields = make(map[string]ldvalue.Value)
	}
	t.fields[name] = v
	t.lock.Unlock()
	t.Debug("Recorded %s = %s", name, v.JSONString())
}

// Iteration returns the 1-based loop iteration this scope belongs to, or 0 outside a loop.
func (t *T) Iteration() int {
	return t.iteration
}

// Env returns the settings for this test scope.
func (t *T) Env() *settings.Environment {
	return t.env
}

// Session returns the device session for this test scope. Cases get one from the case runner;
// in any other scope a session is created on first use and closed when the scope exits.
func (t *T) Session() *device.Session {
	if t.session == nil {
		t.session = t.openSession(t.env)
	}
	return t.session
}

func (t *T) openSession(env *settings.Environment) *device.Session {
	// The scope's logger goes last so that client output is captured with the test.
	options := append(append([]device.Option(nil), t.run.config.SessionOptions...), device.WithLogger(t.DebugLogger()))
	s, err := device.NewSession(env, options...)
	if err != nil {
		t.Abortf("cannot create device session: %s", err)
	}
	t.Defer(func() {
		if err := s.Close(); err != nil {
			t.Debug("Error closing device session: %s", err)
		}
	})
	return s
}

// Context returns the context of the test run.
func (t *T) Context() context.Context {
	return t.run.config.Context
}

// Capabilities returns the capabilities configured for the device under test.
func (t *T) Capabilities() framework.Capabilities {
	return helpers.CopyOf(t.run.config.Capabilities)
}

// RequireCapability causes the test to be skipped if the device does not have the capability.
func (t *T) RequireCapability(name string) {
	if !t.Capabilities().Has(name) {
		t.SkipWithReason(fmt.Sprintf("device does not have capability %q", name))
	}
}

// Helper marks the function that calls it as a test helper that shouldn't appear in stacktraces.
// Equivalent to Go's testing.T.Helper().
func (t *T) Helper() {
	pc, _, _, ok := runtime.Caller(1) // 0 is Helper() itself, 1 is who called it
	if !ok {
		return
	}
	f := runtime.FuncForPC(pc)
	if f == nil {
		return
	}
	t.lock.Lock()
	t.helperFns = append(t.helperFns, f.Name())
	t.lock.Unlock()
}
