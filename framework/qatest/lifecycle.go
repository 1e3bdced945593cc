package qatest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nasqa/dut-harness/device"
	"github.com/nasqa/dut-harness/settings"
)

// Stage is one step of a Case. A stage can report problems either by calling methods of T
// (Errorf, FailNow, Skip, Abortf, StopTest, or testify assertions) or by returning an error,
// which is handled by T.Check.
type Stage func(t *T) error

// Testable is anything that can be run as a named test: a Case or an IntegrationTest.
type Testable interface {
	TestName() string
	RunTest(t *T) TestResult
}

// Case is a device test case. Its stages run in this order:
//
//	Init, BeforeLoop, then for each loop iteration: BeforeTest, Test, AfterTest; then AfterLoop
//
// AfterTest runs whenever BeforeTest was started, and AfterLoop runs whenever BeforeLoop was
// started, even if a stage failed, was skipped, or panicked. Any stage may be nil.
type Case struct {
	Name string

	// Loops is the number of iterations. Zero means the run.loops setting. When there is more
	// than one iteration, each one is reported as a subtest named "iteration N".
	Loops int

	// Declare lists the settings the case needs. Missing required settings make the case
	// errored before Init runs.
	Declare settings.Declaration

	// RequiredCapabilities causes the case to be skipped on devices lacking any of them.
	RequiredCapabilities []string

	// MinFirmware causes the case to be skipped on devices with older firmware.
	MinFirmware string

	// NonCritical, if set, marks failures of this case as non-critical with this explanation.
	NonCritical string

	Init       Stage
	BeforeLoop Stage
	BeforeTest Stage
	Test       Stage
	AfterTest  Stage
	AfterLoop  Stage
}

func (c Case) TestName() string { return c.Name }

func (c Case) RunTest(t *T) TestResult { return RunCase(t, c) }

// RunCase runs a Case as a subtest of t.
func RunCase(t *T, c Case) TestResult {
	result, _ := t.runChild(c.Name, nil, func(ct *T) { c.run(ct) })
	return result
}

func (c Case) run(t *T) {
	if c.NonCritical != "" {
		t.NonCritical(c.NonCritical)
	}
	if missing := t.Capabilities().Missing(c.RequiredCapabilities...); len(missing) != 0 {
		t.SkipWithReason(fmt.Sprintf("device does not have capability %q", missing[0]))
	}

	base := t.env
	if !t.shared { // inside an integration test, state is shared with the other sub-tests
		base = base.Derive(c.Name, nil)
	}
	env, err := c.Declare.Resolve(c.Name, base)
	if err != nil {
		t.Abortf("%s", err)
	}
	t.env = env
	if t.session == nil {
		t.session = t.openSession(env)
	}

	if c.MinFirmware != "" {
		err := t.session.RequireFirmwareAtLeast(t.Context(), c.MinFirmware)
		var unsupported *device.UnsupportedFirmwareError
		switch {
		case errors.As(err, &unsupported):
			t.SkipWithReason(err.Error())
		case err != nil:
			t.Abortf("cannot check firmware version: %s", err)
		}
	}

	t.runStage("init", c.Init)
	if c.BeforeLoop != nil || c.AfterLoop != nil {
		t.Defer(func() { t.runStage("after_loop", c.AfterLoop) })
		t.runStage("before_loop", c.BeforeLoop)
	}

	loops := c.Loops
	if loops == 0 {
		loops = env.Int(settings.KeyRunLoops)
	}
	if loops <= 1 {
		c.iteration(t)
		return
	}
	var failed []string
	completed := 0
	for i := 1; i <= loops; i++ {
		if err := t.Context().Err(); err != nil {
			t.Abortf("test run interrupted before iteration %d: %s", i, err)
		}
		iteration := i
		result, ran := t.runChild(fmt.Sprintf("iteration %d", i),
			func(it *T) {
				it.iteration = iteration
				it.nonCritical = t.nonCritical
			},
			c.iteration,
		)
		if !ran {
			continue
		}
		completed++
		if result.Failed() {
			failed = append(failed, strconv.Itoa(i))
		}
		if result.StopReason != "" {
			t.Debug("Stopping after iteration %d of %d: %s", i, loops, result.StopReason)
			break
		}
	}
	if len(failed) != 0 {
		t.Errorf("%d of %d iterations failed (%s)", len(failed), completed, strings.Join(failed, ", "))
	}
}

func (c Case) iteration(t *T) {
	if c.BeforeTest != nil || c.AfterTest != nil {
		t.Defer(func() { t.runStage("after_test", c.AfterTest) })
		t.runStage("before_test", c.BeforeTest)
	}
	t.runStage("test", c.Test)
}

func (t *T) runStage(name string, stage Stage) {
	if stage == nil {
		return
	}
	t.Debug("Running %s", name)
	t.Check(stage(t))
}
