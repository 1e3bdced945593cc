package qatest

import (
	"fmt"
	"strings"

	"github.com/nasqa/dut-harness/settings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// IntegrationTest runs a sequence of cases, or nested integration tests, against one device as
// a single named test.
//
// The sub-tests share one settings environment and one device session. A value stored with
// Env().Set by one sub-test is visible to every later sub-test, which is how an earlier step
// hands state (an uploaded file name, a created share) to a later one. The integration test
// fails if any sub-test fails critically.
type IntegrationTest struct {
	Name string

	// Overrides are applied on top of the run's settings for every sub-test.
	Overrides map[string]ldvalue.Value

	// Declare lists settings the integration test as a whole needs.
	Declare settings.Declaration

	Tests []Testable

	// StopOnFailure skips the remaining sub-tests after the first critical failure.
	StopOnFailure bool

	NonCritical string
}

func (it IntegrationTest) TestName() string { return it.Name }

func (it IntegrationTest) RunTest(t *T) TestResult { return RunIntegrationTest(t, it) }

// RunIntegrationTest runs an IntegrationTest as a subtest of t.
func RunIntegrationTest(t *T, it IntegrationTest) TestResult {
	result, _ := t.runChild(it.Name, nil, func(st *T) { it.run(st) })
	return result
}

func (it IntegrationTest) run(t *T) {
	if it.NonCritical != "" {
		t.NonCritical(it.NonCritical)
	}
	base := t.env
	if t.shared { // nested: Set must still reach the enclosing integration test
		base = base.Overlay(it.Name, it.Overrides)
	} else {
		base = base.Derive(it.Name, it.Overrides)
	}
	shared, err := it.Declare.Resolve(it.Name, base)
	if err != nil {
		t.Abortf("%s", err)
	}
	t.env = shared
	t.shareEnv = true
	if t.session == nil {
		t.session = t.openSession(shared)
	}

	var failed []string
	var stoppedBy string
	for _, sub := range it.Tests {
		name := sub.TestName()
		if stoppedBy != "" {
			t.runChild(name, nil, func(st *T) {
				st.SkipWithReason(fmt.Sprintf("skipped because %q failed", stoppedBy))
			})
			continue
		}
		result := sub.RunTest(t)
		if !result.Failed() || result.NonCritical {
			continue
		}
		failed = append(failed, name)
		if it.StopOnFailure {
			stoppedBy = name
		}
	}
	if len(failed) != 0 {
		t.Errorf("%d of %d sub-tests failed: %s", len(failed), len(it.Tests), strings.Join(failed, ", "))
	}
}
