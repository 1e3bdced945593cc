package qatest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasqa/dut-harness/framework/qatest/internal"
)

func TestStacktrace(t *testing.T) {
	_ = Run(TestConfiguration{}, func(qt *T) {
		qt.Run("without filtering", func(qt *T) {
			stack := getStacktrace(true, nil)
			assert.Greater(t, len(stack), 1)
			assert.Equal(t, currentPackageName(), stack[0].Package)
			assert.Contains(t, stack[0].Function, "TestStacktrace.")
		})

		qt.Run("auto-filtering removes qatest methods", func(qt *T) {
			internal.RunAction(func() {
				stack := getStacktrace(false, nil)
				assert.Len(t, stack, 1)
				// The qatest stuff (including this test) and the Go runtime stuff below qt.Run are
				// stripped out, leaving only internal.RunAction which isn't in qatest.
				assert.Equal(t, currentPackageName()+"/internal", stack[0].Package)
				assert.Equal(t, "RunAction", stack[0].Function)
			})
		})

		qt.Run("filter out designated helpers", func(qt *T) {
			helperFunc1(func() {
				helperFunc2(func() {
					stack := getStacktrace(true, []string{currentPackageName() + ".helperFunc2"})
					foundFunc1 := false
					for _, s := range stack {
						if s.Package == currentPackageName() && s.Function == "helperFunc1" {
							foundFunc1 = true
						} else if s.Package == currentPackageName() && s.Function == "helperFunc2" {
							require.Fail(t, "helperFunc2 should not have been in stacktrace", "stacktrace: %+v", stack)
						}
					}
					assert.True(t, foundFunc1, "helperFunc1 should have been in stacktrace but wasn't", "stacktrace: +v", stack)
				})
			})
		})
	})
}

func TestTransformErrorStripsTestifyTrace(t *testing.T) {
	err := errors.New("\n\tError Trace:\tcase.go:12\n\tError:      \tShould be true\n\tMessages:   \traid degraded")
	transformed := transformError(err, nil)
	assert.Equal(t, "Should be true\n\tMessages:   \traid degraded", transformed.Error())

	withStack := transformError(errors.New("plain"), []StacktraceInfo{{FileName: "a.go", Package: "x/y", Function: "F", Line: 3}})
	var es ErrorWithStacktrace
	require.ErrorAs(t, withStack, &es)
	assert.Equal(t, "plain\n  Stacktrace:\n    x/y.F (a.go:3)", describeError(withStack))
}

func TestErrorCategories(t *testing.T) {
	assert.Equal(t, "expected 4 disks", Failf("expected %d disks", 4).Error())
	assert.Equal(t, "skipped: no usb", Skipf("no %s", "usb").Error())
	assert.Equal(t, "test stopped: done", Stop("done").Error())
	assert.Nil(t, Abort(nil))

	cause := errors.New("no route to host")
	assert.ErrorIs(t, Abort(cause), cause)
}

func helperFunc1(action func()) {
	action()
}

func helperFunc2(action func()) {
	action()
}
