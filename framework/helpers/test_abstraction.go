package helpers

import (
	"errors"
	"fmt"
	"strings"
)

// TestContext is a minimal interface for types like *testing.T and *qatest.T representing a
// test that can fail. Device helpers use this to avoid depending on either package.
type TestContext interface {
	Errorf(msgFormat string, msgArgs ...interface{})
	FailNow()
}

type helperMarker interface {
	Helper()
}

// MarkHelper calls t.Helper() if t supports it.
func MarkHelper(t TestContext) {
	if h, ok := t.(helperMarker); ok {
		h.Helper()
	}
}

// TestRecorder is a TestContext that only records what happened. It is used to verify the
// behavior of helpers that take a TestContext.
type TestRecorder struct {
	Errors     []string
	Terminated bool
	// PanicOnTerminate makes FailNow panic with the recorder itself, so the caller's control
	// flow stops the way it would in a real test.
	PanicOnTerminate bool
}

func (r *TestRecorder) Errorf(msgFormat string, msgArgs ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(msgFormat, msgArgs...))
}

func (r *TestRecorder) FailNow() {
	r.Terminated = true
	if r.PanicOnTerminate {
		panic(r)
	}
}

func (r *TestRecorder) Helper() {}

// Err returns all recorded errors joined with commas, or nil if there were none.
func (r *TestRecorder) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return errors.New(strings.Join(r.Errors, ", "))
}
