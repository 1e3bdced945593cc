package helpers

import (
	"time"

	"github.com/nasqa/dut-harness/framework/opt"
)

// NonBlockingSend is a shortcut for using select to do a non-blocking send. It returns
// true on success or false if the channel was full.
func NonBlockingSend[V any](ch chan<- V, value V) bool {
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// TryReceive waits up to timeout for a value. The result is empty if nothing arrived in time
// or if the channel was closed.
func TryReceive[V any](ch <-chan V, timeout time.Duration) opt.Maybe[V] {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case value, ok := <-ch:
		return opt.FromOK(value, ok)
	case <-deadline.C:
		return opt.None[V]()
	}
}

// RequireValueWithMessage tries to receive a value and returns it if successful, or causes the
// test to fail with the given message and terminate immediately if it timed out.
func RequireValueWithMessage[V any](
	t TestContext,
	ch <-chan V,
	timeout time.Duration,
	msgFormat string,
	msgArgs ...interface{},
) V {
	MarkHelper(t)
	value := TryReceive(ch, timeout)
	if !value.IsDefined() {
		t.Errorf(msgFormat, msgArgs...)
		t.FailNow()
	}
	return value.Value()
}
