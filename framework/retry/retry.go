// Package retry provides the bounded retry-with-delay loop that device-facing code uses to
// poll for boot completion, service readiness, log lines appearing, and similar conditions.
//
// The loop is linear: a constant delay between attempts, no backoff curve and no jitter. It
// blocks the calling goroutine for at most Delay*MaxRetry plus the time spent in the attempts
// themselves, or until the context is cancelled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/helpers"
)

const (
	// DefaultDelay is the pause between attempts when Delay is not given.
	DefaultDelay = 10 * time.Second

	// DefaultMaxRetry is the number of retries after the first attempt when MaxRetry is not given.
	DefaultMaxRetry = 10
)

// ErrNotReady is the last error of an exhausted retry whose final attempt returned a value
// that did not satisfy the Until condition.
var ErrNotReady = errors.New("result did not satisfy the retry condition")

// ExhaustedError is returned by Do when every attempt was used up. It wraps the error from the
// last attempt, so errors.Is and errors.As see through it.
type ExhaustedError struct {
	Name     string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed %d attempts took %0.2f seconds: %s",
		e.Name, e.Attempts, e.Elapsed.Seconds(), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type abortError struct {
	err error
}

func (a abortError) Error() string { return a.err.Error() }
func (a abortError) Unwrap() error { return a.err }

// Abort marks err as final. When an attempt returns an error produced by Abort, Do returns the
// original error immediately without further attempts, regardless of RetryOn/RetryIf.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return abortError{err}
}

type config struct {
	name       string
	delay      time.Duration
	maxRetry   int
	retryOn    []error
	retryIf    func(error) bool
	until      func(interface{}) bool
	returnLast bool
	logger     framework.Logger
}

// Option customizes a call to Do or Poll.
type Option helpers.ConfigOption[config]

type optionFunc func(*config)

func (o optionFunc) Configure(c *config) error {
	o(c)
	return nil
}

// Name sets the operation name used in log output and in ExhaustedError.
func Name(name string) Option {
	return optionFunc(func(c *config) { c.name = name })
}

// Delay sets the constant pause between attempts.
func Delay(d time.Duration) Option {
	return optionFunc(func(c *config) { c.delay = d })
}

// MaxRetry sets how many times to retry after the first attempt; the total number of attempts
// is n+1. Zero means a single attempt.
func MaxRetry(n int) Option {
	return optionFunc(func(c *config) {
		if n < 0 {
			n = 0
		}
		c.maxRetry = n
	})
}

// RetryOn restricts retrying to errors that match (per errors.Is) one of the given errors. Any
// other error ends the loop and is returned as-is. It can be combined with RetryIf, in which
// case an error is retried if either accepts it.
func RetryOn(errs ...error) Option {
	return optionFunc(func(c *config) { c.retryOn = append(c.retryOn, errs...) })
}

// RetryIf restricts retrying to errors for which pred returns true.
func RetryIf(pred func(error) bool) Option {
	return optionFunc(func(c *config) { c.retryIf = pred })
}

// Until adds a condition on the returned value: an attempt that returns a nil error but a value
// for which pred returns false counts as "not yet" and is retried. V must be the value type of
// the function passed to Do; for any other type the condition never passes.
func Until[V any](pred func(V) bool) Option {
	return optionFunc(func(c *config) {
		c.until = func(v interface{}) bool {
			value, ok := v.(V)
			return ok && pred(value)
		}
	})
}

// ReturnLastValue makes Do return the last value with a nil error when the attempts are used
// up, instead of an ExhaustedError.
func ReturnLastValue() Option {
	return optionFunc(func(c *config) { c.returnLast = true })
}

// Logger sets the destination for per-attempt debug output.
func Logger(logger framework.Logger) Option {
	return optionFunc(func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	})
}

func (c *config) retryable(err error) bool {
	if len(c.retryOn) == 0 && c.retryIf == nil {
		return true
	}
	for _, e := range c.retryOn {
		if errors.Is(err, e) {
			return true
		}
	}
	return c.retryIf != nil && c.retryIf(err)
}

// Do calls fn until it succeeds, a non-retryable error occurs, the attempts are used up, or
// ctx is done.
//
// Example: wait for the boot_completed property, trying 30 times at 2 second intervals.
//
//	_, err := retry.Do(ctx, func(ctx context.Context) (string, error) {
//		return adb.GetProp(ctx, "sys.boot_completed")
//	}, retry.Until(func(v string) bool { return v == "1" }),
//		retry.Delay(2*time.Second), retry.MaxRetry(30), retry.Name("wait for boot"))
func Do[V any](ctx context.Context, fn func(context.Context) (V, error), options ...Option) (V, error) {
	c := config{
		name:     "operation",
		delay:    DefaultDelay,
		maxRetry: DefaultMaxRetry,
		logger:   framework.NullLogger(),
	}
	_ = helpers.ApplyOptions(&c, options...)

	startTime := time.Now()
	var last V
	var lastErr error
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		attempts++
		value, err := fn(ctx)
		last = value
		if err == nil {
			if c.until == nil || c.until(value) {
				c.logger.Printf("%s", successMessage(c.name, attempts, startTime))
				return value, nil
			}
			lastErr = ErrNotReady
		} else {
			var abort abortError
			if errors.As(err, &abort) {
				c.logger.Printf("Retry %q: aborted after %d attempts: %s", c.name, attempts, abort.err)
				return value, abort.err
			}
			if !c.retryable(err) {
				c.logger.Printf("Retry %q: attempt %d returned a non-retryable error: %s", c.name, attempts, err)
				return value, err
			}
			lastErr = err
		}
		c.logger.Printf("Retry %q: attempt %d of %d, error: %s", c.name, attempts, c.maxRetry+1, lastErr)
		if attempts > c.maxRetry {
			break
		}
		if err := sleep(ctx, c.delay); err != nil {
			c.logger.Printf("Retry %q: aborted!", c.name)
			return last, err
		}
	}

	if c.returnLast {
		return last, nil
	}
	return last, &ExhaustedError{
		Name:     c.name,
		Attempts: attempts,
		Elapsed:  time.Since(startTime),
		Last:     lastErr,
	}
}

// Poll calls cond until it reports true. It is shorthand for Do with a boolean Until condition.
func Poll(ctx context.Context, cond func(context.Context) (bool, error), options ...Option) error {
	options = append(options, Until(func(done bool) bool { return done }))
	_, err := Do(ctx, cond, options...)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func successMessage(name string, attempts int, startTime time.Time) string {
	spentTime := time.Since(startTime).Seconds()
	if attempts == 1 {
		return fmt.Sprintf("Retry %q: succeeded in first try. Spent %0.2f seconds.", name, spentTime)
	}
	return fmt.Sprintf("Retry %q: succeeded in %d attempts. Spent %0.2f seconds.", name, attempts, spentTime)
}
