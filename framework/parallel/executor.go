// Package parallel runs a set of device operations concurrently and waits for all of them.
//
// It exists for tests that deliberately race two operations against each other (installing an
// app while a firmware update is being flashed, pulling a disk while a RAID rebuild runs) to
// observe how they interact. A failure or panic in one task never cancels the others: every task
// runs to completion and its outcome is reported individually.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/helpers"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// TaskFunc is the body of one parallel task.
type TaskFunc func(ctx context.Context) error

// Outcome describes how one task ended.
type Outcome struct {
	Name     string
	Err      error
	Duration time.Duration
	// Panic is non-nil if the task panicked. Err is then set to the equivalent error.
	Panic *panics.Recovered
}

// Outcomes is the result of Executor.Run, in the order the tasks were added.
type Outcomes []Outcome

// Err joins the errors of all failed tasks, each prefixed with the task name, or returns nil if
// every task succeeded.
func (o Outcomes) Err() error {
	var errs []error
	for _, oc := range o {
		if oc.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", oc.Name, oc.Err))
		}
	}
	return errors.Join(errs...)
}

// Failed returns only the outcomes that have an error.
func (o Outcomes) Failed() Outcomes {
	var ret Outcomes
	for _, oc := range o {
		if oc.Err != nil {
			ret = append(ret, oc)
		}
	}
	return ret
}

type task struct {
	name string
	fn   TaskFunc
}

type config struct {
	maxConcurrent int
	startTogether bool
	logger        framework.Logger
}

// Option customizes an Executor.
type Option helpers.ConfigOption[config]

// MaxConcurrent limits how many tasks run at once. Zero or less means no limit. It is ignored
// when StartTogether is used, since a barrier release requires every task to be running.
func MaxConcurrent(n int) Option {
	return helpers.ConfigOptionFunc[config](func(c *config) error {
		c.maxConcurrent = n
		return nil
	})
}

// StartTogether holds every task at a barrier until all of them have been started, and then
// releases them at once. This narrows the window between the first and last task beginning work.
func StartTogether() Option {
	return helpers.ConfigOptionFunc[config](func(c *config) error {
		c.startTogether = true
		return nil
	})
}

// Logger sets the destination for start/finish debug lines.
func Logger(logger framework.Logger) Option {
	return helpers.ConfigOptionFunc[config](func(c *config) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	})
}

// Executor collects named tasks and runs them concurrently. It is not safe to call Add
// concurrently with Run.
type Executor struct {
	config config
	tasks  []task
}

// New creates an empty Executor.
func New(options ...Option) *Executor {
	e := &Executor{config: config{logger: framework.NullLogger()}}
	_ = helpers.ApplyOptions(&e.config, options...)
	return e
}

// Add appends a task. The name is used in log output and in Outcomes.Err.
func (e *Executor) Add(name string, fn TaskFunc) *Executor {
	if name == "" {
		name = fmt.Sprintf("task %d", len(e.tasks)+1)
	}
	e.tasks = append(e.tasks, task{name: name, fn: fn})
	return e
}

// Len returns the number of tasks added so far.
func (e *Executor) Len() int { return len(e.tasks) }

// Run starts every task, waits for all of them to return, and reports their outcomes in the
// order they were added. Each task receives ctx unchanged; cancelling it is up to the caller.
func (e *Executor) Run(ctx context.Context) Outcomes {
	outcomes := make(Outcomes, len(e.tasks))
	if len(e.tasks) == 0 {
		return outcomes
	}

	p := pool.New()
	if e.config.maxConcurrent > 0 && !e.config.startTogether {
		p = p.WithMaxGoroutines(e.config.maxConcurrent)
	}

	var barrier chan struct{}
	var ready sync.WaitGroup
	if e.config.startTogether {
		barrier = make(chan struct{})
		ready.Add(len(e.tasks))
	}

	for i, t := range e.tasks {
		i, t := i, t
		p.Go(func() {
			if barrier != nil {
				ready.Done()
				<-barrier
			}
			e.config.logger.Printf("Starting parallel task %q", t.name)
			start := time.Now()
			var err error
			recovered := panics.Try(func() { err = t.fn(ctx) })
			oc := Outcome{Name: t.name, Err: err, Duration: time.Since(start)}
			if recovered != nil {
				oc.Panic = recovered
				oc.Err = recovered.AsError()
			}
			if oc.Err != nil {
				e.config.logger.Printf("Parallel task %q failed after %s: %s", t.name, oc.Duration, oc.Err)
			} else {
				e.config.logger.Printf("Parallel task %q finished after %s", t.name, oc.Duration)
			}
			outcomes[i] = oc
		})
	}

	if barrier != nil {
		ready.Wait()
		close(barrier)
	}
	p.Wait()
	return outcomes
}

// Run is a shortcut for running unnamed functions in parallel and joining their errors.
func Run(ctx context.Context, fns ...TaskFunc) error {
	e := New()
	for _, fn := range fns {
		e.Add("", fn)
	}
	return e.Run(ctx).Err()
}
