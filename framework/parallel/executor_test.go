package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nasqa/dut-harness/framework"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllTasksRunAndOutcomesKeepOrder(t *testing.T) {
	e := New()
	e.Add("slow", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	e.Add("fast", func(context.Context) error { return nil })

	outcomes := e.Run(context.Background())
	require.Len(t, outcomes, 2)
	assert.Equal(t, "slow", outcomes[0].Name)
	assert.Equal(t, "fast", outcomes[1].Name)
	assert.NoError(t, outcomes.Err())
	assert.GreaterOrEqual(t, outcomes[0].Duration, 20*time.Millisecond)
}

func TestFailureDoesNotCancelOtherTasks(t *testing.T) {
	var finished int32
	e := New()
	e.Add("install app", func(context.Context) error {
		return errors.New("install failed")
	})
	e.Add("flash firmware", func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return ctx.Err()
	})

	outcomes := e.Run(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
	require.Len(t, outcomes.Failed(), 1)
	assert.Equal(t, "install app", outcomes.Failed()[0].Name)
	assert.EqualError(t, outcomes.Err(), "install app: install failed")
}

func TestPanicIsRecoveredAsError(t *testing.T) {
	var otherRan int32
	e := New()
	e.Add("bad", func(context.Context) error { panic("boom") })
	e.Add("good", func(context.Context) error {
		atomic.AddInt32(&otherRan, 1)
		return nil
	})

	outcomes := e.Run(context.Background())
	require.NotNil(t, outcomes[0].Panic)
	assert.Equal(t, "boom", outcomes[0].Panic.Value)
	assert.Error(t, outcomes[0].Err)
	assert.Nil(t, outcomes[1].Panic)
	assert.Equal(t, int32(1), atomic.LoadInt32(&otherRan))
}

func TestStartTogetherReleasesAllTasksAtOnce(t *testing.T) {
	var started int32
	seen := make([]int32, 3)
	e := New(StartTogether(), MaxConcurrent(1))
	for i := range seen {
		i := i
		e.Add("", func(context.Context) error {
			atomic.AddInt32(&started, 1)
			time.Sleep(10 * time.Millisecond)
			seen[i] = atomic.LoadInt32(&started)
			return nil
		})
	}
	outcomes := e.Run(context.Background())
	assert.NoError(t, outcomes.Err())
	for _, n := range seen {
		assert.Equal(t, int32(3), n)
	}
	assert.Equal(t, "task 2", outcomes[1].Name)
}

func TestMaxConcurrentLimitsRunningTasks(t *testing.T) {
	var running, peak int32
	e := New(MaxConcurrent(2))
	for i := 0; i < 6; i++ {
		e.Add("", func(context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}
	assert.NoError(t, e.Run(context.Background()).Err())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRunShortcutJoinsErrors(t *testing.T) {
	err := Run(context.Background(),
		func(context.Context) error { return errors.New("a") },
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("c") },
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task 1: a")
	assert.Contains(t, err.Error(), "task 3: c")
	assert.NoError(t, Run(context.Background()))
}

func TestLoggerRecordsTaskProgress(t *testing.T) {
	var logger framework.CapturingLogger
	New(Logger(&logger)).Add("reboot", func(context.Context) error { return nil }).Run(context.Background())
	out := logger.Output().ToString("")
	assert.Contains(t, out, `Starting parallel task "reboot"`)
	assert.Contains(t, out, `Parallel task "reboot" finished`)
}
