package report

import (
	"context"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/parallel"
	"github.com/nasqa/dut-harness/framework/qatest"
)

const defaultUploadTimeout = 2 * time.Minute

// Uploader sends the results of a run to a dashboard or archive.
type Uploader interface {
	// Name is used in log output, e.g. "popcorn".
	Name() string
	Upload(ctx context.Context, info RunInfo, results qatest.Results) error
}

// UploadingLogger is a qatest.TestLogger that hands the final results to every Uploader when
// the run ends. The uploads run concurrently; one failing does not stop the others. EndLog
// returns the joined errors, but a failed upload is not a test failure and callers should not
// let it change the outcome of the run.
type UploadingLogger struct {
	progressOnly
	Info      RunInfo
	Uploaders []Uploader
	Timeout   time.Duration
	Logger    framework.Logger
}

func (u *UploadingLogger) EndLog(results qatest.Results) error {
	if len(u.Uploaders) == 0 {
		return nil
	}
	logger := u.Logger
	if logger == nil {
		logger = framework.NullLogger()
	}
	timeout := u.Timeout
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	info := u.Info.finished()
	executor := parallel.New(parallel.Logger(logger))
	for _, up := range u.Uploaders {
		up := up
		executor.Add("upload to "+up.Name(), func(ctx context.Context) error {
			return up.Upload(ctx, info, results)
		})
	}
	outcomes := executor.Run(ctx)
	for _, oc := range outcomes.Failed() {
		logger.Printf("Result %s failed: %s", oc.Name, oc.Err)
	}
	return outcomes.Err()
}
