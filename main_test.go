package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nasqa/dut-harness/framework/qatest"
	"github.com/nasqa/dut-harness/report"
	"github.com/nasqa/dut-harness/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadParams(t *testing.T) {
	var p commandParams
	require.True(t, p.Read([]string{"dut-harness",
		"-settings", "lab.yaml",
		"-set", "device.ip=10.0.0.5",
		"-suite", "connectivity,raid",
		"-suite", "reboot",
		"-loops", "5",
		"-run", "raid",
	}))
	assert.Equal(t, "lab.yaml", p.settingsFile)
	assert.Equal(t, stringList{"connectivity", "raid", "reboot"}, p.suites)
	assert.Equal(t, defaultPort, p.port)

	env := settings.NewEnvironment(nil, []*settings.Layer{p.assignments.Layer()})
	assert.Equal(t, "10.0.0.5", env.String(settings.KeyDeviceIP))
	assert.Equal(t, 5, env.Int(settings.KeyRunLoops))
	assert.True(t, p.filters.MustMatch.IsDefined())
}

func TestReadParamsRejectsBadInput(t *testing.T) {
	var p commandParams
	assert.False(t, p.Read([]string{"dut-harness", "-suite", "usb"}))

	p = commandParams{}
	assert.False(t, p.Read([]string{"dut-harness", "-device-filter", "raid"}))

	p = commandParams{}
	assert.True(t, p.Read([]string{"dut-harness", "-list-suites"}))
}

func TestLoadSuppressions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skip.txt")
	require.NoError(t, os.WriteFile(path, []byte("# known issues\nraid/md arrays\n\nreboot/reboot cycle/iteration 2\n"), 0o600))

	p := commandParams{skipFile: path}
	require.NoError(t, loadSuppressions(&p))
	assert.Len(t, p.filters.MustNotMatch, 2)
	assert.False(t, p.filters.Match(qatest.TestID{"raid", "md arrays"}))
	assert.True(t, p.filters.Match(qatest.TestID{"raid", "rest raid status"}))

	p = commandParams{skipFile: filepath.Join(t.TempDir(), "missing.txt")}
	assert.Error(t, loadSuppressions(&p))
}

func TestJUnitPropertiesOmitEmptyValues(t *testing.T) {
	props := junitProperties(report.RunInfo{
		RunID:      "run-1",
		Suite:      "raid",
		DeviceID:   "nas-7",
		Properties: map[string]string{"harnessVersion": "1.0.0"},
	})
	assert.Equal(t, map[string]string{
		"runId":          "run-1",
		"suite":          "raid",
		"deviceId":       "nas-7",
		"harnessVersion": "1.0.0",
	}, props)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRecordFailuresCanBeReadBack(t *testing.T) {
	results := qatest.Results{
		Failures: []qatest.TestResult{{TestID: qatest.TestID{"raid", "md arrays"}}},
		Errored:  []qatest.TestResult{{TestID: qatest.TestID{"adb", "boot completed"}}},
	}
	path := filepath.Join(t.TempDir(), "failures.txt")
	require.NoError(t, recordFailures(path, results))

	p := commandParams{skipFile: path}
	require.NoError(t, loadSuppressions(&p))
	assert.False(t, p.filters.Match(qatest.TestID{"raid", "md arrays"}))
	assert.False(t, p.filters.Match(qatest.TestID{"adb", "boot completed"}))
	assert.True(t, p.filters.Match(qatest.TestID{"raid", "rest raid status"}))
}

func TestRecordFailuresReportsWriteErrors(t *testing.T) {
	results := qatest.Results{Failures: []qatest.TestResult{{TestID: qatest.TestID{"raid"}}}}
	assert.EqualError(t, writeTestIDs(failingWriter{}, results), "disk full")
	assert.NoError(t, writeTestIDs(failingWriter{}, qatest.Results{}))

	assert.Error(t, recordFailures(filepath.Join(t.TempDir(), "missing", "failures.txt"), results))
}
