package suites

import (
	"regexp"
	"strconv"
	"time"

	"github.com/nasqa/dut-harness/framework/helpers"
	"github.com/nasqa/dut-harness/framework/qatest"
	"github.com/nasqa/dut-harness/settings"

	"github.com/stretchr/testify/require"
)

// connectivityTest checks every way of reaching the device, stopping at the first failure
// since nothing else can work when the device does not answer ping.
func connectivityTest() qatest.IntegrationTest {
	return qatest.IntegrationTest{
		Name:          "reachability",
		StopOnFailure: true,
		Declare: settings.Declaration{
			Required: []string{settings.KeyDeviceIP},
		},
		Tests: []qatest.Testable{
			qatest.Case{Name: "ping", Loops: 1, Test: pingDevice},
			qatest.Case{Name: "ssh uptime", Loops: 1, Test: sshUptime},
			qatest.Case{
				Name:  "rest system info",
				Loops: 1,
				Declare: settings.Declaration{
					Defaults: stringDefaults(KeySystemInfoPath, "/api/2.1/rest/system_info"),
				},
				Test: restSystemInfo,
			},
		},
	}
}

func pingDevice(t *qatest.T) error {
	start := time.Now()
	if err := t.Session().WaitForPing(t.Context()); err != nil {
		return err
	}
	t.Record("pingWaitMs", time.Since(start).Milliseconds())
	return nil
}

var uptimeLine = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s`)

func sshUptime(t *qatest.T) error {
	ssh, err := t.Session().SSH(t.Context())
	skipIfDisabled(t, "ssh", err)
	out, err := ssh.Output(t.Context(), "cat /proc/uptime")
	if err != nil {
		return err
	}
	m := helpers.RequireMatch(t, out, uptimeLine)
	uptime, _ := strconv.ParseFloat(m[1], 64)
	t.Debug("Device has been up for %s", time.Duration(uptime*float64(time.Second)).Round(time.Second))
	t.Record("uptimeSeconds", int64(uptime))
	return nil
}

func restSystemInfo(t *qatest.T) error {
	rest, err := t.Session().REST(t.Context())
	skipIfDisabled(t, "rest", err)
	info, err := rest.Get(t.Context(), t.Env().String(KeySystemInfoPath))
	if err != nil {
		return err
	}
	model := info.Get("system_info.model_number").String()
	require.NotEmpty(t, model, "system info has no model number: %s", info.Raw)
	t.Record("model", model)
	if serial := info.Get("system_info.serial_number").String(); serial != "" {
		t.Record("serialNumber", serial)
	}
	return nil
}
