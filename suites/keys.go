package suites

import (
	"errors"

	"github.com/nasqa/dut-harness/device"
	"github.com/nasqa/dut-harness/framework/qatest"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// Settings read by the built-in suites.
const (
	// KeyFirmwareMinimum is the oldest acceptable firmware, e.g. "5.2.0-100". Unset means any.
	KeyFirmwareMinimum = "firmware.minimum"

	KeySystemInfoPath  = "rest.system_info_path"
	KeySystemStatePath = "rest.system_state_path"
	KeyRAIDStatusPath  = "rest.raid_status_path"
	KeyAlertURLPath    = "rest.alert_url_path"
	KeyAlertTestPath   = "rest.alert_test_path"

	// KeyAlertTimeout is how long the device may take to deliver a test alert.
	KeyAlertTimeout = "alert.timeout"

	// KeyRAIDStatusCommand prints the kernel's md status, in /proc/mdstat format.
	KeyRAIDStatusCommand = "raid.status_command"

	// KeyRebootMethod is "rest", "ssh", or "adb".
	KeyRebootMethod     = "reboot.method"
	KeyRebootSSHCommand = "reboot.ssh_command"
	// KeyRebootSoakTime ends a looped reboot cycle early, as passed, once this much time has
	// gone by. Zero means run every iteration.
	KeyRebootSoakTime = "reboot.soak_time"
)

func stringDefaults(pairs ...string) map[string]ldvalue.Value {
	ret := make(map[string]ldvalue.Value, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		ret[pairs[i]] = ldvalue.String(pairs[i+1])
	}
	return ret
}

// skipIfDisabled turns a disabled client into a skip, and any other client error into an
// errored test.
func skipIfDisabled(t *qatest.T, name string, err error) {
	t.Helper()
	if errors.Is(err, device.ErrClientDisabled) {
		t.SkipWithReason(name + " is not enabled for this device")
	}
	if err != nil {
		t.Abortf("cannot open %s client: %s", name, err)
	}
}
