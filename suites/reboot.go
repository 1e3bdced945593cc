package suites

import (
	"fmt"
	"time"

	"github.com/nasqa/dut-harness/framework/qatest"
	"github.com/nasqa/dut-harness/settings"

	"github.com/hashicorp/go-version"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// rebootCycle holds the state of one reboot cycle run across its iterations.
type rebootCycle struct {
	started  time.Time
	firmware *version.Version
	reboots  int
}

func rebootCycleCase() qatest.Case {
	r := &rebootCycle{}
	return qatest.Case{
		Name: "reboot cycle",
		Declare: settings.Declaration{
			Defaults: map[string]ldvalue.Value{
				KeyRebootMethod:     ldvalue.String("rest"),
				KeyRebootSSHCommand: ldvalue.String("reboot"),
				KeySystemStatePath:  ldvalue.String("/api/2.1/rest/system_state"),
				KeyRebootSoakTime:   ldvalue.Int(0),
			},
			Required: []string{settings.KeyDeviceIP},
		},
		BeforeLoop: r.beforeLoop,
		BeforeTest: r.checkSoakTime,
		Test:       r.rebootOnce,
		AfterLoop:  r.afterLoop,
	}
}

func (r *rebootCycle) beforeLoop(t *qatest.T) error {
	r.started = time.Now()
	r.reboots = 0
	if err := t.Session().WaitForPing(t.Context()); err != nil {
		return qatest.Abort(fmt.Errorf("device is not up before the first reboot: %w", err))
	}
	if fw, err := t.Session().FirmwareVersion(t.Context()); err == nil {
		r.firmware = fw
	} else {
		t.Debug("Not comparing firmware across reboots: %s", err)
	}
	return nil
}

func (r *rebootCycle) checkSoakTime(t *qatest.T) error {
	soak, err := t.Env().Duration(KeyRebootSoakTime)
	if err != nil {
		return qatest.Abort(err)
	}
	if soak > 0 && time.Since(r.started) >= soak {
		return qatest.Stop(fmt.Sprintf("soak time of %s reached after %d reboots", soak, r.reboots))
	}
	return nil
}

func (r *rebootCycle) rebootOnce(t *qatest.T) error {
	if err := r.trigger(t); err != nil {
		return err
	}
	start := time.Now()
	if err := t.Session().WaitForReboot(t.Context()); err != nil {
		return err
	}
	r.reboots++
	t.Record("rebootSeconds", time.Since(start).Seconds())

	if r.firmware == nil {
		return nil
	}
	fw, err := t.Session().FirmwareVersion(t.Context())
	if err != nil {
		return fmt.Errorf("cannot read firmware version after reboot: %w", err)
	}
	if !fw.Equal(r.firmware) {
		return qatest.Failf("firmware changed from %s to %s across reboot", r.firmware, fw)
	}
	return nil
}

func (r *rebootCycle) trigger(t *qatest.T) error {
	method := t.Env().String(KeyRebootMethod)
	t.Debug("Rebooting device %s via %s", t.Session().ID(), method)
	switch method {
	case "rest":
		rest, err := t.Session().REST(t.Context())
		skipIfDisabled(t, "rest", err)
		_, err = rest.Put(t.Context(), t.Env().String(KeySystemStatePath), map[string]string{"state": "reboot"})
		return err
	case "ssh":
		ssh, err := t.Session().SSH(t.Context())
		skipIfDisabled(t, "ssh", err)
		// The device usually drops the connection before the command returns.
		if _, err := ssh.Run(t.Context(), t.Env().String(KeyRebootSSHCommand)); err != nil {
			t.Debug("Reboot command ended with: %s", err)
		}
		return nil
	case "adb":
		adb, err := t.Session().ADB(t.Context())
		skipIfDisabled(t, "adb", err)
		return adb.Reboot(t.Context())
	default:
		return qatest.Abort(fmt.Errorf("unknown %s %q", KeyRebootMethod, method))
	}
}

func (r *rebootCycle) afterLoop(t *qatest.T) error {
	t.Record("reboots", r.reboots)
	t.Record("cycleSeconds", int64(time.Since(r.started).Seconds()))
	return nil
}
