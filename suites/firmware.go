package suites

import (
	"github.com/nasqa/dut-harness/device"
	"github.com/nasqa/dut-harness/framework/qatest"
)

func firmwareGateCase() qatest.Case {
	return qatest.Case{
		Name:  "version gate",
		Loops: 1,
		Test:  checkFirmwareVersion,
	}
}

// checkFirmwareVersion fails, rather than skips, on old firmware: the gate exists to flag a
// device that was not upgraded before the run.
func checkFirmwareVersion(t *qatest.T) error {
	have, err := t.Session().FirmwareVersion(t.Context())
	if err != nil {
		return qatest.Abort(err)
	}
	t.Record("firmware", have.String())
	minimum := t.Env().String(KeyFirmwareMinimum)
	if minimum == "" {
		t.Debug("No minimum firmware configured; device runs %s", have)
		return nil
	}
	want, err := device.ParseFirmwareVersion(minimum)
	if err != nil {
		return qatest.Abort(err)
	}
	if have.LessThan(want) {
		return qatest.Failf("%s", &device.UnsupportedFirmwareError{Have: have, Want: want})
	}
	return nil
}
