package suites

import (
	"github.com/nasqa/dut-harness/framework/qatest"
)

// CapabilityAndroid marks a device with an Android side reachable over ADB.
const CapabilityAndroid = "android"

func bootCompletedCase() qatest.Case {
	return qatest.Case{
		Name:                 "boot completed",
		Loops:                1,
		RequiredCapabilities: []string{CapabilityAndroid},
		Test: func(t *qatest.T) error {
			adb, err := t.Session().ADB(t.Context())
			skipIfDisabled(t, "adb", err)
			if err := adb.WaitForBootCompleted(t.Context()); err != nil {
				return err
			}
			props, err := adb.Props(t.Context())
			if err != nil {
				return err
			}
			for _, name := range []string{"ro.build.version.release", "ro.build.id", "ro.product.model"} {
				if v := props[name]; v != "" {
					t.Record(name, v)
				}
			}
			if props["ro.product.model"] == "" {
				return qatest.Failf("device reports no ro.product.model")
			}
			return nil
		},
	}
}
