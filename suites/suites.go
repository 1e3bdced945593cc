// Package suites contains the built-in test cases: quick checks that any device in the lab
// should pass, and that make the harness useful out of the box.
//
// Each suite is a list of qatest cases or integration tests. Suites read their own settings,
// declared in keys.go, in addition to the well-known ones in package settings.
package suites

import (
	"fmt"
	"io"
	"strings"

	"github.com/nasqa/dut-harness/framework/qatest"
)

// Suite is a named group of tests that can be selected with the -suite flag.
type Suite struct {
	Name        string
	Description string
	Tests       []qatest.Testable
}

// All returns every built-in suite in the order they run.
func All() []Suite {
	return []Suite{
		{
			Name:        "connectivity",
			Description: "device answers ping, SSH and REST",
			Tests:       []qatest.Testable{connectivityTest()},
		},
		{
			Name:        "firmware",
			Description: "firmware version is readable and recent enough",
			Tests:       []qatest.Testable{firmwareGateCase()},
		},
		{
			Name:        "raid",
			Description: "every md array is clean",
			Tests:       []qatest.Testable{raidHealthCase(), raidStatusAPICase()},
		},
		{
			Name:        "alerts",
			Description: "device delivers a test alert to the harness",
			Tests:       []qatest.Testable{testAlertCase()},
		},
		{
			Name:        "adb",
			Description: "Android side finishes booting",
			Tests:       []qatest.Testable{bootCompletedCase()},
		},
		{
			Name:        "reboot",
			Description: "device reboots and comes back, run.loops times",
			Tests:       []qatest.Testable{rebootCycleCase()},
		},
	}
}

// Select returns the named suites, in their usual order. No names means the default set,
// which is every suite except the reboot cycle.
func Select(names []string) ([]Suite, error) {
	all := All()
	if len(names) == 0 {
		var ret []Suite
		for _, s := range all {
			if s.Name != "reboot" {
				ret = append(ret, s)
			}
		}
		return ret, nil
	}
	wanted := make(map[string]bool)
	for _, n := range names {
		wanted[strings.TrimSpace(n)] = true
	}
	var ret []Suite
	for _, s := range all {
		if wanted[s.Name] {
			ret = append(ret, s)
			delete(wanted, s.Name)
		}
	}
	for n := range wanted {
		return nil, fmt.Errorf("unknown suite %q", n)
	}
	return ret, nil
}

// Run runs each suite as a top-level test.
func Run(t *qatest.T, suites []Suite) {
	for _, s := range suites {
		tests := s.Tests
		t.Run(s.Name, func(t *qatest.T) {
			for _, test := range tests {
				test.RunTest(t)
			}
		})
	}
}

// PrintSuites writes the name and description of every suite.
func PrintSuites(w io.Writer) {
	for _, s := range All() {
		fmt.Fprintf(w, "  %-14s %s\n", s.Name, s.Description)
	}
}

// RequiredCapabilities returns every capability that some case in the suites requires, in
// first-seen order.
func RequiredCapabilities(suites []Suite) []string {
	seen := make(map[string]bool)
	var ret []string
	var visit func(qatest.Testable)
	visit = func(test qatest.Testable) {
		switch tt := test.(type) {
		case qatest.Case:
			for _, c := range tt.RequiredCapabilities {
				if !seen[c] {
					seen[c] = true
					ret = append(ret, c)
				}
			}
		case qatest.IntegrationTest:
			for _, sub := range tt.Tests {
				visit(sub)
			}
		}
	}
	for _, s := range suites {
		for _, test := range s.Tests {
			visit(test)
		}
	}
	return ret
}
