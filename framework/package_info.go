// Package framework contains the low-level implementation of the DUT test harness that is
// shared by every suite. The base package holds shared types such as Logger and Capabilities;
// other components live in subpackages:
//
// qatest is a test runner modeled on Go's testing.T, with the case lifecycle (declare, init,
// before_loop, before_test, test, after_test, after_loop) and composite integration tests.
//
// retry and parallel provide the polling and concurrency primitives that device-facing code
// uses to cope with slow, flaky hardware.
//
// harness runs the HTTP listener that the device under test can call back into, and that
// dashboards can subscribe to for live progress.
//
// Nothing in this tree knows about a particular product line. Product knowledge belongs to
// the device clients and the suites.
package framework
