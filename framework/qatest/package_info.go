// Package qatest contains a test runner framework that is similar to Go's testing package,
// but is run as regular Go application code rather than Go tests. It adds the device test case
// lifecycle (declare, init, before_loop, before_test, test, after_test, after_loop), composite
// integration tests, and richer result categories and reporting.
package qatest
