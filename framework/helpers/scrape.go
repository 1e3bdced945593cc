package helpers

import (
	"regexp"
	"strings"

	"github.com/nasqa/dut-harness/framework/opt"
)

// Lines splits command output into lines, dropping carriage returns and a trailing empty line.
func Lines(output string) []string {
	output = strings.ReplaceAll(output, "\r", "")
	output = strings.TrimSuffix(output, "\n")
	if output == "" {
		return nil
	}
	return strings.Split(output, "\n")
}

// Tail returns the last n lines of output.
func Tail(output string, n int) string {
	lines := Lines(output)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// FindLine returns the submatches of the first line of output that matches pattern.
func FindLine(output string, pattern *regexp.Regexp) opt.Maybe[[]string] {
	for _, line := range Lines(output) {
		if m := pattern.FindStringSubmatch(line); m != nil {
			return opt.Some(m)
		}
	}
	return opt.None[[]string]()
}

// FindAllLines returns the submatches of every line of output that matches pattern.
func FindAllLines(output string, pattern *regexp.Regexp) [][]string {
	var ret [][]string
	for _, line := range Lines(output) {
		if m := pattern.FindStringSubmatch(line); m != nil {
			ret = append(ret, m)
		}
	}
	return ret
}

// RequireContains fails the test immediately unless output contains substr. It is meant for
// command output and log dumps, so the failure message includes the tail of the output.
func RequireContains(t TestContext, output, substr string) {
	MarkHelper(t)
	if !strings.Contains(output, substr) {
		t.Errorf("expected output to contain %q; last lines were:\n%s", substr, Tail(output, 10))
		t.FailNow()
	}
}

// RequireMatch fails the test immediately unless some line of output matches pattern. It
// returns the submatches of the first matching line.
func RequireMatch(t TestContext, output string, pattern *regexp.Regexp) []string {
	MarkHelper(t)
	m := FindLine(output, pattern)
	if !m.IsDefined() {
		t.Errorf("expected a line matching /%s/; last lines were:\n%s", pattern, Tail(output, 10))
		t.FailNow()
	}
	return m.Value()
}
