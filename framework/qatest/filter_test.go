package qatest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filters(t *testing.T, run, skip []string) RegexFilters {
	var r RegexFilters
	for _, s := range run {
		require.NoError(t, r.MustMatch.Set(s))
	}
	for _, s := range skip {
		require.NoError(t, r.MustNotMatch.Set(s))
	}
	return r
}

func id(s string) TestID {
	if s == "" {
		return nil
	}
	return TestID(strings.Split(s, "/"))
}

func TestRegexFilters(t *testing.T) {
	cases := []struct {
		name    string
		run     []string
		skip    []string
		matches []string
		misses  []string
	}{
		{
			name:    "no filters",
			matches: []string{"", "raid", "raid/md arrays", "reboot/reboot cycle/iteration 3"},
		},
		{
			name:    "run one suite",
			run:     []string{"raid"},
			matches: []string{"", "raid", "raid/md arrays", "raid/rest raid status"},
			misses:  []string{"firmware", "firmware/version gate"},
		},
		{
			// The parent of a selected test has to run for the test to run at all.
			name:    "run one case",
			run:     []string{"connectivity/ssh"},
			matches: []string{"connectivity", "connectivity/ssh uptime"},
			misses:  []string{"connectivity/ping", "raid"},
		},
		{
			name:    "run patterns are alternatives",
			run:     []string{"^raid$", "^adb$"},
			matches: []string{"raid/md arrays", "adb/boot completed"},
			misses:  []string{"reboot", "reboot/reboot cycle"},
		},
		{
			name:    "skip one suite",
			skip:    []string{"reboot"},
			matches: []string{"", "raid", "firmware/version gate"},
			misses:  []string{"reboot", "reboot/reboot cycle/iteration 1"},
		},
		{
			// A skip pattern longer than the ID does not exclude the parent.
			name:    "skip one iteration",
			skip:    []string{"reboot/reboot cycle/iteration 2$"},
			matches: []string{"reboot", "reboot/reboot cycle", "reboot/reboot cycle/iteration 1"},
			misses:  []string{"reboot/reboot cycle/iteration 2"},
		},
		{
			name:    "skip wins over run",
			run:     []string{"raid"},
			skip:    []string{"raid/rest"},
			matches: []string{"raid", "raid/md arrays"},
			misses:  []string{"raid/rest raid status"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := filters(t, c.run, c.skip)
			for _, s := range c.matches {
				assert.True(t, r.Match(id(s)), "expected %q to run", s)
			}
			for _, s := range c.misses {
				assert.False(t, r.Match(id(s)), "expected %q to be filtered out", s)
			}
		})
	}
}

func TestParseTestIDPatternRejectsBadRegex(t *testing.T) {
	_, err := ParseTestIDPattern("raid/md[")
	assert.Error(t, err)

	var l TestIDPatternList
	assert.Error(t, l.Set("(unclosed"))
	assert.False(t, l.IsDefined())
}

func TestTestIDPatternListString(t *testing.T) {
	r := filters(t, []string{"raid/md", "adb"}, nil)
	assert.Equal(t, `"raid/md" or "adb"`, r.MustMatch.String())
}

func TestPrintFilterDescription(t *testing.T) {
	var buf bytes.Buffer
	PrintFilterDescription(&buf, RegexFilters{}, []string{"raid"}, []string{"raid"})
	assert.Empty(t, buf.String())

	PrintFilterDescription(&buf, filters(t, nil, []string{"reboot"}), []string{"raid", "android"}, []string{"raid"})
	out := buf.String()
	assert.Contains(t, out, `skip any matching "reboot"`)
	assert.Contains(t, out, "does not have the following capabilities:\n  android\n")
}
