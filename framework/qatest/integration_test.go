package qatest

import (
	"testing"

	"github.com/nasqa/dut-harness/settings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationTestSharesEnvironmentBetweenSubtests(t *testing.T) {
	var seen []string
	it := IntegrationTest{
		Name:      "upload then download",
		Overrides: map[string]ldvalue.Value{"share.name": ldvalue.String("qa")},
		Tests: []Testable{
			Case{
				Name: "upload",
				Test: func(t *T) error {
					t.Env().Set("uploaded.file", ldvalue.String("photo.jpg"))
					return nil
				},
			},
			Case{
				Name: "download",
				Test: func(t *T) error {
					seen = append(seen, t.Env().String("share.name"), t.Env().String("uploaded.file"))
					return nil
				},
			},
		},
	}
	results := runCases(TestConfiguration{}, it, Case{
		Name: "afterwards",
		Test: func(t *T) error {
			seen = append(seen, t.Env().String("uploaded.file"))
			return nil
		},
	})
	assert.True(t, results.OK())
	assert.Equal(t, []string{"qa", "photo.jpg", ""}, seen)

	var ids []string
	for _, r := range results.Tests {
		ids = append(ids, r.TestID.String())
	}
	assert.Equal(t, []string{
		"upload then download/upload",
		"upload then download/download",
		"upload then download",
		"afterwards",
	}, ids)
}

func TestIntegrationTestSharesSession(t *testing.T) {
	var sessions []interface{}
	record := func(t *T) error {
		sessions = append(sessions, t.Session())
		return nil
	}
	runCases(TestConfiguration{}, IntegrationTest{
		Name:  "same device",
		Tests: []Testable{Case{Name: "a", Test: record}, Case{Name: "b", Test: record}},
	})
	require.Len(t, sessions, 2)
	assert.Same(t, sessions[0], sessions[1])
}

func TestIntegrationTestAggregatesFailures(t *testing.T) {
	ran := false
	results := runCases(TestConfiguration{}, IntegrationTest{
		Name: "factory reset",
		Tests: []Testable{
			Case{Name: "reset", Test: func(*T) error { return Failf("reset button ignored") }},
			Case{Name: "non-critical", NonCritical: "known issue", Test: func(*T) error { return Failf("slow") }},
			Case{Name: "verify", Test: func(*T) error {
				ran = true
				return nil
			}},
		},
	})
	assert.True(t, ran)
	assert.False(t, results.OK())
	require.Len(t, results.Failures, 2)
	assert.Equal(t, TestID{"factory reset"}, results.Failures[1].TestID)
	assert.Equal(t, "1 of 3 sub-tests failed: reset", results.Failures[1].Errors[0].Error())
}

func TestIntegrationTestStopOnFailureSkipsRemaining(t *testing.T) {
	ran := false
	results := runCases(TestConfiguration{}, IntegrationTest{
		Name:          "firmware update",
		StopOnFailure: true,
		Tests: []Testable{
			Case{Name: "download", Test: func(*T) error { return Abort(assert.AnError) }},
			Case{Name: "flash", Test: func(*T) error {
				ran = true
				return nil
			}},
		},
	})
	assert.False(t, ran)
	require.Len(t, results.Errored, 1)
	require.Len(t, results.Skipped, 1)
	assert.Equal(t, TestID{"firmware update", "flash"}, results.Skipped[0].TestID)
	assert.Equal(t, `skipped because "download" failed`, results.Skipped[0].SkipReason)
}

func TestIntegrationTestNested(t *testing.T) {
	var seen []string
	results := runCases(TestConfiguration{}, IntegrationTest{
		Name:      "outer",
		Overrides: map[string]ldvalue.Value{"level": ldvalue.String("outer")},
		Tests: []Testable{
			IntegrationTest{
				Name:      "inner",
				Overrides: map[string]ldvalue.Value{"level": ldvalue.String("inner")},
				Tests: []Testable{Case{Name: "check", Test: func(t *T) error {
					seen = append(seen, t.Env().String("level"))
					return nil
				}}},
			},
			Case{Name: "after", Test: func(t *T) error {
				seen = append(seen, t.Env().String("level"))
				return nil
			}},
		},
	})
	assert.True(t, results.OK())
	assert.Equal(t, []string{"inner", "outer"}, seen)
	assert.Equal(t, TestID{"outer", "inner", "check"}, results.Tests[0].TestID)
}

func TestIntegrationTestNestedSetIsVisibleToLaterSiblings(t *testing.T) {
	var seen string
	results := runCases(TestConfiguration{}, IntegrationTest{
		Name: "outer",
		Tests: []Testable{
			IntegrationTest{
				Name: "inner",
				Tests: []Testable{Case{Name: "upload", Test: func(t *T) error {
					t.Env().Set("share.file", ldvalue.String("a.txt"))
					return nil
				}}},
			},
			Case{Name: "download", Test: func(t *T) error {
				seen = t.Env().String("share.file")
				return nil
			}},
		},
	})
	assert.True(t, results.OK())
	assert.Equal(t, "a.txt", seen)
}

func TestIntegrationTestMissingSetting(t *testing.T) {
	results := runCases(TestConfiguration{}, IntegrationTest{
		Name:    "needs wifi",
		Declare: settings.Declaration{Required: []string{"wifi.ssid"}},
		Tests:   []Testable{Case{Name: "connect"}},
	})
	require.Len(t, results.Errored, 1)
	assert.Equal(t, TestID{"needs wifi"}, results.Errored[0].TestID)
}
