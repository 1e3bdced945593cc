package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nasqa/dut-harness/device/sshclient/sshtest"
	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/settings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFirmwareVersion(t *testing.T) {
	for input, expected := range map[string]string{
		"5.2.1":       "5.2.1",
		"v5.2.1-123":  "5.2.1.123",
		"5.2.1-123\n": "5.2.1.123",
		"2.31.204":    "2.31.204",
	} {
		t.Run(input, func(t *testing.T) {
			v, err := ParseFirmwareVersion(input)
			require.NoError(t, err)
			assert.Equal(t, expected, v.String())
		})
	}

	_, err := ParseFirmwareVersion("unknown")
	assert.Error(t, err)

	older, _ := ParseFirmwareVersion("5.2.1-99")
	newer, _ := ParseFirmwareVersion("5.2.1-123")
	assert.True(t, older.LessThan(newer))
}

func TestFirmwareVersionFromSetting(t *testing.T) {
	s, err := NewSession(makeEnv(map[string]ldvalue.Value{
		settings.KeyDeviceFirmware: ldvalue.String("5.3.0-10"),
	}))
	require.NoError(t, err)

	require.NoError(t, s.RequireFirmwareAtLeast(context.Background(), "5.2.0"))
	err = s.RequireFirmwareAtLeast(context.Background(), "5.3.1")
	var unsupported *UnsupportedFirmwareError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "firmware 5.3.0.10 is older than the required 5.3.1", err.Error())
}

func TestFirmwareVersionOverSSH(t *testing.T) {
	server, err := sshtest.NewServer("root", "pw", func(command string) (string, string, int) {
		if command == "cat /etc/version" {
			return "5.4.0-200\n", "", 0
		}
		return "", "not found", 127
	})
	require.NoError(t, err)
	defer server.Close() //nolint:errcheck

	env := makeEnv(map[string]ldvalue.Value{
		settings.KeyDeviceIP:    ldvalue.String(server.Host),
		settings.KeySSHEnabled:  ldvalue.Bool(true),
		settings.KeySSHPort:     ldvalue.Int(server.Port),
		settings.KeySSHPassword: ldvalue.String("pw"),
	})
	s, err := NewSession(env)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	v, err := s.FirmwareVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5.4.0.200", v.String())
	assert.Equal(t, []string{"cat /etc/version"}, server.Commands())
	assert.Equal(t, []string{"ssh"}, s.Opened())
}

func TestFirmwareVersionOverREST(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/2.1/rest/firmware_info" {
			_, _ = w.Write([]byte(`{"firmware":{"version":"5.1.0-7"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	env := makeEnv(map[string]ldvalue.Value{
		settings.KeyRESTEnabled:   ldvalue.Bool(true),
		settings.KeyRESTURL:       ldvalue.String(server.URL),
		settings.KeyRESTLoginPath: ldvalue.String(""),
	})
	s, err := NewSession(env, WithLogger(framework.NullLogger()))
	require.NoError(t, err)
	v, err := s.FirmwareVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5.1.0.7", v.String())
}

func TestFirmwareVersionWithNoSource(t *testing.T) {
	s, err := NewSession(makeEnv(nil))
	require.NoError(t, err)
	_, err = s.FirmwareVersion(context.Background())
	assert.Error(t, err)
}
