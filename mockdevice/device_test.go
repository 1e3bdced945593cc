package mockdevice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nasqa/dut-harness/device"
	"github.com/nasqa/dut-harness/device/restapi"
	"github.com/nasqa/dut-harness/settings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDevice(t *testing.T) (*Device, *httptest.Server) {
	d := New("admin", "pw", State{ID: "kdp-04", Model: "KDP-4", Serial: "WX12", Firmware: "5.2.1-123",
		RAIDStatus: "healthy"}, nil)
	server := httptest.NewServer(d)
	t.Cleanup(server.Close)
	return d, server
}

func newClient(t *testing.T, url, password string) *restapi.Client {
	c, err := restapi.New(restapi.Config{BaseURL: url, Username: "admin", Password: password, LoginPath: LoginPath})
	require.NoError(t, err)
	return c
}

func TestLoginAndSystemInfo(t *testing.T) {
	d, server := startDevice(t)
	c := newClient(t, server.URL, "pw")

	info, err := c.Get(context.Background(), SystemInfoPath)
	require.NoError(t, err)
	assert.Equal(t, "kdp-04", info.Get("system_info.name").String())
	assert.Equal(t, "KDP-4", info.Get("system_info.model_number").String())
	assert.Equal(t, 1, d.Logins())

	fw, err := c.Get(context.Background(), FirmwarePath)
	require.NoError(t, err)
	assert.Equal(t, "5.2.1-123", fw.Get("firmware.version").String())
	assert.Equal(t, []string{"POST " + LoginPath, "GET " + SystemInfoPath, "GET " + FirmwarePath}, d.Requests())
}

func TestWrongPasswordIsRefused(t *testing.T) {
	_, server := startDevice(t)
	_, err := newClient(t, server.URL, "wrong").Get(context.Background(), SystemInfoPath)
	require.Error(t, err)
	assert.True(t, restapi.IsStatus(err, http.StatusUnauthorized))
}

func TestRequestWithoutTokenIsRejected(t *testing.T) {
	_, server := startDevice(t)
	resp, err := http.Get(server.URL + FirmwarePath)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExpiredTokenCausesRelogin(t *testing.T) {
	d, server := startDevice(t)
	c := newClient(t, server.URL, "pw")
	_, err := c.Get(context.Background(), FirmwarePath)
	require.NoError(t, err)
	d.ExpireTokens()
	_, err = c.Get(context.Background(), FirmwarePath)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Logins())
}

func TestRAIDStatus(t *testing.T) {
	d, server := startDevice(t)
	c := newClient(t, server.URL, "pw")
	raid, err := c.Get(context.Background(), RAIDPath)
	require.NoError(t, err)
	assert.Equal(t, "healthy", raid.Get("raid.status").String())

	d.SetRAIDStatus("")
	_, err = c.Get(context.Background(), RAIDPath)
	assert.True(t, restapi.IsStatus(err, http.StatusNotFound))
}

func TestRebootThroughSession(t *testing.T) {
	d, server := startDevice(t)
	d.SetDowntime(200 * time.Millisecond)
	env := settings.NewEnvironment(
		[]*settings.Layer{settings.NewLayer("defaults", settings.Defaults())},
		[]*settings.Layer{settings.NewLayer("test", map[string]ldvalue.Value{
			settings.KeyDeviceIP:       ldvalue.String("127.0.0.1"),
			settings.KeyRESTEnabled:    ldvalue.Bool(true),
			settings.KeyRESTURL:        ldvalue.String(server.URL),
			settings.KeyDevicePassword: ldvalue.String("pw"),
			settings.KeyPingInterval:   ldvalue.String("10ms"),
			settings.KeyPingTimeout:    ldvalue.String("2s"),
		})},
	)
	s, err := device.NewSession(env, device.WithPinger(d))
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	rest, err := s.REST(context.Background())
	require.NoError(t, err)
	_, err = rest.Put(context.Background(), SystemStatePath, map[string]string{"state": "reboot"})
	require.NoError(t, err)
	require.NoError(t, s.WaitForReboot(context.Background()))
	assert.Equal(t, 1, d.Reboots())
	assert.Empty(t, s.Opened())

	v, err := s.FirmwareVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5.2.1.123", v.String())
	assert.Equal(t, 2, d.Logins())
}

func TestPingFailsOnCancelledContext(t *testing.T) {
	d, _ := startDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Ping(ctx, "127.0.0.1")
	assert.ErrorIs(t, err, context.Canceled)

	up, err := d.Ping(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, up)
	d.SetDowntime(time.Hour)
	d.Reboot()
	up, _ = d.Ping(context.Background(), "127.0.0.1")
	assert.False(t, up)
}

func TestAlertTestIsDeliveredToConfiguredURL(t *testing.T) {
	d, server := startDevice(t)
	c := newClient(t, server.URL, "pw")

	_, err := c.Post(context.Background(), AlertTestPath, nil)
	require.Error(t, err)
	assert.True(t, restapi.IsStatus(err, http.StatusConflict))

	received := make(chan Alert, 1)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		assert.Equal(t, "/hooks/alerts", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received <- a
	}))
	defer receiver.Close()

	_, err = c.Put(context.Background(), AlertURLPath, map[string]string{"url": receiver.URL + "/hooks/"})
	require.NoError(t, err)
	assert.Equal(t, receiver.URL+"/hooks", d.AlertURL())
	_, err = c.Post(context.Background(), AlertTestPath, nil)
	require.NoError(t, err)

	select {
	case a := <-received:
		assert.Equal(t, Alert{Code: TestAlertCode, Severity: "info", Device: "kdp-04", Description: "Test alert"}, a)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for alert")
	}
}
