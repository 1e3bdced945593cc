package adb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, r *BufferRunner) *Client {
	c, err := New("", "10.0.0.5", 5555, WithRunner(r), WithPolling(time.Millisecond, 3))
	require.NoError(t, err)
	return c
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New("adb", "", 5555)
	assert.Error(t, err)
}

func TestCommandAddsSerial(t *testing.T) {
	r := &BufferRunner{Responses: map[string]string{"-s 10.0.0.5:5555 shell getprop ro.product.model": "KAT\n"}}
	c := newTestClient(t, r)
	assert.Equal(t, "10.0.0.5:5555", c.Serial())

	model, err := c.GetProp(context.Background(), "ro.product.model")
	require.NoError(t, err)
	assert.Equal(t, "KAT", model)
}

func TestShellQuotesArguments(t *testing.T) {
	r := &BufferRunner{}
	c := newTestClient(t, r)
	_, _ = c.Shell(context.Background(), "ls", "/mnt/media_rw/My Disk")
	assert.Equal(t, []string{`-s 10.0.0.5:5555 shell ls '/mnt/media_rw/My Disk'`}, r.Calls)
}

func TestProps(t *testing.T) {
	r := &BufferRunner{Responses: map[string]string{
		"-s 10.0.0.5:5555 shell getprop": "[sys.boot_completed]: [1]\r\n[ro.build.id]: [KAT-1.2]\r\n",
	}}
	props, err := newTestClient(t, r).Props(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sys.boot_completed": "1", "ro.build.id": "KAT-1.2"}, props)
}

func TestConnectPollsUntilOnline(t *testing.T) {
	r := &BufferRunner{Responses: map[string]string{
		"connect 10.0.0.5:5555": "connected to 10.0.0.5:5555\n",
		"devices":               "List of devices attached\n10.0.0.5:5555\toffline\n",
	}}
	c := newTestClient(t, r)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Len(t, r.Calls, 8)

	r.Calls = nil
	r.Responses["devices"] = "List of devices attached\n10.0.0.5:5555\tdevice\n"
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{"connect 10.0.0.5:5555", "devices"}, r.Calls)
}

func TestInstallAndUninstallRequireSuccess(t *testing.T) {
	r := &BufferRunner{Responses: map[string]string{
		"-s 10.0.0.5:5555 install -r -d good.apk": "Performing Streamed Install\nSuccess\n",
		"-s 10.0.0.5:5555 install -r -d bad.apk":  "Failure [INSTALL_FAILED_INVALID_APK]\n",
		"-s 10.0.0.5:5555 uninstall com.nas.app":  "Success\n",
	}}
	c := newTestClient(t, r)
	assert.NoError(t, c.Install(context.Background(), "good.apk"))
	err := c.Install(context.Background(), "bad.apk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSTALL_FAILED_INVALID_APK")
	assert.NoError(t, c.Uninstall(context.Background(), "com.nas.app"))
	assert.Error(t, c.Uninstall(context.Background(), "com.other"))
}

func TestInstalledPackages(t *testing.T) {
	r := &BufferRunner{Responses: map[string]string{
		"-s 10.0.0.5:5555 shell pm list packages": "package:android\npackage:com.nas.app\n\n",
	}}
	pkgs, err := newTestClient(t, r).InstalledPackages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"android": {}, "com.nas.app": {}}, pkgs)
}

func TestWaitForBootCompleted(t *testing.T) {
	r := &BufferRunner{Responses: map[string]string{
		"connect 10.0.0.5:5555": "connected\n",
		"devices":               "10.0.0.5:5555\tdevice\n",
		"-s 10.0.0.5:5555 shell getprop sys.boot_completed": "\n",
	}}
	c := newTestClient(t, r)
	assert.Error(t, c.WaitForBootCompleted(context.Background()))

	r.Responses["-s 10.0.0.5:5555 shell getprop sys.boot_completed"] = "1\n"
	assert.NoError(t, c.WaitForBootCompleted(context.Background()))
}

func TestRunnerErrorsPropagate(t *testing.T) {
	failure := errors.New("device offline")
	r := &BufferRunner{Errors: map[string]error{"-s 10.0.0.5:5555 reboot": failure}}
	c := newTestClient(t, r)
	assert.Equal(t, failure, c.Reboot(context.Background()))
	assert.NoError(t, c.Push(context.Background(), "a", "/sdcard/a"))
	assert.NoError(t, c.Close())
	assert.Equal(t, "disconnect 10.0.0.5:5555", r.Calls[len(r.Calls)-1])
}
