package device

import (
	"context"
	"fmt"
	"time"

	"github.com/nasqa/dut-harness/device/adb"
	"github.com/nasqa/dut-harness/device/restapi"
	"github.com/nasqa/dut-harness/device/serialconsole"
	"github.com/nasqa/dut-harness/device/sshclient"
	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/settings"
)

// DialADB creates an ADB client from the adb.* and device.* settings and connects it.
func DialADB(ctx context.Context, env *settings.Environment, logger framework.Logger) (*adb.Client, error) {
	c, err := adb.New(env.String(settings.KeyADBBinary), env.String(settings.KeyDeviceIP), env.Int(settings.KeyADBPort),
		adb.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DialSSH connects to the device using the ssh.* settings. If ssh.password is not set, the
// device password is tried.
func DialSSH(ctx context.Context, env *settings.Environment, logger framework.Logger) (*sshclient.Client, error) {
	timeout, err := env.Duration(settings.KeySSHTimeout)
	if err != nil {
		return nil, err
	}
	password := env.String(settings.KeySSHPassword)
	if password == "" {
		password = env.String(settings.KeyDevicePassword)
	}
	return sshclient.Dial(ctx, sshclient.Config{
		Host:     env.String(settings.KeyDeviceIP),
		Port:     env.Int(settings.KeySSHPort),
		Username: env.String(settings.KeySSHUsername),
		Password: password,
		KeyFile:  env.String(settings.KeySSHKeyFile),
		Timeout:  timeout,
		Logger:   logger,
	})
}

// DialSerial opens the console named by serial.address.
func DialSerial(_ context.Context, env *settings.Environment, logger framework.Logger) (*serialconsole.Console, error) {
	timeout, err := env.Duration(settings.KeySerialTimeout)
	if err != nil {
		return nil, err
	}
	return serialconsole.Open(env.String(settings.KeySerialAddress), serialconsole.Options{
		Prompt:  env.String(settings.KeySerialPrompt),
		Timeout: timeout,
		Baud:    env.Int(settings.KeySerialBaud),
		Logger:  logger,
	})
}

// DialREST creates a REST client. If rest.url is not set, http://<device.ip> is used.
func DialREST(_ context.Context, env *settings.Environment, logger framework.Logger) (*restapi.Client, error) {
	baseURL := env.String(settings.KeyRESTURL)
	if baseURL == "" {
		ip := env.String(settings.KeyDeviceIP)
		if ip == "" {
			return nil, fmt.Errorf("rest: neither %s nor %s is set", settings.KeyRESTURL, settings.KeyDeviceIP)
		}
		baseURL = "http://" + ip
	}
	return restapi.New(restapi.Config{
		BaseURL:   baseURL,
		Username:  env.String(settings.KeyDeviceUsername),
		Password:  env.String(settings.KeyDevicePassword),
		LoginPath: env.String(settings.KeyRESTLoginPath),
		Timeout:   env.DurationOr(settings.KeyRESTTimeout, 30*time.Second),
		Retries:   env.Int(settings.KeyRESTRetries),
		Logger:    logger,
	})
}
