package settings

import (
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// Well-known setting keys. Test cases can define any other keys they need.
const (
	KeyDeviceIP       = "device.ip"
	KeyDeviceID       = "device.id"
	KeyDeviceProduct  = "device.product"
	KeyDeviceUsername = "device.username"
	KeyDevicePassword = "device.password"
	KeyDeviceFirmware = "device.firmware"

	// KeyDeviceCapabilities lists what the device can do, e.g. ["raid", "android"].
	KeyDeviceCapabilities = "device.capabilities"

	KeyADBEnabled = "adb.enabled"
	KeyADBBinary  = "adb.binary"
	KeyADBPort    = "adb.port"

	KeySSHEnabled  = "ssh.enabled"
	KeySSHPort     = "ssh.port"
	KeySSHUsername = "ssh.username"
	KeySSHPassword = "ssh.password"
	KeySSHKeyFile  = "ssh.key_file"
	KeySSHTimeout  = "ssh.timeout"

	// KeySSHVersionCommand prints the firmware version on the device.
	KeySSHVersionCommand = "ssh.version_command"

	KeySerialEnabled = "serial.enabled"
	KeySerialAddress = "serial.address"
	KeySerialBaud    = "serial.baud"
	KeySerialPrompt  = "serial.prompt"
	KeySerialTimeout = "serial.timeout"

	KeyRESTEnabled   = "rest.enabled"
	KeyRESTURL       = "rest.url"
	KeyRESTLoginPath = "rest.login_path"
	KeyRESTTimeout   = "rest.timeout"
	KeyRESTRetries   = "rest.retries"

	// KeyRESTFirmwarePath and KeyRESTFirmwareField locate the firmware version in the REST API.
	KeyRESTFirmwarePath  = "rest.firmware_path"
	KeyRESTFirmwareField = "rest.firmware_field"

	KeyRetryDelay    = "retry.delay"
	KeyRetryMax      = "retry.max"
	KeyRebootTimeout = "reboot.timeout"
	KeyPingTimeout   = "ping.timeout"
	KeyRunLoops      = "run.loops"

	KeyPingInterval   = "ping.interval"
	KeyPingPrivileged = "ping.privileged"
)

// Defaults returns the built-in default settings. Every client is disabled until a settings
// source enables it.
func Defaults() map[string]ldvalue.Value {
	return map[string]ldvalue.Value{
		KeyDeviceUsername: ldvalue.String("admin"),
		KeyDevicePassword: ldvalue.String(""),

		KeyADBEnabled: ldvalue.Bool(false),
		KeyADBBinary:  ldvalue.String("adb"),
		KeyADBPort:    ldvalue.Int(5555),

		KeySSHEnabled:  ldvalue.Bool(false),
		KeySSHPort:     ldvalue.Int(22),
		KeySSHUsername: ldvalue.String("root"),
		KeySSHTimeout:  ldvalue.String("30s"),

		KeySSHVersionCommand: ldvalue.String("cat /etc/version"),

		KeySerialEnabled: ldvalue.Bool(false),
		KeySerialBaud:    ldvalue.Int(115200),
		KeySerialPrompt:  ldvalue.String("# "),
		KeySerialTimeout: ldvalue.String("30s"),

		KeyRESTEnabled:   ldvalue.Bool(false),
		KeyRESTLoginPath: ldvalue.String("/api/2.1/rest/local_login"),
		KeyRESTTimeout:   ldvalue.String("30s"),
		KeyRESTRetries:   ldvalue.Int(3),

		KeyRESTFirmwarePath:  ldvalue.String("/api/2.1/rest/firmware_info"),
		KeyRESTFirmwareField: ldvalue.String("firmware.version"),

		KeyRetryDelay:    ldvalue.String("10s"),
		KeyRetryMax:      ldvalue.Int(10),
		KeyRebootTimeout: ldvalue.String("10m"),
		KeyPingTimeout:   ldvalue.String("5m"),
		KeyRunLoops:      ldvalue.Int(1),

		KeyPingInterval:   ldvalue.String("5s"),
		KeyPingPrivileged: ldvalue.Bool(false),
	}
}
