package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	assert.Equal(t, ldvalue.Int(5555), ParseValue("5555"))
	assert.Equal(t, ldvalue.Bool(true), ParseValue("true"))
	assert.Equal(t, ldvalue.String("10.0.0.5"), ParseValue("10.0.0.5"))
	assert.Equal(t, ldvalue.String("quoted"), ParseValue(`"quoted"`))
	assert.Equal(t, ldvalue.Null(), ParseValue("null"))
	assert.Equal(t, ldvalue.String(""), ParseValue(""))
	assert.Equal(t, ldvalue.ArrayOf(ldvalue.Int(1), ldvalue.Int(2)), ParseValue("[1, 2]"))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "device.ip", EnvKey("DUTQA_DEVICE_IP"))
	assert.Equal(t, "ssh.key_file", EnvKey("DUTQA_SSH_KEY__FILE"))
	assert.Equal(t, "adb.enabled", EnvKey("DUTQA_ADB_ENABLED"))
}

func TestFromEnviron(t *testing.T) {
	layer := FromEnviron([]string{
		"HOME=/root",
		"DUTQA_DEVICE_IP=10.0.0.7",
		"DUTQA_SSH_ENABLED=true",
		"DUTQA_=ignored",
		"DUTQA_BROKEN",
	})
	env := NewEnvironment(nil, []*Layer{layer})
	assert.Equal(t, []string{"device.ip", "ssh.enabled"}, env.Keys())
	assert.True(t, env.Bool("ssh.enabled"))
	assert.Equal(t, "environment", env.Source("device.ip"))
}

func TestAssignments(t *testing.T) {
	var a Assignments
	require.NoError(t, a.Set("device.ip=10.0.0.1"))
	require.NoError(t, a.Set("rest.retries=5"))
	require.NoError(t, a.Set("device.ip=10.0.0.2"))
	assert.Error(t, a.Set("novalue"))
	assert.Error(t, a.Set("=x"))
	assert.Equal(t, "device.ip=10.0.0.1, rest.retries=5, device.ip=10.0.0.2", a.String())

	env := NewEnvironment(nil, []*Layer{a.Layer()})
	assert.Equal(t, "10.0.0.2", env.String("device.ip"))
	assert.Equal(t, 5, env.Int("rest.retries"))
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dutqa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  ip: 10.0.0.1
  product: PR4100
ssh:
  enabled: true
  port: 2222
`), 0o600))

	var a Assignments
	require.NoError(t, a.Set("ssh.port=22"))

	env, err := Load(Sources{
		File:        path,
		Environ:     []string{"DUTQA_DEVICE_IP=10.0.0.9", "DUTQA_SSH_PORT=8022"},
		Assignments: a,
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", env.String(KeyDeviceIP))
	assert.Equal(t, "PR4100", env.String(KeyDeviceProduct))
	assert.Equal(t, 22, env.Int(KeySSHPort))
	assert.True(t, env.Bool(KeySSHEnabled))
	assert.False(t, env.Bool(KeyADBEnabled))
	assert.Equal(t, "adb", env.String(KeyADBBinary))
	assert.Equal(t, "file:"+path, env.Source(KeyDeviceProduct))
}

func TestLoadDeviceLayerIsBelowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dutqa.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"device":{"product":"EX2"}}`), 0o600))
	device := NewLayer("inventory:nas-7", map[string]ldvalue.Value{
		KeyDeviceIP:      ldvalue.String("10.0.0.7"),
		KeyDeviceProduct: ldvalue.String("PR4100"),
	})

	env, err := Load(Sources{Device: device, File: path})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", env.String(KeyDeviceIP))
	assert.Equal(t, "inventory:nas-7", env.Source(KeyDeviceIP))
	assert.Equal(t, "EX2", env.String(KeyDeviceProduct))
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load(Sources{File: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "list.json")
	require.NoError(t, os.WriteFile(path, []byte(`[1,2]`), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestFlattenAndParseJSONOrYAML(t *testing.T) {
	var raw interface{}
	require.NoError(t, ParseJSONOrYAML([]byte("a:\n  b: 1\n  c: [x, y]\nd: true\n"), &raw))
	flat := Flatten("", ldvalue.CopyArbitraryValue(raw))
	assert.Equal(t, map[string]ldvalue.Value{
		"a.b": ldvalue.Int(1),
		"a.c": ldvalue.ArrayOf(ldvalue.String("x"), ldvalue.String("y")),
		"d":   ldvalue.Bool(true),
	}, flat)
	assert.Equal(t, map[string]ldvalue.Value{"p": ldvalue.Int(1)}, Flatten("p", ldvalue.Int(1)))
}

func TestDeclarationResolve(t *testing.T) {
	env := NewEnvironment(nil, []*Layer{NewLayer("x", map[string]ldvalue.Value{"device.ip": ldvalue.String("1.2.3.4")})})
	d := Declaration{
		Defaults: map[string]ldvalue.Value{"share.name": ldvalue.String("Public")},
		Required: []string{"device.ip", "usb.path"},
	}
	resolved, err := d.Resolve("usb", env)
	require.Error(t, err)
	assert.Equal(t, MissingSettingsError{Keys: []string{"usb.path"}}, err)
	assert.Equal(t, "missing required settings: usb.path", err.Error())
	assert.Equal(t, "Public", resolved.String("share.name"))

	env.Set("usb.path", ldvalue.String("/mnt/USB"))
	_, err = d.Resolve("usb", env)
	assert.NoError(t, err)

	merged := d.Merge(Declaration{
		Defaults: map[string]ldvalue.Value{"share.name": ldvalue.String("Private")},
		Required: []string{"usb.path", "raid.level"},
	})
	assert.Equal(t, []string{"device.ip", "usb.path", "raid.level"}, merged.Required)
	assert.Equal(t, ldvalue.String("Private"), merged.Defaults["share.name"])
}
