package settings

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// EnvPrefix is the prefix of environment variables that are read as settings.
const EnvPrefix = "DUTQA_"

// FromEnviron builds a layer from environment variables of the form DUTQA_SECTION_NAME, as
// returned by os.Environ. The variable name after the prefix is lowercased and each underscore
// becomes a dot; a doubled underscore stands for a literal underscore. So DUTQA_DEVICE_IP sets
// "device.ip" and DUTQA_SSH_KEY__FILE sets "ssh.key_file". Values are parsed like -set values.
func FromEnviron(environ []string) *Layer {
	values := make(map[string]ldvalue.Value)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) || len(name) == len(EnvPrefix) {
			continue
		}
		values[EnvKey(name)] = ParseValue(value)
	}
	return NewLayer("environment", values)
}

// EnvKey converts an environment variable name to a dotted settings key.
func EnvKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	parts := strings.Split(name, "__")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "_", ".")
	}
	return strings.Join(parts, "_")
}

// ParseValue interprets a command-line or environment value. Anything that is valid JSON
// (numbers, true/false, quoted strings, arrays, objects) is parsed as JSON; anything else is
// taken as a plain string.
func ParseValue(s string) ldvalue.Value {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ldvalue.String(s)
	}
	if !json.Valid([]byte(trimmed)) {
		return ldvalue.String(s)
	}
	return ldvalue.Parse([]byte(trimmed))
}

// Assignments collects repeated "key=value" command-line flags. It implements flag.Value.
type Assignments []string

func (a *Assignments) String() string {
	if a == nil {
		return ""
	}
	return strings.Join(*a, ", ")
}

// Set is called by the command line parser.
func (a *Assignments) Set(value string) error {
	if k, _, ok := strings.Cut(value, "="); !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	*a = append(*a, value)
	return nil
}

// Layer converts the assignments to a layer. Later assignments of the same key win.
func (a Assignments) Layer() *Layer {
	values := make(map[string]ldvalue.Value, len(a))
	for _, kv := range a {
		k, v, _ := strings.Cut(kv, "=")
		values[strings.TrimSpace(k)] = ParseValue(v)
	}
	return NewLayer("command line", values)
}

// Sources are the inputs to Load, from lowest to highest precedence.
type Sources struct {
	// Defaults replaces the built-in defaults if non-nil.
	Defaults map[string]ldvalue.Value
	// Device is an optional layer describing the device under test, normally from the
	// inventory. It sits above the defaults so a settings file can still override it.
	Device *Layer
	// File is an optional JSON or YAML settings file.
	File string
	// Environ is normally os.Environ().
	Environ []string
	// Assignments are the -set flags.
	Assignments Assignments
}

// Load resolves all configured sources into a root Environment.
func Load(sources Sources) (*Environment, error) {
	defaults := sources.Defaults
	if defaults == nil {
		defaults = Defaults()
	}
	upper := make([]*Layer, 0, 4)
	if sources.Device != nil {
		upper = append(upper, sources.Device)
	}
	if sources.File != "" {
		fileLayer, err := LoadFile(sources.File)
		if err != nil {
			return nil, err
		}
		upper = append(upper, fileLayer)
	}
	upper = append(upper, FromEnviron(sources.Environ), sources.Assignments.Layer())
	return NewEnvironment([]*Layer{NewLayer("defaults", defaults)}, upper), nil
}
