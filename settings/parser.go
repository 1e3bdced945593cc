package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	yaml "gopkg.in/yaml.v3"
)

// ParseJSONOrYAML is used in the same way as json.Unmarshal, but if the data is YAML and not
// JSON, it will convert the YAML to JSON and then parse it as JSON.
func ParseJSONOrYAML(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err == nil {
		return nil
	}
	var rawStructure interface{}
	if err := yaml.Unmarshal(data, &rawStructure); err != nil {
		return err
	}
	normalized, err := normalizeYAML(rawStructure)
	if err != nil {
		return err
	}
	jsonData, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}

func normalizeYAML(data interface{}) (interface{}, error) {
	switch data := data.(type) {
	case []interface{}:
		out := make([]interface{}, 0, len(data))
		for _, v := range data {
			v1, err := normalizeYAML(v)
			if err != nil {
				return nil, err
			}
			out = append(out, v1)
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(data))
		for k, v := range data {
			v1, err := normalizeYAML(v)
			if err != nil {
				return nil, err
			}
			out[k] = v1
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(data))
		for k, v := range data {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("settings contain a map key of type %T; only string keys are allowed", k)
			}
			v1, err := normalizeYAML(v)
			if err != nil {
				return nil, err
			}
			out[key] = v1
		}
		return out, nil
	default:
		return data, nil
	}
}

// Flatten turns a nested object into dotted keys: {"ssh": {"port": 22}} becomes {"ssh.port": 22}.
// Arrays and scalars are leaf values. A non-object value is stored under prefix.
func Flatten(prefix string, value ldvalue.Value) map[string]ldvalue.Value {
	ret := make(map[string]ldvalue.Value)
	flattenInto(ret, prefix, value)
	return ret
}

func flattenInto(out map[string]ldvalue.Value, prefix string, value ldvalue.Value) {
	if value.Type() != ldvalue.ObjectType {
		if prefix != "" {
			out[prefix] = value
		}
		return
	}
	m := value.AsValueMap().AsMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flattenInto(out, key, m[k])
	}
}

// LoadFile reads a JSON or YAML settings file into a layer. Nested objects are flattened into
// dotted keys.
func LoadFile(path string) (*Layer, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("cannot read settings file: %w", err)
	}
	var raw interface{}
	if err := ParseJSONOrYAML(data, &raw); err != nil {
		return nil, fmt.Errorf("cannot parse settings file %q: %w", path, err)
	}
	value := ldvalue.CopyArbitraryValue(raw)
	if value.Type() != ldvalue.ObjectType {
		return nil, fmt.Errorf("settings file %q must contain an object, not %s", path, value.Type())
	}
	return NewLayer("file:"+path, Flatten("", value)), nil
}
