package settings

import (
	"fmt"
	"strings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// Declaration is what a test case states about its settings before it runs: defaults for keys
// it reads, and keys that must be supplied by some settings source.
type Declaration struct {
	Defaults map[string]ldvalue.Value
	Required []string
}

// MissingSettingsError is returned by Resolve when required keys have no value.
type MissingSettingsError struct {
	Keys []string
}

func (e MissingSettingsError) Error() string {
	return fmt.Sprintf("missing required settings: %s", strings.Join(e.Keys, ", "))
}

// Resolve applies the declared defaults beneath every other layer of env and checks that every
// required key is present.
func (d Declaration) Resolve(name string, env *Environment) (*Environment, error) {
	resolved := env.WithDefaults(name, d.Defaults)
	if missing := resolved.Missing(d.Required...); len(missing) != 0 {
		return resolved, MissingSettingsError{Keys: missing}
	}
	return resolved, nil
}

// Merge combines two declarations. Defaults in other take precedence.
func (d Declaration) Merge(other Declaration) Declaration {
	ret := Declaration{Defaults: make(map[string]ldvalue.Value, len(d.Defaults)+len(other.Defaults))}
	for k, v := range d.Defaults {
		ret.Defaults[k] = v
	}
	for k, v := range other.Defaults {
		ret.Defaults[k] = v
	}
	seen := make(map[string]bool)
	for _, k := range append(append([]string(nil), d.Required...), other.Required...) {
		if !seen[k] {
			seen[k] = true
			ret.Required = append(ret.Required, k)
		}
	}
	return ret
}
