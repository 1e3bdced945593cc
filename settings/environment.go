package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	"github.com/kballard/go-shellquote"
)

// Layer is a named set of settings. Layers are stacked inside an Environment; a key found in a
// higher layer hides the same key in every lower layer.
type Layer struct {
	name   string
	values map[string]ldvalue.Value
	lock   sync.RWMutex
}

// NewLayer creates a layer from a map of dotted keys. The map is copied.
func NewLayer(name string, values map[string]ldvalue.Value) *Layer {
	l := &Layer{name: name, values: make(map[string]ldvalue.Value, len(values))}
	for k, v := range values {
		l.values[k] = v
	}
	return l
}

// Name returns the layer name, e.g. "defaults" or "file:/etc/dutqa.yaml".
func (l *Layer) Name() string { return l.name }

func (l *Layer) get(key string) (ldvalue.Value, bool) {
	l.lock.RLock()
	v, ok := l.values[key]
	l.lock.RUnlock()
	return v, ok
}

func (l *Layer) set(key string, value ldvalue.Value) {
	l.lock.Lock()
	l.values[key] = value
	l.lock.Unlock()
}

func (l *Layer) keys() []string {
	l.lock.RLock()
	defer l.lock.RUnlock()
	ret := make([]string, 0, len(l.values))
	for k := range l.values {
		ret = append(ret, k)
	}
	return ret
}

// Environment is the resolved configuration for a test run or for one test case within it.
//
// An Environment has two groups of layers. Upper layers (the settings file, DUTQA_ variables,
// -set flags, overrides from Derive, and the runtime layer written by Set) always take
// precedence over lower layers (built-in defaults and the defaults declared by test cases). A
// derived Environment sees everything its parent sees, so lookups first walk the upper layers of
// the whole chain and only then the lower layers.
//
// Environment is safe for concurrent use.
type Environment struct {
	parent  *Environment
	name    string
	upper   []*Layer // highest precedence first
	lower   []*Layer // highest precedence first
	runtime *Layer   // nil if Set writes through to the parent
}

// NewEnvironment creates a root Environment. upper and lower are given lowest precedence first,
// in the order they would be applied.
func NewEnvironment(lower []*Layer, upper []*Layer) *Environment {
	e := &Environment{name: "root", runtime: NewLayer("runtime", nil)}
	e.upper = append(e.upper, e.runtime)
	for i := len(upper) - 1; i >= 0; i-- {
		e.upper = append(e.upper, upper[i])
	}
	for i := len(lower) - 1; i >= 0; i-- {
		e.lower = append(e.lower, lower[i])
	}
	return e
}

// Derive returns a child Environment with the given overrides on top of everything the parent
// has. The child gets its own runtime layer: values written with Set on the child are not visible
// to the parent, but later changes to the parent remain visible to the child.
func (e *Environment) Derive(name string, overrides map[string]ldvalue.Value) *Environment {
	child := &Environment{parent: e, name: name, runtime: NewLayer(name+":runtime", nil)}
	child.upper = []*Layer{child.runtime}
	if len(overrides) != 0 {
		child.upper = append(child.upper, NewLayer(name+":overrides", overrides))
	}
	return child
}

// Overlay is like Derive, but the child has no runtime layer of its own: Set on the child writes
// through to e. The overrides are seen only through the child.
func (e *Environment) Overlay(name string, overrides map[string]ldvalue.Value) *Environment {
	child := &Environment{parent: e, name: name}
	if len(overrides) != 0 {
		child.upper = []*Layer{NewLayer(name+":overrides", overrides)}
	}
	return child
}

// WithDefaults returns a view of this Environment with an additional lower layer. The defaults
// apply only if no other layer defines the key. The view shares the runtime layer of e, so Set
// on either is visible to both.
func (e *Environment) WithDefaults(name string, defaults map[string]ldvalue.Value) *Environment {
	if len(defaults) == 0 {
		return e
	}
	return &Environment{
		parent: e,
		name:   name,
		lower:  []*Layer{NewLayer(name+":defaults", defaults)},
	}
}

// Name returns the name given to Derive or WithDefaults, or "root".
func (e *Environment) Name() string { return e.name }

// Lookup returns the value of a key and whether any layer defines it.
func (e *Environment) Lookup(key string) (ldvalue.Value, bool) {
	for env := e; env != nil; env = env.parent {
		for _, l := range env.upper {
			if v, ok := l.get(key); ok {
				return v, true
			}
		}
	}
	for env := e; env != nil; env = env.parent {
		for _, l := range env.lower {
			if v, ok := l.get(key); ok {
				return v, true
			}
		}
	}
	return ldvalue.Null(), false
}

// Source returns the name of the layer that provides the current value of key, or "" if none.
func (e *Environment) Source(key string) string {
	for _, group := range [][]*Layer{e.allUpper(), e.allLower()} {
		for _, l := range group {
			if _, ok := l.get(key); ok {
				return l.name
			}
		}
	}
	return ""
}

func (e *Environment) allUpper() []*Layer {
	var ret []*Layer
	for env := e; env != nil; env = env.parent {
		ret = append(ret, env.upper...)
	}
	return ret
}

func (e *Environment) allLower() []*Layer {
	var ret []*Layer
	for env := e; env != nil; env = env.parent {
		ret = append(ret, env.lower...)
	}
	return ret
}

// Has returns true if some layer defines key with a non-null value.
func (e *Environment) Has(key string) bool {
	v, ok := e.Lookup(key)
	return ok && !v.IsNull()
}

// Get returns the value of a key, or a null value if it is not defined.
func (e *Environment) Get(key string) ldvalue.Value {
	v, _ := e.Lookup(key)
	return v
}

// Set stores a value in the nearest runtime layer. This is how a test case's init stage passes
// state to its later stages, or an integration test passes state from one case to the next.
func (e *Environment) Set(key string, value ldvalue.Value) {
	for env := e; env != nil; env = env.parent {
		if env.runtime != nil {
			env.runtime.set(key, value)
			return
		}
	}
}

// Keys returns every key defined by any layer, sorted.
func (e *Environment) Keys() []string {
	seen := make(map[string]bool)
	for _, l := range append(e.allUpper(), e.allLower()...) {
		for _, k := range l.keys() {
			seen[k] = true
		}
	}
	ret := make([]string, 0, len(seen))
	for k := range seen {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// Snapshot returns the effective value of every key.
func (e *Environment) Snapshot() map[string]ldvalue.Value {
	ret := make(map[string]ldvalue.Value)
	for _, k := range e.Keys() {
		ret[k] = e.Get(k)
	}
	return ret
}

// Missing returns the keys from the list that have no non-null value.
func (e *Environment) Missing(keys ...string) []string {
	var ret []string
	for _, k := range keys {
		if !e.Has(k) {
			ret = append(ret, k)
		}
	}
	return ret
}

// String returns a string setting. Numbers and booleans are converted to their JSON form; a
// missing key returns "".
func (e *Environment) String(key string) string {
	v := e.Get(key)
	switch v.Type() {
	case ldvalue.NullType:
		return ""
	case ldvalue.StringType:
		return v.StringValue()
	default:
		return v.JSONString()
	}
}

// Int returns an integer setting. A numeric string is parsed; anything else returns 0.
func (e *Environment) Int(key string) int {
	v := e.Get(key)
	switch v.Type() {
	case ldvalue.NumberType:
		return v.IntValue()
	case ldvalue.StringType:
		n, _ := strconv.Atoi(strings.TrimSpace(v.StringValue()))
		return n
	}
	return 0
}

// Float returns a numeric setting. A numeric string is parsed; anything else returns 0.
func (e *Environment) Float(key string) float64 {
	v := e.Get(key)
	switch v.Type() {
	case ldvalue.NumberType:
		return v.Float64Value()
	case ldvalue.StringType:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v.StringValue()), 64)
		return f
	}
	return 0
}

// Bool returns a boolean setting. The strings accepted by strconv.ParseBool, and the strings
// "yes"/"no"/"on"/"off", are also understood.
func (e *Environment) Bool(key string) bool {
	v := e.Get(key)
	switch v.Type() {
	case ldvalue.BoolType:
		return v.BoolValue()
	case ldvalue.NumberType:
		return v.Float64Value() != 0
	case ldvalue.StringType:
		s := strings.ToLower(strings.TrimSpace(v.StringValue()))
		switch s {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
		b, _ := strconv.ParseBool(s)
		return b
	}
	return false
}

// Duration returns a duration setting. A number is taken as seconds; a string is parsed with
// time.ParseDuration, or as seconds if it is a bare number. A missing key returns 0 and no error.
func (e *Environment) Duration(key string) (time.Duration, error) {
	v := e.Get(key)
	switch v.Type() {
	case ldvalue.NullType:
		return 0, nil
	case ldvalue.NumberType:
		return time.Duration(v.Float64Value() * float64(time.Second)), nil
	case ldvalue.StringType:
		s := strings.TrimSpace(v.StringValue())
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("setting %q: %w", key, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("setting %q: cannot use %s value as a duration", key, v.Type())
}

// DurationOr is like Duration but returns fallback if the key is missing or invalid.
func (e *Environment) DurationOr(key string, fallback time.Duration) time.Duration {
	d, err := e.Duration(key)
	if err != nil || !e.Has(key) {
		return fallback
	}
	return d
}

// StringList returns a list setting. A JSON array is converted element by element; a string is
// split into words using shell quoting rules, so "adb -s 'my device'" becomes three words.
func (e *Environment) StringList(key string) ([]string, error) {
	v := e.Get(key)
	switch v.Type() {
	case ldvalue.NullType:
		return nil, nil
	case ldvalue.ArrayType:
		var ret []string
		for _, item := range v.AsValueArray().AsSlice() {
			if item.IsString() {
				ret = append(ret, item.StringValue())
			} else {
				ret = append(ret, item.JSONString())
			}
		}
		return ret, nil
	case ldvalue.StringType:
		words, err := shellquote.Split(v.StringValue())
		if err != nil {
			return nil, fmt.Errorf("setting %q: %w", key, err)
		}
		return words, nil
	}
	return []string{v.JSONString()}, nil
}

// Sub returns every key under a prefix, with the prefix and its dot removed. For instance
// Sub("ssh") on {"ssh.port": 22, "ssh.user": "root"} returns {"port": 22, "user": "root"}.
func (e *Environment) Sub(prefix string) map[string]ldvalue.Value {
	prefix = strings.TrimSuffix(prefix, ".") + "."
	ret := make(map[string]ldvalue.Value)
	for _, k := range e.Keys() {
		if strings.HasPrefix(k, prefix) {
			ret[strings.TrimPrefix(k, prefix)] = e.Get(k)
		}
	}
	return ret
}
