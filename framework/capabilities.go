package framework

// Capabilities is a list of strings describing optional features of the device under test,
// such as "raid", "usb-slurp", or "wifi". Suites use them to skip cases the hardware cannot run.
type Capabilities []string

// Has returns true if the specified string appears in the list.
func (cs Capabilities) Has(name string) bool {
	for _, c := range cs {
		if c == name {
			return true
		}
	}
	return false
}

// HasAll returns true if every one of the specified strings appears in the list.
func (cs Capabilities) HasAll(names ...string) bool {
	for _, n := range names {
		if !cs.Has(n) {
			return false
		}
	}
	return true
}

// Missing returns the names that do not appear in the list, in the order given.
func (cs Capabilities) Missing(names ...string) []string {
	var ret []string
	for _, n := range names {
		if !cs.Has(n) {
			ret = append(ret, n)
		}
	}
	return ret
}
