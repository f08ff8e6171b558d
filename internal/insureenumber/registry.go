package insureenumber

import (
	"sort"
	"sync"
)

var (
	funcsMu sync.RWMutex
	funcs   = map[string]Func{
		"md-resident":     MoldovanResident,
		"md-organization": MoldovanOrganization,
		"md-vehicle":      MoldovanVehicle,
	}
)

// Register makes a custom validator selectable by name through Config.Validator.
// Registering an existing name replaces it.
func Register(name string, fn Func) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	funcs[name] = fn
}

// Lookup returns the custom validator registered under name.
func Lookup(name string) (Func, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// Names lists the registered custom validators in lexical order.
func Names() []string {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
