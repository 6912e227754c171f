// SPDX-License-Identifier: MIT

package protocol

import (
	"fmt"
	"sort"
	"sync"
)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Dialer)
)

// Register makes a dialer available under a driver name. The wire
// protocol adapter registers itself from its own package; the
// orchestrator core never imports it.
func Register(name string, dialer Dialer) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if dialer == nil {
		panic("protocol: Register dialer is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("protocol: Register called twice for driver " + name)
	}
	drivers[name] = dialer
}

// Open returns the dialer registered under the driver name.
func Open(name string) (Dialer, error) {
	driversMu.RLock()
	dialer, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("protocol: unknown driver %q (registered: %v)", name, Drivers())
	}
	return dialer, nil
}

// Drivers returns the names of the registered drivers, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
