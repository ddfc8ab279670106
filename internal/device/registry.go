package device

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Driver)
)

// Register makes a driver available by name. Backends call it from init.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Name()] = d
}

// Lookup returns the driver registered under name.
func Lookup(name string) (Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown device driver: %s", name)
	}
	return d, nil
}

// Names returns the registered driver names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// preference orders the backends Select tries when no name is given.
// Hardware first, software as the fallback that is always there.
var preference = []string{"v4l2m2m", "soft"}

// Select returns the driver named name, or with name empty the first
// preferred backend that reports at least one device.
func Select(name string) (Driver, error) {
	if name != "" {
		return Lookup(name)
	}
	for _, candidate := range preference {
		d, err := Lookup(candidate)
		if err != nil {
			continue
		}
		devices, err := d.Devices()
		if err != nil || len(devices) == 0 {
			continue
		}
		return d, nil
	}
	return nil, fmt.Errorf("no encode devices found (drivers: %v)", Names())
}
