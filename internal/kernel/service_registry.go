package kernel

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"shardcast/pkg/shardcast"
)

// ServiceRegistry holds the shared services components resolve during OnStart.
//
// Registration closes once the kernel starts running, so every component observes
// the same service set.
type ServiceRegistry struct {
	mu      sync.RWMutex
	entries map[string]serviceEntry
	sealed  bool
}

type serviceEntry struct {
	value    any
	typeName string
}

var _ shardcast.ServiceRegistry = (*ServiceRegistry)(nil)

// NewServiceRegistry creates an open, empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{entries: make(map[string]serviceEntry)}
}

// Register binds service to name until the registry is sealed.
func (r *ServiceRegistry) Register(name string, service any) error {
	switch {
	case name == "":
		return fmt.Errorf("register service: empty name")
	case isNilService(service):
		return fmt.Errorf("register service %s: nil service", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register service %s: %w", name, shardcast.ErrServicesSealed)
	}
	if existing, taken := r.entries[name]; taken {
		return fmt.Errorf("register service %s over %s: %w", name, existing.typeName, shardcast.ErrServiceAlreadyRegistered)
	}
	r.entries[name] = serviceEntry{value: service, typeName: fmt.Sprintf("%T", service)}

	return nil
}

// Resolve returns the service bound to name.
func (r *ServiceRegistry) Resolve(name string) (any, error) {
	if name == "" {
		return nil, fmt.Errorf("resolve service: empty name")
	}

	r.mu.RLock()
	entry, found := r.entries[name]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("resolve service %s: %w", name, shardcast.ErrServiceNotFound)
	}

	return entry.value, nil
}

// Names lists registered service names in sorted order.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)

	return names
}

// seal closes registration. It reports whether this call sealed the registry.
func (r *ServiceRegistry) seal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return false
	}
	r.sealed = true

	return true
}

// isNilService reports nil interfaces and typed nil pointers, maps, slices, funcs, and channels.
func isNilService(service any) bool {
	if service == nil {
		return true
	}

	value := reflect.ValueOf(service)
	switch value.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return value.IsNil()
	default:
		return false
	}
}
