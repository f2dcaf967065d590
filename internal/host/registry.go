package host

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/smazurov/vcapd/internal/logging"
	"github.com/smazurov/vcapd/internal/vdev"
)

// ErrDeviceExists is returned when a device name is registered twice.
var ErrDeviceExists = errors.New("device already registered")

// ErrNoDevice is returned when a notification targets an unknown device.
var ErrNoDevice = errors.New("no such device")

type registration struct {
	parent vdev.DiscoveryHandle
	notify vdev.NotifyFunc
}

// Registry is the device-management facility. It keeps one registration
// per device name and routes notifications to the registered callback.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]registration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]registration),
		logger:  logging.GetLogger("host"),
	}
}

// RegisterDevice implements vdev.DeviceManager.
func (r *Registry) RegisterDevice(name string, parent vdev.DiscoveryHandle, notify vdev.NotifyFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[name]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceExists, name)
	}
	r.devices[name] = registration{parent: parent, notify: notify}
	r.logger.Debug("Device registered", "name", name, "parent", parent.Name)
	return nil
}

// UnregisterDevice implements vdev.DeviceManager.
func (r *Registry) UnregisterDevice(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[name]; !ok {
		r.logger.Warn("Unregister of unknown device", "name", name)
		return
	}
	delete(r.devices, name)
	r.logger.Debug("Device unregistered", "name", name)
}

// Notify delivers n to the callback registered for name.
func (r *Registry) Notify(name string, n vdev.Notification) error {
	r.mu.RLock()
	reg, ok := r.devices[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDevice, name)
	}
	if reg.notify != nil {
		reg.notify(n)
	}
	return nil
}

// Registered reports whether name is registered.
func (r *Registry) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[name]
	return ok
}

// Parent returns the discovery handle name was registered with.
func (r *Registry) Parent(name string) (vdev.DiscoveryHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.devices[name]
	return reg.parent, ok
}

// Names returns the registered device names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
