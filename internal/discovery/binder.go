package discovery

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/vcapd/internal/events"
	"github.com/smazurov/vcapd/internal/logging"
	"github.com/smazurov/vcapd/internal/vdev"
)

// DefaultCompatible is the device-tree compatible string of the capture
// bridge.
const DefaultCompatible = "qcom,msm-ba"

// ErrAlreadyRegistered is returned by Register when a binding is active.
var ErrAlreadyRegistered = errors.New("discovery already registered")

// ErrNoBinding is returned by Register for a nil binding.
var ErrNoBinding = errors.New("nil binding")

// Config is shared by the discovery sources.
type Config struct {
	Compatible string      // defaults to DefaultCompatible
	EventBus   *events.Bus // optional
	Logger     *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Compatible == "" {
		c.Compatible = DefaultCompatible
	}
	if c.Logger == nil {
		c.Logger = logging.GetLogger("discovery")
	}
}

// binder tracks the devices handed to a Binding so they can be removed in
// reverse order on unregister.
type binder struct {
	cfg Config

	mu      sync.Mutex
	binding vdev.Binding
	bound   []vdev.DiscoveryHandle
}

func (b *binder) register(binding vdev.Binding) error {
	if binding == nil {
		return ErrNoBinding
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.binding != nil {
		return ErrAlreadyRegistered
	}
	b.binding = binding
	return nil
}

func (b *binder) active() vdev.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binding
}

// handle builds a discovery handle from an event.
func (b *binder) handle(ev *Event) vdev.DiscoveryHandle {
	name := ev.Name()
	return vdev.DiscoveryHandle{
		Name:       name,
		ID:         deviceID(name),
		Compatible: b.cfg.Compatible,
		Properties: ev.Env,
	}
}

// probe binds ev when it matches and is not bound yet.
func (b *binder) probe(ev *Event) {
	if !ev.Matches(b.cfg.Compatible) {
		return
	}
	h := b.handle(ev)
	if h.Name == "" {
		return
	}

	b.mu.Lock()
	binding := b.binding
	if binding == nil || b.isBound(h.Name) {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	logger := b.cfg.Logger.With("device", h.Name)
	logger.Info("Probing device", "compatible", h.Compatible)
	err := binding.Probe(h)
	if err != nil {
		logger.Error("Probe failed", "error", err)
	} else {
		b.mu.Lock()
		b.bound = append(b.bound, h)
		b.mu.Unlock()
	}
	b.publish(h, "added", err)
}

// remove unbinds the device called name if it is bound.
func (b *binder) remove(name string) {
	b.mu.Lock()
	idx := slices.IndexFunc(b.bound, func(h vdev.DiscoveryHandle) bool { return h.Name == name })
	if idx < 0 || b.binding == nil {
		b.mu.Unlock()
		return
	}
	h := b.bound[idx]
	b.bound = slices.Delete(b.bound, idx, idx+1)
	binding := b.binding
	b.mu.Unlock()

	err := binding.Remove(h)
	if err != nil {
		b.cfg.Logger.Error("Remove failed", "device", h.Name, "error", err)
	} else {
		b.cfg.Logger.Info("Device removed", "device", h.Name)
	}
	b.publish(h, "removed", err)
}

// unregister removes every bound device, newest first, and drops the
// binding.
func (b *binder) unregister() {
	for {
		b.mu.Lock()
		if len(b.bound) == 0 {
			b.binding = nil
			b.mu.Unlock()
			return
		}
		name := b.bound[len(b.bound)-1].Name
		b.mu.Unlock()
		b.remove(name)
	}
}

// Bound returns the names of the bound devices in bind order.
func (b *binder) Bound() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.bound))
	for i, h := range b.bound {
		names[i] = h.Name
	}
	return names
}

func (b *binder) isBound(name string) bool {
	return slices.ContainsFunc(b.bound, func(h vdev.DiscoveryHandle) bool { return h.Name == name })
}

func (b *binder) publish(h vdev.DiscoveryHandle, action string, err error) {
	if b.cfg.EventBus == nil {
		return
	}
	ev := events.DeviceDiscoveryEvent{
		Device:     h.Name,
		Compatible: h.Compatible,
		Action:     action,
		Timestamp:  time.Now().Format(time.RFC3339),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	b.cfg.EventBus.Publish(ev)
}
