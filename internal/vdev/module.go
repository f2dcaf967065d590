package vdev

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/vcapd/internal/logging"
)

// Binding receives devices found by a Discovery source.
type Binding interface {
	Probe(h DiscoveryHandle) error
	Remove(h DiscoveryHandle) error
}

// Discovery delivers platform devices to a Binding until unregistered.
type Discovery interface {
	Register(b Binding) error
	Unregister()
}

// Module is the host lifecycle anchor. It holds the single driver context
// slot and exposes the module, attach and session entry points. Every
// caller receives the Module explicitly; there is no package-level state.
type Module struct {
	cfg       Config
	discovery Discovery
	logger    *slog.Logger

	mu     sync.Mutex
	driver *Driver
	bound  map[string]*Device // discovery handle name -> device
}

// NewModule creates a module. discovery may be nil when devices are
// attached directly through Attach.
func NewModule(cfg Config, discovery Discovery) *Module {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetLogger("vdev")
	}
	return &Module{
		cfg:       cfg,
		discovery: discovery,
		logger:    logger,
		bound:     make(map[string]*Device),
	}
}

// Create creates the driver context. It fails with AlreadyExists when one
// exists.
func (m *Module) Create() (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driver != nil {
		m.logger.Error("Driver context already created")
		return nil, newError(CodeAlreadyExists, "create", "driver context already created", nil)
	}
	drv, err := newDriver(m.cfg)
	if err != nil {
		return nil, err
	}
	m.driver = drv
	return drv, nil
}

// Destroy destroys the driver context. It fails with NotFound when none
// exists and with Busy while it owns a device.
func (m *Module) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driver == nil {
		m.logger.Error("Driver context non existent")
		return newError(CodeNotFound, "destroy", "no driver context", nil)
	}
	if err := m.driver.destroy(); err != nil {
		return err
	}
	m.driver = nil
	return nil
}

// Driver returns the current driver context, or nil.
func (m *Module) Driver() *Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver
}

// Init creates the driver context and registers for device discovery. A
// discovery registration failure destroys the driver context again.
func (m *Module) Init() error {
	m.logger.Info("Module init")
	if _, err := m.Create(); err != nil {
		return err
	}
	if m.discovery == nil {
		return nil
	}
	if err := m.discovery.Register(m); err != nil {
		m.logger.Error("Failed to register for device discovery", "error", err)
		if derr := m.Destroy(); derr != nil {
			m.logger.Warn("Failed to destroy driver context after init failure", "error", derr)
		}
		return newError(CodeRegistrationFailed, "init", "discovery registration failed", err)
	}
	return nil
}

// Exit unregisters discovery, detaches a still attached device and
// destroys the driver context. Under the reject policy Exit fails with
// Busy while sessions are open, leaving the driver and its discovery
// registration in place so it can be retried.
func (m *Module) Exit() error {
	m.logger.Info("Module exit")
	drv := m.Driver()
	if drv != nil && drv.DetachPolicy() == DetachReject {
		if dev := drv.Device(); dev != nil {
			if n := dev.InstanceCount(); n > 0 {
				m.logger.Warn("Module exit rejected, sessions still open", "sessions", n)
				return newError(CodeBusy, "exit", fmt.Sprintf("%d sessions open", n), nil)
			}
		}
	}

	if m.discovery != nil {
		m.discovery.Unregister()
	}
	if drv != nil {
		if dev := drv.Device(); dev != nil {
			if err := m.Detach(dev); err != nil {
				m.logger.Error("Failed to detach device on exit", "error", err)
				m.reregister()
				return err
			}
		}
	}
	return m.Destroy()
}

// reregister restores the discovery registration after a failed exit.
func (m *Module) reregister() {
	if m.discovery == nil {
		return
	}
	if err := m.discovery.Register(m); err != nil {
		m.logger.Warn("Failed to restore discovery registration", "error", err)
	}
}

// Attach is the driver attach entry point.
func (m *Module) Attach(h DiscoveryHandle) (*Device, error) {
	drv := m.Driver()
	if drv == nil {
		m.logger.Error("Driver context not yet created", "device", h.Name)
		return nil, newError(CodeInvalidState, "attach", "driver context not created", nil)
	}
	dev, err := drv.Attach(h)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.bound[h.Name] = dev
	m.mu.Unlock()
	return dev, nil
}

// Detach is the driver detach entry point.
func (m *Module) Detach(dev *Device) error {
	if dev == nil {
		m.logger.Error("Detach invoked without device")
		return newError(CodeInvalidState, "detach", "nil device", nil)
	}
	drv := m.Driver()
	if drv == nil {
		return newError(CodeInvalidState, "detach", "driver context not created", nil)
	}
	if err := drv.Detach(dev); err != nil {
		return err
	}
	m.mu.Lock()
	if m.bound[dev.handle.Name] == dev {
		delete(m.bound, dev.handle.Name)
	}
	m.mu.Unlock()
	return nil
}

// Probe implements Binding. Probing the device already bound under h.Name
// succeeds, so a discovery source registered again after a failed Exit can
// replay it.
func (m *Module) Probe(h DiscoveryHandle) error {
	m.mu.Lock()
	cur := m.bound[h.Name]
	m.mu.Unlock()
	if drv := m.Driver(); cur != nil && drv != nil && drv.Device() == cur {
		return nil
	}
	_, err := m.Attach(h)
	return err
}

// Remove implements Binding.
func (m *Module) Remove(h DiscoveryHandle) error {
	m.mu.Lock()
	dev := m.bound[h.Name]
	m.mu.Unlock()
	if dev == nil {
		return newError(CodeInvalidState, "remove", "no device bound to "+h.Name, nil)
	}
	return m.Detach(dev)
}

func (m *Module) currentDevice(op string) (*Device, error) {
	drv := m.Driver()
	if drv == nil {
		return nil, newError(CodeInvalidState, op, "driver context not created", nil)
	}
	dev := drv.Device()
	if dev == nil {
		return nil, newError(CodeNotFound, op, "no device attached", nil)
	}
	return dev, nil
}

// SessionOpen opens a session on the attached device.
func (m *Module) SessionOpen() (SessionHandle, error) {
	dev, err := m.currentDevice("open")
	if err != nil {
		return SessionHandle{}, err
	}
	return dev.OpenSession()
}

// SessionClose closes the session identified by h.
func (m *Module) SessionClose(h SessionHandle) error {
	dev, err := m.currentDevice("close")
	if err != nil {
		return err
	}
	return dev.CloseSession(h)
}

// Dispatch routes one request for the session identified by h. Unknown
// kinds fail with Unsupported whatever the driver state; a request for a
// session whose device is gone fails with InvalidState.
func (m *Module) Dispatch(h SessionHandle, kind RequestKind, p Payload) (Payload, error) {
	if !kind.Known() {
		return nil, unsupportedKind(kind)
	}
	drv := m.Driver()
	if drv == nil {
		return nil, newError(CodeInvalidState, string(kind), "driver context not created", nil)
	}
	dev := drv.Device()
	if dev == nil {
		return nil, newError(CodeInvalidState, string(kind), "session "+h.String()+" has no device", nil)
	}
	return dev.Dispatch(h, kind, p)
}

// Poll reports the readiness of the session identified by h.
func (m *Module) Poll(h SessionHandle) ReadinessMask {
	dev, err := m.currentDevice("poll")
	if err != nil {
		return PollErr
	}
	return dev.PollSession(h)
}

// DequeueEvent pops the oldest pending notification of the session.
func (m *Module) DequeueEvent(h SessionHandle) (Notification, error) {
	dev, err := m.currentDevice("dequeue-event")
	if err != nil {
		return Notification{}, err
	}
	inst, err := dev.Lookup(h)
	if err != nil {
		return Notification{}, err
	}
	return dev.DequeueEvent(inst)
}
