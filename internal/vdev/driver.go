package vdev

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/vcapd/internal/events"
	"github.com/smazurov/vcapd/internal/logging"
)

// DetachPolicy decides what detach does with sessions still open.
type DetachPolicy string

// Detach policies.
const (
	// DetachReject fails detach with Busy while sessions are open.
	DetachReject DetachPolicy = "reject"
	// DetachForce drains in-flight requests and closes every session.
	DetachForce DetachPolicy = "force"
)

// TopologyPolicy decides whether a topology registration failure aborts attach.
type TopologyPolicy string

// Topology policies.
const (
	// TopologyLenient logs the failure and attaches without an entity.
	TopologyLenient TopologyPolicy = "lenient"
	// TopologyStrict fails attach with RegistrationFailed.
	TopologyStrict TopologyPolicy = "strict"
)

// ParseDetachPolicy parses a detach policy name.
func ParseDetachPolicy(s string) (DetachPolicy, error) {
	switch DetachPolicy(s) {
	case DetachReject, DetachForce:
		return DetachPolicy(s), nil
	case "":
		return DetachReject, nil
	}
	return "", fmt.Errorf("unknown detach policy %q", s)
}

// ParseTopologyPolicy parses a topology policy name.
func ParseTopologyPolicy(s string) (TopologyPolicy, error) {
	switch TopologyPolicy(s) {
	case TopologyLenient, TopologyStrict:
		return TopologyPolicy(s), nil
	case "":
		return TopologyLenient, nil
	}
	return "", fmt.Errorf("unknown topology policy %q", s)
}

// Config configures a driver context.
type Config struct {
	Host    Host
	Backend Backend

	Minor          int // defaults to BaseDeviceNumber
	MaxInstances   int // 0 means unlimited
	SinkDepth      int
	DetachPolicy   DetachPolicy
	TopologyPolicy TopologyPolicy

	EventBus *events.Bus  // optional
	Tracker  Tracker      // optional
	Logger   *slog.Logger // defaults to the "vdev" module logger
}

func (c *Config) applyDefaults() {
	if c.Minor == 0 {
		c.Minor = BaseDeviceNumber
	}
	if c.DetachPolicy == "" {
		c.DetachPolicy = DetachReject
	}
	if c.TopologyPolicy == "" {
		c.TopologyPolicy = TopologyLenient
	}
	if c.Tracker == nil {
		c.Tracker = nopTracker{}
	}
	if c.Logger == nil {
		c.Logger = logging.GetLogger("vdev")
	}
}

func (c *Config) validate() error {
	if err := c.Host.validate(); err != nil {
		return err
	}
	if c.Backend == nil {
		return errors.New("backend is required")
	}
	if c.Minor < 0 {
		return fmt.Errorf("invalid minor number %d", c.Minor)
	}
	return nil
}

// Driver is the driver context. It owns at most one Device.
type Driver struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *Dispatcher
	bus        publisher
	debugRoot  DebugHandle

	// device is written with mu held; readers load it without the lock.
	device atomic.Pointer[Device]

	mu        sync.Mutex
	gen       uint64
	destroyed bool
}

func newDriver(cfg Config) (*Driver, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, newError(CodeInvalidState, "create", "invalid configuration", err)
	}
	bus := publisher{bus: cfg.EventBus}
	drv := &Driver{
		cfg:        cfg,
		logger:     cfg.Logger,
		bus:        bus,
		dispatcher: newDispatcher(cfg.Backend, bus, cfg.Logger),
	}
	if cfg.Host.Introspector != nil {
		root, err := cfg.Host.Introspector.CreateRoot(DriverName)
		if err != nil {
			drv.logger.Error("Failed to create introspection root", "error", err)
		} else {
			drv.debugRoot = root
		}
	}
	cfg.Tracker.Alloc(KindDriver)
	drv.logger.Debug("Driver context created", "minor", cfg.Minor)
	return drv, nil
}

// Dispatcher returns the request dispatcher of the driver.
func (drv *Driver) Dispatcher() *Dispatcher { return drv.dispatcher }

// Device returns the attached device, or nil.
func (drv *Driver) Device() *Device {
	return drv.device.Load()
}

// Minor returns the minor number the device node is published under.
func (drv *Driver) Minor() int { return drv.cfg.Minor }

// DetachPolicy returns the configured detach policy.
func (drv *Driver) DetachPolicy() DetachPolicy { return drv.cfg.DetachPolicy }

// TopologyPolicy returns the configured topology policy.
func (drv *Driver) TopologyPolicy() TopologyPolicy { return drv.cfg.TopologyPolicy }

// DebugRoot returns the driver introspection root, if any.
func (drv *Driver) DebugRoot() DebugHandle { return drv.debugRoot }

// destroy releases the driver. It fails with Busy while a device is owned.
func (drv *Driver) destroy() error {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	if dev := drv.device.Load(); dev != nil {
		drv.logger.Error("Device instances exist on driver context")
		return newError(CodeBusy, "destroy", "device "+dev.handle.Name+" still attached", nil)
	}
	if drv.destroyed {
		return newError(CodeNotFound, "destroy", "driver context already destroyed", nil)
	}
	drv.destroyed = true
	if drv.debugRoot != nil {
		drv.cfg.Host.Introspector.Remove(drv.debugRoot)
		drv.debugRoot = nil
	}
	drv.cfg.Tracker.Free(KindDriver)
	return nil
}

// Attach builds, registers and publishes a device for h. On failure every
// completed step is undone and the driver owns no device.
func (drv *Driver) Attach(h DiscoveryHandle) (*Device, error) {
	drv.mu.Lock()
	defer drv.mu.Unlock()

	if drv.destroyed {
		return nil, newError(CodeInvalidState, "attach", "driver context destroyed", nil)
	}
	if cur := drv.device.Load(); cur != nil {
		return nil, newError(CodeBusy, "attach", "device "+cur.handle.Name+" already attached", nil)
	}

	logger := drv.logger.With("device", h.Name)
	logger.Info("Attaching device", "id", h.ID, "compatible", h.Compatible)

	drv.gen++
	dev := newDevice(drv, h, drv.gen)
	drv.cfg.Tracker.Alloc(KindDevice)
	release := func() {
		dev.notify.Close()
		drv.cfg.Tracker.Free(KindDevice)
	}

	host := drv.cfg.Host
	if err := host.Devices.RegisterDevice(DriverName, h, dev.handleNotification); err != nil {
		logger.Error("Failed to register device", "error", err)
		release()
		return nil, newError(CodeRegistrationFailed, "attach", "device registration rejected", err)
	}

	dev.node = &NodeDescriptor{
		Name:    fmt.Sprintf("%s%d", NodeClassGrabber, drv.cfg.Minor),
		Class:   NodeClassGrabber,
		Minor:   drv.cfg.Minor,
		Ops:     dev,
		Release: func() {},
	}

	if host.Topology != nil {
		if err := host.Topology.RegisterEntity(ModelName, dev.node.Name, EntityGroupID); err != nil {
			if drv.cfg.TopologyPolicy == TopologyStrict {
				logger.Error("Failed to register topology entity", "error", err)
				host.Devices.UnregisterDevice(DriverName)
				release()
				return nil, newError(CodeRegistrationFailed, "attach", "topology registration rejected", err)
			}
			logger.Warn("Topology entity registration failed, continuing without entity", "error", err)
		} else {
			dev.entity = true
		}
	}

	nodeID, err := host.Nodes.Publish(dev.node)
	if err != nil {
		logger.Error("Failed to publish video device node", "node", dev.node.Name, "error", err)
		if dev.entity {
			host.Topology.UnregisterEntity(dev.node.Name)
		}
		host.Devices.UnregisterDevice(DriverName)
		release()
		return nil, newError(CodePublishFailed, "attach", "node "+dev.node.Name+" not published", err)
	}
	dev.nodeID = nodeID

	dev.mu.Lock()
	dev.state = StateRegistered
	dev.attached = time.Now()
	dev.mu.Unlock()

	if host.Introspector != nil && drv.debugRoot != nil {
		handle, err := host.Introspector.CreateDevice(drv.debugRoot, dev.node.Name, func() any { return dev.Snapshot() })
		if err != nil {
			logger.Warn("Failed to create device introspection entry", "error", err)
		} else {
			dev.debug = handle
		}
	}

	drv.device.Store(dev)
	logger.Info("Device attached", "node", dev.node.Name, "node_id", nodeID, "generation", dev.gen)
	drv.bus.deviceAttached(dev)
	return dev, nil
}

// Detach unpublishes and releases dev. Detach runs in two phases: the
// device is marked Unregistering so new opens and requests are rejected,
// then open sessions are handled according to the DetachPolicy.
func (drv *Driver) Detach(dev *Device) error {
	if dev == nil {
		return newError(CodeInvalidState, "detach", "nil device", nil)
	}

	drv.mu.Lock()
	defer drv.mu.Unlock()

	if drv.device.Load() != dev {
		return newError(CodeNotFound, "detach", "device "+dev.handle.Name+" is not attached", nil)
	}
	logger := drv.logger.With("device", dev.handle.Name)

	dev.mu.Lock()
	if dev.state != StateRegistered {
		state := dev.state
		dev.mu.Unlock()
		return newError(CodeInvalidState, "detach", "device is "+state.String(), nil)
	}
	if drv.cfg.DetachPolicy == DetachReject && (len(dev.instances) > 0 || dev.opening > 0) {
		open := len(dev.instances)
		dev.mu.Unlock()
		logger.Warn("Detach rejected, sessions still open", "sessions", open)
		return newError(CodeBusy, "detach", fmt.Sprintf("%d sessions open", open), nil)
	}
	dev.state = StateUnregistering
	for dev.inflight > 0 || dev.opening > 0 {
		dev.cond.Wait()
	}
	victims := slices.Clone(dev.instances)
	dev.mu.Unlock()

	for _, inst := range victims {
		if err := dev.Close(inst); err != nil {
			logger.Warn("Forced session close reported an error", "instance", inst.id, "error", err)
		}
	}
	if len(victims) > 0 {
		logger.Info("Closed sessions on detach", "count", len(victims))
	}

	host := drv.cfg.Host
	if err := host.Nodes.Unpublish(dev.nodeID); err != nil {
		logger.Warn("Failed to unpublish video device node", "node", dev.node.Name, "error", err)
	}
	if dev.entity {
		host.Topology.UnregisterEntity(dev.node.Name)
	}
	host.Devices.UnregisterDevice(DriverName)
	if dev.debug != nil {
		host.Introspector.Remove(dev.debug)
		dev.debug = nil
	}

	dev.mu.Lock()
	dev.state = StateUninitialized
	dev.mu.Unlock()
	dev.notify.Close()

	drv.device.Store(nil)
	drv.cfg.Tracker.Free(KindDevice)
	logger.Info("Device detached", "node", dev.node.Name)
	drv.bus.deviceDetached(dev, len(victims))
	return nil
}
