package vdev

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelindar/event"
)

// DeviceState is the registration state of a device.
type DeviceState int

// Device states.
const (
	StateUninitialized DeviceState = iota
	StateRegistered
	StateUnregistering
)

func (s DeviceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRegistered:
		return "registered"
	case StateUnregistering:
		return "unregistering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device is one attached capture device and its open sessions.
type Device struct {
	gen        uint64
	handle     DiscoveryHandle
	cfg        Config
	backend    Backend
	dispatcher *Dispatcher
	tracker    Tracker
	logger     *slog.Logger
	notify     *event.Dispatcher
	seq        atomic.Uint64

	// set during attach, read-only afterwards
	node     *NodeDescriptor
	nodeID   string
	entity   bool
	debug    DebugHandle
	attached time.Time

	mu        sync.Mutex
	cond      *sync.Cond
	state     DeviceState
	instances []*Instance
	byID      map[uint64]*Instance
	nextID    uint64
	inflight  int
	opening   int
}

func newDevice(drv *Driver, h DiscoveryHandle, gen uint64) *Device {
	d := &Device{
		gen:        gen,
		handle:     h,
		cfg:        drv.cfg,
		backend:    drv.cfg.Backend,
		dispatcher: drv.dispatcher,
		tracker:    drv.cfg.Tracker,
		logger:     drv.logger.With("device", h.Name),
		notify:     event.NewDispatcher(),
		state:      StateUninitialized,
		byID:       make(map[uint64]*Instance),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Generation returns the attachment generation of the device.
func (d *Device) Generation() uint64 { return d.gen }

// Handle returns the discovery handle the device was attached with.
func (d *Device) Handle() DiscoveryHandle { return d.handle }

// NodeName returns the name of the published node.
func (d *Device) NodeName() string {
	if d.node == nil {
		return ""
	}
	return d.node.Name
}

// NodeID returns the identifier assigned by the node publisher.
func (d *Device) NodeID() string { return d.nodeID }

// DebugHandle returns the introspection handle of the device, if any.
func (d *Device) DebugHandle() DebugHandle { return d.debug }

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Instances returns a snapshot of the open sessions in open order.
func (d *Device) Instances() []*Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.instances)
}

// InstanceCount returns the number of open sessions.
func (d *Device) InstanceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.instances)
}

// Lookup resolves a session handle to an open instance.
func (d *Device) Lookup(h SessionHandle) (*Instance, error) {
	if h.Generation != d.gen {
		return nil, newError(CodeNotFound, "lookup", "stale session handle "+h.String(), nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.byID[h.ID]
	if !ok {
		return nil, newError(CodeNotFound, "lookup", "unknown session "+h.String(), nil)
	}
	return inst, nil
}

// withLock runs fn with the device lock held.
func (d *Device) withLock(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}

// Notify delivers a notification to every open session's event sink.
func (d *Device) Notify(kind NotificationKind, data Payload) {
	d.handleNotification(Notification{Kind: kind, Data: data})
}

func (d *Device) handleNotification(n Notification) {
	n.Sequence = d.seq.Add(1)
	d.logger.Debug("Device notification", "kind", n.Kind.String(), "sequence", n.Sequence)
	event.Publish(d.notify, n)
	d.dispatcher.bus.notification(d, n)
}

// DeviceSnapshot is a point-in-time view of a device for introspection.
type DeviceSnapshot struct {
	Name       string             `json:"name"`
	Node       string             `json:"node"`
	Minor      int                `json:"minor"`
	Generation uint64             `json:"generation"`
	State      string             `json:"state"`
	AttachedAt time.Time          `json:"attached_at"`
	Instances  []InstanceSnapshot `json:"instances"`
}

// InstanceSnapshot is a point-in-time view of one session.
type InstanceSnapshot struct {
	ID            uint64    `json:"id"`
	Handle        string    `json:"handle"`
	State         string    `json:"state"`
	PendingEvents int       `json:"pending_events"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Snapshot returns the introspection view of the device.
func (d *Device) Snapshot() DeviceSnapshot {
	d.mu.Lock()
	snap := DeviceSnapshot{
		Name:       d.handle.Name,
		Node:       d.NodeName(),
		Generation: d.gen,
		State:      d.state.String(),
		AttachedAt: d.attached,
		Instances:  make([]InstanceSnapshot, 0, len(d.instances)),
	}
	if d.node != nil {
		snap.Minor = d.node.Minor
	}
	for _, inst := range d.instances {
		snap.Instances = append(snap.Instances, InstanceSnapshot{
			ID:            inst.id,
			Handle:        inst.Handle().String(),
			State:         inst.State().String(),
			PendingEvents: inst.sink.pending(),
			OpenedAt:      inst.openedAt,
		})
	}
	d.mu.Unlock()
	return snap
}

// OpenSession implements NodeOps.
func (d *Device) OpenSession() (SessionHandle, error) {
	inst, err := d.Open()
	if err != nil {
		return SessionHandle{}, err
	}
	return inst.Handle(), nil
}

// CloseSession implements NodeOps.
func (d *Device) CloseSession(h SessionHandle) error {
	inst, err := d.Lookup(h)
	if err != nil {
		return err
	}
	return d.Close(inst)
}

// Dispatch implements NodeOps.
func (d *Device) Dispatch(h SessionHandle, kind RequestKind, p Payload) (Payload, error) {
	if !d.dispatcher.Supports(kind) {
		return d.dispatcher.Dispatch(nil, kind, p)
	}
	inst, err := d.Lookup(h)
	if err != nil {
		return nil, newError(CodeInvalidState, string(kind), "session "+h.String()+" is not open", nil)
	}
	return d.dispatcher.Dispatch(inst, kind, p)
}

// PollSession implements NodeOps.
func (d *Device) PollSession(h SessionHandle) ReadinessMask {
	inst, err := d.Lookup(h)
	if err != nil {
		return PollErr
	}
	return d.Poll(inst)
}
