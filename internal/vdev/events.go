package vdev

import (
	"time"

	"github.com/smazurov/vcapd/internal/events"
)

// publisher forwards lifecycle events to the application bus. A nil bus
// discards them.
type publisher struct {
	bus *events.Bus
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

func (p publisher) deviceAttached(d *Device) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.DeviceAttachedEvent{
		Device:     d.handle.Name,
		Node:       d.NodeName(),
		Minor:      d.node.Minor,
		Generation: d.gen,
		Timestamp:  now(),
	})
}

func (p publisher) deviceDetached(d *Device, forced int) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.DeviceDetachedEvent{
		Device:       d.handle.Name,
		Node:         d.NodeName(),
		Generation:   d.gen,
		ForcedCloses: forced,
		Timestamp:    now(),
	})
}

func (p publisher) sessionOpened(inst *Instance) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.SessionOpenedEvent{
		Node:      inst.dev.NodeName(),
		Session:   inst.Handle().String(),
		Timestamp: now(),
	})
}

func (p publisher) sessionClosed(inst *Instance, status int) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.SessionClosedEvent{
		Node:      inst.dev.NodeName(),
		Session:   inst.Handle().String(),
		Status:    status,
		Timestamp: now(),
	})
}

func (p publisher) streamStateChanged(inst *Instance, from, to SessionState) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.StreamStateChangedEvent{
		Node:      inst.dev.NodeName(),
		Session:   inst.Handle().String(),
		From:      from.String(),
		To:        to.String(),
		Timestamp: now(),
	})
}

func (p publisher) notification(d *Device, n Notification) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.DeviceNotificationEvent{
		Node:      d.NodeName(),
		Kind:      n.Kind.String(),
		Sequence:  n.Sequence,
		Timestamp: now(),
	})
}

func (d *Device) publishSessionOpened(inst *Instance) {
	d.dispatcher.bus.sessionOpened(inst)
}

func (d *Device) publishSessionClosed(inst *Instance, status int) {
	d.dispatcher.bus.sessionClosed(inst, status)
}
