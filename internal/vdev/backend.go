package vdev

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Payload is an opaque request or response body. The core never interprets it.
type Payload []byte

// Backend performs the device-level operations behind each request kind.
// Device-wide queries receive the Device and are called with its lock held.
type Backend interface {
	OpenSession(inst *Instance) error
	CloseSession(inst *Instance) error

	QueryCapabilities(dev *Device) (Payload, error)
	EnumerateInputs(dev *Device, req Payload) (Payload, error)

	GetInput(inst *Instance) (Payload, error)
	SetInput(inst *Instance, req Payload) error
	EnumerateFormats(inst *Instance, req Payload) (Payload, error)
	SetFormat(inst *Instance, req Payload) error
	GetFormat(inst *Instance) (Payload, error)
	GetControl(inst *Instance, req Payload) (Payload, error)
	SetControl(inst *Instance, req Payload) error
	SetExtendedControls(inst *Instance, req Payload) error
	StreamOn(inst *Instance, req Payload) error
	StreamOff(inst *Instance, req Payload) error
	SetStreamParameters(inst *Instance, req Payload) error

	// Readiness reports data readiness for a streaming instance.
	Readiness(inst *Instance) ReadinessMask
}

// ReadinessMask is a poll(2) style event mask.
type ReadinessMask uint32

// Readiness bits.
const (
	PollIn     ReadinessMask = unix.POLLIN
	PollPri    ReadinessMask = unix.POLLPRI
	PollErr    ReadinessMask = unix.POLLERR
	PollHup    ReadinessMask = unix.POLLHUP
	PollRdNorm ReadinessMask = 0x40 // POLLRDNORM, absent from x/sys/unix on linux
)

// Has reports whether all bits of flag are set.
func (m ReadinessMask) Has(flag ReadinessMask) bool {
	return m&flag == flag
}

// Flags returns the names of the set bits.
func (m ReadinessMask) Flags() []string {
	var flags []string
	for _, f := range []struct {
		bit  ReadinessMask
		name string
	}{
		{PollIn, "in"},
		{PollPri, "pri"},
		{PollErr, "err"},
		{PollHup, "hup"},
		{PollRdNorm, "rdnorm"},
	} {
		if m&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return flags
}

func (m ReadinessMask) String() string {
	if m == 0 {
		return "none"
	}
	return strings.Join(m.Flags(), "|")
}

// NotificationKind classifies a device notification.
type NotificationKind uint32

// Notification kinds.
const (
	NotifySourceChange NotificationKind = iota + 1
	NotifySignalLost
	NotifySignalLocked
	NotifyEndOfStream
)

func (k NotificationKind) String() string {
	switch k {
	case NotifySourceChange:
		return "source-change"
	case NotifySignalLost:
		return "signal-lost"
	case NotifySignalLocked:
		return "signal-locked"
	case NotifyEndOfStream:
		return "end-of-stream"
	default:
		return "unknown"
	}
}

// typeNotification is the kelindar/event type id of Notification.
const typeNotification uint32 = 0x7664_0001

// Notification is an asynchronous event delivered to instance event sinks.
type Notification struct {
	Kind     NotificationKind
	Sequence uint64
	Data     Payload
}

// Type implements the kelindar/event Event interface.
func (Notification) Type() uint32 { return typeNotification }
