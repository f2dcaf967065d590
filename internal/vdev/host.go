package vdev

import "fmt"

const (
	// DriverName is the name the device registers under with the host.
	DriverName = "msm_ba_v4l2"
	// ModelName is the topology model of the device.
	ModelName = "msm-ba"
	// BaseDeviceNumber is the fixed minor number of the published node.
	BaseDeviceNumber = 35
	// EntityGroupID is the topology group of the device node entity.
	EntityGroupID = 2
)

// NodeClass is the class of a published device node.
type NodeClass int

// Node classes.
const (
	NodeClassGrabber NodeClass = iota
	NodeClassVBI
	NodeClassRadio
	NodeClassSubdev
)

func (c NodeClass) String() string {
	switch c {
	case NodeClassGrabber:
		return "video"
	case NodeClassVBI:
		return "vbi"
	case NodeClassRadio:
		return "radio"
	case NodeClassSubdev:
		return "v4l-subdev"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// DiscoveryHandle describes a discovered platform device.
type DiscoveryHandle struct {
	Name       string            // platform device name, e.g. "msm_ba.0"
	ID         int               // platform device id
	Compatible string            // matched compatible string
	Properties map[string]string // raw properties from the bus
}

// NotifyFunc receives notifications raised by the host for a registered device.
type NotifyFunc func(n Notification)

// DeviceManager registers devices with the host's device-management facility.
type DeviceManager interface {
	RegisterDevice(name string, parent DiscoveryHandle, notify NotifyFunc) error
	UnregisterDevice(name string)
}

// NodeOps is the operation table a published node routes client calls to.
type NodeOps interface {
	OpenSession() (SessionHandle, error)
	CloseSession(h SessionHandle) error
	Dispatch(h SessionHandle, kind RequestKind, p Payload) (Payload, error)
	PollSession(h SessionHandle) ReadinessMask
}

// NodeDescriptor is handed to the NodePublisher on attach.
type NodeDescriptor struct {
	Name    string
	Class   NodeClass
	Minor   int
	Ops     NodeOps
	Release func()
}

// NodePublisher publishes and unpublishes device nodes.
type NodePublisher interface {
	Publish(desc *NodeDescriptor) (string, error)
	Unpublish(nodeID string) error
}

// Topology registers logical entities for published nodes.
type Topology interface {
	RegisterEntity(model, node string, groupID int) error
	UnregisterEntity(node string)
}

// DebugHandle is an opaque introspection handle.
type DebugHandle interface {
	Name() string
}

// Introspector creates introspection entries for the driver and its device.
type Introspector interface {
	CreateRoot(name string) (DebugHandle, error)
	CreateDevice(root DebugHandle, name string, snapshot func() any) (DebugHandle, error)
	Remove(h DebugHandle)
}

// Host bundles the external facilities the driver runs against.
type Host struct {
	Devices      DeviceManager
	Nodes        NodePublisher
	Topology     Topology     // optional
	Introspector Introspector // optional
}

func (h Host) validate() error {
	if h.Devices == nil {
		return fmt.Errorf("host device manager is required")
	}
	if h.Nodes == nil {
		return fmt.Errorf("host node publisher is required")
	}
	return nil
}

// Tracker observes allocation and release of contexts. It is used for
// leak accounting and metrics.
type Tracker interface {
	Alloc(kind string)
	Free(kind string)
}

// Tracked object kinds.
const (
	KindDriver   = "driver"
	KindDevice   = "device"
	KindInstance = "instance"
	KindSink     = "sink"
)

type nopTracker struct{}

func (nopTracker) Alloc(string) {}
func (nopTracker) Free(string)  {}
