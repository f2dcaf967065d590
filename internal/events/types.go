package events

// Event type constants for kelindar/event.
const (
	TypeDeviceAttached uint32 = iota + 1
	TypeDeviceDetached
	TypeDeviceDiscovery
	TypeSessionOpened
	TypeSessionClosed
	TypeStreamStateChanged
	TypeDeviceNotification
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// DeviceAttachedEvent is published when a capture device node is published.
type DeviceAttachedEvent struct {
	Device     string `json:"device" example:"msm_ba.0" doc:"Platform device name"`
	Node       string `json:"node" example:"video35" doc:"Published node name"`
	Minor      int    `json:"minor" example:"35" doc:"Node minor number"`
	Generation uint64 `json:"generation" example:"1" doc:"Attachment generation"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceAttachedEvent.
func (e DeviceAttachedEvent) Type() uint32 { return TypeDeviceAttached }

// DeviceDetachedEvent is published after a device node is torn down.
type DeviceDetachedEvent struct {
	Device       string `json:"device" example:"msm_ba.0" doc:"Platform device name"`
	Node         string `json:"node" example:"video35" doc:"Node name"`
	Generation   uint64 `json:"generation" example:"1" doc:"Attachment generation"`
	ForcedCloses int    `json:"forced_closes" example:"0" doc:"Sessions closed by the detach"`
	Timestamp    string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceDetachedEvent.
func (e DeviceDetachedEvent) Type() uint32 { return TypeDeviceDetached }

// DeviceDiscoveryEvent represents platform device hotplug events.
type DeviceDiscoveryEvent struct {
	Device     string `json:"device" example:"msm_ba.0" doc:"Platform device name"`
	Compatible string `json:"compatible" example:"qcom,msm-ba" doc:"Matched compatible string"`
	Action     string `json:"action" example:"added" doc:"Action type: added, removed"`
	Error      string `json:"error,omitempty" doc:"Bind or unbind failure"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceDiscoveryEvent.
func (e DeviceDiscoveryEvent) Type() uint32 { return TypeDeviceDiscovery }

// SessionOpenedEvent is published when a client session is opened.
type SessionOpenedEvent struct {
	Node      string `json:"node" example:"video35" doc:"Node name"`
	Session   string `json:"session" example:"1.3" doc:"Session handle"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionOpenedEvent.
func (e SessionOpenedEvent) Type() uint32 { return TypeSessionOpened }

// SessionClosedEvent is published once a client session is released.
type SessionClosedEvent struct {
	Node      string `json:"node" example:"video35" doc:"Node name"`
	Session   string `json:"session" example:"1.3" doc:"Session handle"`
	Status    int    `json:"status" example:"0" doc:"Backend release status"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionClosedEvent.
func (e SessionClosedEvent) Type() uint32 { return TypeSessionClosed }

// StreamStateChangedEvent is published when a session starts or stops streaming.
type StreamStateChangedEvent struct {
	Node      string `json:"node" example:"video35" doc:"Node name"`
	Session   string `json:"session" example:"1.3" doc:"Session handle"`
	From      string `json:"from" example:"open" doc:"Previous session state"`
	To        string `json:"to" example:"streaming" doc:"New session state"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStateChangedEvent.
func (e StreamStateChangedEvent) Type() uint32 { return TypeStreamStateChanged }

// IsStreaming reports whether the session entered the streaming state.
func (e StreamStateChangedEvent) IsStreaming() bool {
	return e.To == "streaming"
}

// DeviceNotificationEvent mirrors a device notification fanned out to sessions.
type DeviceNotificationEvent struct {
	Node      string `json:"node" example:"video35" doc:"Node name"`
	Kind      string `json:"kind" example:"source-change" doc:"Notification kind"`
	Sequence  uint64 `json:"sequence" example:"7" doc:"Per-device notification sequence"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceNotificationEvent.
func (e DeviceNotificationEvent) Type() uint32 { return TypeDeviceNotification }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"api" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
