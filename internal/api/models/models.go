package models

import (
	"time"

	"github.com/smazurov/vcapd/internal/host"
	"github.com/smazurov/vcapd/internal/vdev"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"device attached" doc:"Status message"`
	Device  string `json:"device,omitempty" example:"msm_ba.0" doc:"Attached platform device"`
	Node    string `json:"node,omitempty" example:"video35" doc:"Device node name"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Name      string `json:"name" example:"vcapd" doc:"Program name"`
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27" doc:"Build date"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Driver models
type DriverData struct {
	Created        bool                 `json:"created" doc:"Whether the driver context exists"`
	Driver         string               `json:"driver" example:"msm_ba_v4l2" doc:"Registered driver name"`
	Minor          int                  `json:"minor,omitempty" example:"35" doc:"Node minor number"`
	DetachPolicy   string               `json:"detach_policy,omitempty" example:"reject" doc:"Detach behaviour with open sessions"`
	TopologyPolicy string               `json:"topology_policy,omitempty" example:"lenient" doc:"Topology registration failure handling"`
	RequestKinds   []string             `json:"request_kinds,omitempty" doc:"Supported request kinds"`
	Device         *vdev.DeviceSnapshot `json:"device,omitempty" doc:"Attached device"`
}

type DriverResponse struct {
	Body DriverData
}

// Device models
type DeviceResponse struct {
	Body vdev.DeviceSnapshot
}

type AttachData struct {
	Name       string            `json:"name" minLength:"1" example:"msm_ba.0" doc:"Platform device name"`
	ID         int               `json:"id,omitempty" example:"0" doc:"Platform device id"`
	Compatible string            `json:"compatible,omitempty" example:"qcom,msm-ba" doc:"Compatible string"`
	Properties map[string]string `json:"properties,omitempty" doc:"Bus properties"`
}

type AttachRequest struct {
	Body AttachData
}

type DetachData struct {
	Device   string `json:"device" example:"msm_ba.0" doc:"Platform device name"`
	Node     string `json:"node" example:"video35" doc:"Node name"`
	Detached bool   `json:"detached" doc:"Whether the device was detached"`
}

type DetachResponse struct {
	Body DetachData
}

// Session models
type SessionData struct {
	ID       string    `json:"id" example:"4b1c2f8e-..." doc:"Session identifier"`
	Handle   string    `json:"handle" example:"1.1" doc:"Generation-tagged session handle"`
	Node     string    `json:"node" example:"video35" doc:"Node the session is open on"`
	OpenedAt time.Time `json:"opened_at" doc:"When the session was opened"`
}

type SessionResponse struct {
	Body SessionData
}

type SessionListData struct {
	Sessions []SessionData `json:"sessions" doc:"Open sessions"`
	Count    int           `json:"count" example:"1" doc:"Number of open sessions"`
}

type SessionListResponse struct {
	Body SessionListData
}

type DispatchBody struct {
	Payload any `json:"payload,omitempty" doc:"Request payload"`
}

type DispatchData struct {
	Session string `json:"session" doc:"Session identifier"`
	Kind    string `json:"kind" example:"get-format" doc:"Request kind"`
	Status  int    `json:"status" example:"0" doc:"Host status, zero or a negative errno"`
	Payload any    `json:"payload,omitempty" doc:"Response payload"`
}

type DispatchResponse struct {
	Body DispatchData
}

type PollData struct {
	Session string   `json:"session" doc:"Session identifier"`
	Mask    uint32   `json:"mask" example:"67" doc:"Readiness mask"`
	Flags   []string `json:"flags" doc:"Readiness flag names"`
}

type PollResponse struct {
	Body PollData
}

type EventData struct {
	Session  string `json:"session" doc:"Session identifier"`
	Kind     string `json:"kind" example:"source-change" doc:"Notification kind"`
	Sequence uint64 `json:"sequence" example:"1" doc:"Notification sequence number"`
	Payload  any    `json:"payload,omitempty" doc:"Notification data"`
}

type EventResponse struct {
	Body EventData
}

// Host models
type NodeListData struct {
	Nodes []host.NodeInfo `json:"nodes" doc:"Published nodes"`
	Count int             `json:"count" example:"1" doc:"Number of nodes"`
}

type NodeListResponse struct {
	Body NodeListData
}

type TopologyData struct {
	Entities []host.Entity `json:"entities" doc:"Registered topology entities"`
}

type TopologyResponse struct {
	Body TopologyData
}

type DebugFSListData struct {
	Paths []string `json:"paths" doc:"Introspection entry paths"`
}

type DebugFSListResponse struct {
	Body DebugFSListData
}

type DebugFSEntryData struct {
	Path  string `json:"path" example:"msm_ba_v4l2/video35" doc:"Entry path"`
	Value any    `json:"value,omitempty" doc:"Entry snapshot"`
}

type DebugFSEntryResponse struct {
	Body DebugFSEntryData
}

// Logging models
type LogLevelsData struct {
	Levels map[string]string `json:"levels" doc:"Log level per module"`
}

type LogLevelsResponse struct {
	Body LogLevelsData
}

type SetLogLevelRequest struct {
	Body struct {
		Module string `json:"module" minLength:"1" example:"vdev" doc:"Logger module"`
		Level  string `json:"level" enum:"debug,info,warn,error" example:"debug" doc:"Log level"`
	}
}
