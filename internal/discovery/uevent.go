// Package discovery finds platform capture devices and binds them to the
// vdev module.
//
// Devices are found either from a static list of platform device names or
// from kernel uevents read over a netlink socket, after a coldplug scan of
// sysfs. A device is bound when one of its OF_COMPATIBLE_* properties
// matches the configured compatible string.
package discovery

import (
	"bytes"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Action constants for uevents.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
	ActionBind   = "bind"
	ActionUnbind = "unbind"
)

// SubsystemPlatform is the subsystem of platform bus devices.
const SubsystemPlatform = "platform"

// Event is a parsed kernel uevent.
type Event struct {
	Action    string
	KObj      string // kernel object path, e.g. /devices/platform/soc/msm_ba.0
	Subsystem string
	Driver    string
	DevPath   string
	Env       map[string]string
}

// ParseUEvent parses a kernel uevent message of the form
// "ACTION@KOBJ\0KEY=VALUE\0KEY=VALUE\0...". It returns nil for malformed
// input.
func ParseUEvent(data []byte) *Event {
	if len(data) == 0 {
		return nil
	}

	// libudev prefixes its own binary header; skip to the action@path part
	if bytes.HasPrefix(data, []byte("libudev")) {
		for i := 0; i < len(data)-1; i++ {
			if data[i] != 0 {
				continue
			}
			rest := data[i+1:]
			idx := bytes.IndexByte(rest, '@')
			nul := bytes.IndexByte(rest, 0)
			if idx > 0 && idx < 20 && (nul < 0 || idx < nul) {
				data = rest
				break
			}
		}
	}

	parts := bytes.Split(data, []byte{0})
	if len(parts[0]) == 0 {
		return nil
	}

	header := string(parts[0])
	atIdx := strings.Index(header, "@")
	if atIdx < 1 {
		return nil
	}

	event := &Event{
		Action: header[:atIdx],
		KObj:   header[atIdx+1:],
		Env:    make(map[string]string),
	}
	parseEnv(event, parts[1:])
	return event
}

// ParseUEventFile parses the KEY=VALUE lines of a sysfs uevent file. The
// returned event carries action "add" and the given kernel object path.
func ParseUEventFile(kobj string, data []byte) *Event {
	event := &Event{
		Action: ActionAdd,
		KObj:   kobj,
		Env:    make(map[string]string),
	}
	parseEnv(event, bytes.Split(data, []byte{'\n'}))
	if event.DevPath == "" {
		event.DevPath = kobj
	}
	return event
}

func parseEnv(event *Event, parts [][]byte) {
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		kv := string(part)
		eqIdx := strings.Index(kv, "=")
		if eqIdx < 1 {
			continue
		}

		key := kv[:eqIdx]
		value := kv[eqIdx+1:]
		event.Env[key] = value

		switch key {
		case "SUBSYSTEM":
			event.Subsystem = value
		case "DRIVER":
			event.Driver = value
		case "DEVPATH":
			event.DevPath = value
		}
	}
}

// Name returns the platform device name, the last element of the kernel
// object path.
func (e *Event) Name() string {
	p := e.DevPath
	if p == "" {
		p = e.KObj
	}
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// Compatibles returns the OF_COMPATIBLE_<n> values in index order.
func (e *Event) Compatibles() []string {
	type entry struct {
		idx   int
		value string
	}
	var entries []entry
	for k, v := range e.Env {
		suffix, ok := strings.CutPrefix(k, "OF_COMPATIBLE_")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(suffix)
		if err != nil {
			continue // OF_COMPATIBLE_N is the count
		}
		entries = append(entries, entry{idx, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.value
	}
	return out
}

// Matches reports whether the event carries the given compatible string.
func (e *Event) Matches(compatible string) bool {
	for _, c := range e.Compatibles() {
		if c == compatible {
			return true
		}
	}
	return false
}

// deviceID extracts the numeric instance suffix of a platform device name
// ("msm_ba.0" -> 0). Names without a suffix get -1.
func deviceID(name string) int {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return -1
	}
	id, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return -1
	}
	return id
}
