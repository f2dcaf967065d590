package discovery

import (
	"github.com/smazurov/vcapd/internal/vdev"
)

// Static binds a fixed list of platform devices on Register.
type Static struct {
	binder
	devices []string
}

var _ vdev.Discovery = (*Static)(nil)

// NewStatic creates a static source for the named platform devices.
func NewStatic(cfg Config, devices []string) *Static {
	cfg.applyDefaults()
	return &Static{binder: binder{cfg: cfg}, devices: devices}
}

// Register implements vdev.Discovery. Probe failures are logged and
// published but do not fail registration.
func (s *Static) Register(b vdev.Binding) error {
	if err := s.register(b); err != nil {
		return err
	}
	for _, name := range s.devices {
		s.probe(staticEvent(name, s.cfg.Compatible))
	}
	return nil
}

// Unregister implements vdev.Discovery.
func (s *Static) Unregister() {
	s.unregister()
}

func staticEvent(name, compatible string) *Event {
	devpath := "/devices/platform/" + name
	return &Event{
		Action:    ActionAdd,
		KObj:      devpath,
		Subsystem: SubsystemPlatform,
		DevPath:   devpath,
		Env: map[string]string{
			"SUBSYSTEM":       SubsystemPlatform,
			"DEVPATH":         devpath,
			"OF_COMPATIBLE_0": compatible,
			"OF_COMPATIBLE_N": "1",
		},
	}
}
