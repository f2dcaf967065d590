// Package led drives a status LED from the capture device lifecycle.
package led

import (
	"log/slog"

	"github.com/smazurov/vcapd/internal/logging"
)

// Controller sets the state of named LEDs.
type Controller interface {
	// Set switches an LED on or off. pattern is one of Patterns(), or
	// empty to leave the trigger unchanged.
	Set(name string, enabled bool, pattern string) error

	// Available returns the LED names the controller drives.
	Available() []string

	// Patterns returns the patterns the controller accepts.
	Patterns() []string
}

// Patterns understood by the sysfs controller.
const (
	PatternSolid     = "solid"
	PatternBlink     = "blink"
	PatternHeartbeat = "heartbeat"
)

// New returns a sysfs controller for the LED called sysfsName under root,
// exposed under name. It falls back to a no-op controller when sysfsName
// is empty or the LED does not exist.
func New(name, sysfsName, root string, logger *slog.Logger) Controller {
	if logger == nil {
		logger = logging.GetLogger("led")
	}
	if root == "" {
		root = DefaultSysfsRoot
	}
	if sysfsName == "" {
		logger.Info("No status LED configured, using no-op controller")
		return newNoop(logger)
	}
	ctrl := newSysfs(root, map[string]string{name: sysfsName})
	if !ctrl.exists(name) {
		logger.Warn("Status LED not found, using no-op controller", "led", sysfsName, "root", root)
		return newNoop(logger)
	}
	logger.Info("Using sysfs status LED", "led", sysfsName)
	return ctrl
}
