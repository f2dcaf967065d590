package led

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// DefaultSysfsRoot is the Linux LED class directory.
const DefaultSysfsRoot = "/sys/class/leds"

// sysfs implements Controller using the Linux sysfs LED interface.
type sysfs struct {
	root string
	leds map[string]string // name -> sysfs name
}

func newSysfs(root string, leds map[string]string) *sysfs {
	return &sysfs{root: root, leds: leds}
}

func (s *sysfs) path(name string) (string, error) {
	sysfsName, ok := s.leds[name]
	if !ok {
		return "", fmt.Errorf("LED %q not configured", name)
	}
	return filepath.Join(s.root, sysfsName), nil
}

func (s *sysfs) exists(name string) bool {
	p, err := s.path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Set writes the trigger and brightness of the LED.
func (s *sysfs) Set(name string, enabled bool, pattern string) error {
	ledPath, err := s.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(ledPath); err != nil {
		return fmt.Errorf("LED %q not found at %s: %w", name, ledPath, err)
	}

	if pattern != "" {
		var trigger string
		switch pattern {
		case PatternSolid:
			// Manual control; brightness below keeps it lit
			trigger = "none"
		case PatternBlink, PatternHeartbeat:
			trigger = "heartbeat"
		default:
			return fmt.Errorf("unsupported LED pattern %q", pattern)
		}
		if err := os.WriteFile(filepath.Join(ledPath, "trigger"), []byte(trigger), 0o644); err != nil {
			return fmt.Errorf("failed to set LED trigger: %w", err)
		}
	}

	brightness := "0"
	if enabled {
		brightness = "1"
	}
	if err := os.WriteFile(filepath.Join(ledPath, "brightness"), []byte(brightness), 0o644); err != nil {
		return fmt.Errorf("failed to set LED brightness: %w", err)
	}
	return nil
}

// Available returns the configured LED names.
func (s *sysfs) Available() []string {
	names := make([]string, 0, len(s.leds))
	for name := range s.leds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Patterns returns the supported patterns.
func (s *sysfs) Patterns() []string {
	return []string{PatternSolid, PatternBlink, PatternHeartbeat}
}
