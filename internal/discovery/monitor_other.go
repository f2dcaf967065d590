//go:build !linux

package discovery

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by NewMonitor on platforms without netlink.
var ErrUnsupported = errors.New("netlink uevent monitoring requires linux")

// Monitor is unavailable on this platform.
type Monitor struct{}

// NewMonitor always fails with ErrUnsupported.
func NewMonitor() (*Monitor, error) {
	return nil, ErrUnsupported
}

// AddSubsystemFilter does nothing.
func (m *Monitor) AddSubsystemFilter(string) {}

// Close does nothing.
func (m *Monitor) Close() error { return nil }

// Run closes events and returns ErrUnsupported.
func (m *Monitor) Run(_ context.Context, events chan<- Event) error {
	close(events)
	return ErrUnsupported
}
