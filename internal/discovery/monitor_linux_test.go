//go:build linux

package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := NewMonitor()
	if err != nil {
		t.Skipf("netlink socket unavailable: %v", err)
	}
	return m
}

func TestMonitorClose(t *testing.T) {
	m := newTestMonitor(t)

	if err := m.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := m.Close(); err == nil {
		t.Error("expected error on second Close()")
	}
}

func TestMonitorRunCancellation(t *testing.T) {
	m := newTestMonitor(t)
	defer func() { _ = m.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan Event, 1)
	if err := m.Run(ctx, events); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, ok := <-events; ok {
		t.Error("expected events channel to be closed")
	}
}

func TestMonitorFilters(t *testing.T) {
	m := newTestMonitor(t)
	defer func() { _ = m.Close() }()

	if !m.accepts("usb") {
		t.Error("expected every subsystem to pass without filters")
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				m.AddSubsystemFilter(SubsystemPlatform)
			}
		}()
	}
	wg.Wait()

	if !m.accepts(SubsystemPlatform) {
		t.Error("expected platform events to pass")
	}
	if m.accepts("usb") {
		t.Error("expected usb events to be filtered")
	}
}
