package led

import (
	"log/slog"
	"sync"

	"github.com/smazurov/vcapd/internal/events"
)

// StatusLED is the name the Manager drives.
const StatusLED = "status"

// Manager reflects the capture device state on the status LED: off while
// no device is attached, blinking while attached and idle, solid while any
// session streams.
type Manager struct {
	controller Controller
	eventBus   *events.Bus
	logger     *slog.Logger

	mu          sync.Mutex
	unsubscribe []func()
	attached    bool
	streaming   map[string]bool // session -> streaming
}

// NewManager creates a manager driving controller from bus events.
func NewManager(controller Controller, eventBus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		controller: controller,
		eventBus:   eventBus,
		logger:     logger,
		streaming:  make(map[string]bool),
	}
}

// Start subscribes to the device and session events and sets the
// initial LED state.
func (m *Manager) Start() {
	m.mu.Lock()
	m.unsubscribe = []func(){
		m.eventBus.Subscribe(func(events.DeviceAttachedEvent) { m.setAttached(true) }),
		m.eventBus.Subscribe(func(events.DeviceDetachedEvent) { m.setAttached(false) }),
		m.eventBus.Subscribe(m.handleStreamState),
		m.eventBus.Subscribe(m.handleSessionClosed),
	}
	m.mu.Unlock()
	m.update()
	m.logger.Info("LED manager started")
}

// Stop unsubscribes and switches the LED off.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsubs := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	if err := m.controller.Set(StatusLED, false, ""); err != nil {
		m.logger.Warn("Failed to switch status LED off", "error", err)
	}
	m.logger.Info("LED manager stopped")
}

// GetController returns the underlying LED controller.
func (m *Manager) GetController() Controller {
	return m.controller
}

func (m *Manager) setAttached(attached bool) {
	m.mu.Lock()
	m.attached = attached
	if !attached {
		clear(m.streaming)
	}
	m.mu.Unlock()
	m.update()
}

func (m *Manager) handleStreamState(e events.StreamStateChangedEvent) {
	m.mu.Lock()
	if e.IsStreaming() {
		m.streaming[e.Session] = true
	} else {
		delete(m.streaming, e.Session)
	}
	m.mu.Unlock()
	m.logger.Debug("Session stream state changed", "session", e.Session, "to", e.To)
	m.update()
}

func (m *Manager) handleSessionClosed(e events.SessionClosedEvent) {
	m.mu.Lock()
	delete(m.streaming, e.Session)
	m.mu.Unlock()
	m.update()
}

func (m *Manager) update() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	switch {
	case !m.attached:
		err = m.controller.Set(StatusLED, false, "")
	case len(m.streaming) > 0:
		err = m.controller.Set(StatusLED, true, PatternSolid)
	default:
		err = m.controller.Set(StatusLED, true, PatternBlink)
	}
	if err != nil {
		m.logger.Warn("Failed to update status LED", "error", err)
	}
}
