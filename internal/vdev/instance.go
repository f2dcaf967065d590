package vdev

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the state of an open client session.
type SessionState int32

// Session states.
const (
	SessionOpen SessionState = iota
	SessionStreaming
	SessionClosing
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionStreaming:
		return "streaming"
	case SessionClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionHandle identifies an instance across the node boundary. The
// generation ties it to one attachment of the device, so a handle issued
// before a detach never resolves against a later device.
type SessionHandle struct {
	Generation uint64
	ID         uint64
}

func (h SessionHandle) String() string {
	return fmt.Sprintf("%d.%d", h.Generation, h.ID)
}

// Instance is one open client session.
type Instance struct {
	id       uint64
	dev      *Device // non-owning
	gen      uint64
	openedAt time.Time
	logger   *slog.Logger

	state atomic.Int32
	sink  *eventSink

	// inflight is guarded by dev.mu.
	inflight int

	// mu serializes stream transitions and guards the fields below.
	mu        sync.Mutex
	streaming bool
	params    Payload
}

// ID returns the per-device instance id.
func (i *Instance) ID() uint64 { return i.id }

// Handle returns the session handle of the instance.
func (i *Instance) Handle() SessionHandle {
	return SessionHandle{Generation: i.gen, ID: i.id}
}

// Device returns the device the instance is bound to.
func (i *Instance) Device() *Device { return i.dev }

// State returns the current session state.
func (i *Instance) State() SessionState {
	return SessionState(i.state.Load())
}

// OpenedAt returns when the session was opened.
func (i *Instance) OpenedAt() time.Time { return i.openedAt }

// StreamParameters returns the last accepted stream parameters.
func (i *Instance) StreamParameters() Payload {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.params)
}

// PendingEvents returns the number of queued notifications.
func (i *Instance) PendingEvents() int {
	return i.sink.pending()
}

func (i *Instance) setState(s SessionState) {
	i.state.Store(int32(s))
}

// Open creates a new session on the device.
func (d *Device) Open() (*Instance, error) {
	d.mu.Lock()
	if d.state != StateRegistered {
		state := d.state
		d.mu.Unlock()
		return nil, newError(CodeInvalidState, "open", "device is "+state.String(), nil)
	}
	if d.cfg.MaxInstances > 0 && len(d.instances)+d.opening >= d.cfg.MaxInstances {
		d.mu.Unlock()
		d.logger.Error("Failed to create video instance", "reason", "instance limit reached", "limit", d.cfg.MaxInstances)
		return nil, newError(CodeOutOfResources, "open", fmt.Sprintf("instance limit %d reached", d.cfg.MaxInstances), nil)
	}
	d.nextID++
	inst := &Instance{
		id:       d.nextID,
		dev:      d,
		gen:      d.gen,
		openedAt: time.Now(),
	}
	inst.logger = d.logger.With("instance", inst.id)
	d.opening++
	d.mu.Unlock()

	d.tracker.Alloc(KindInstance)
	inst.sink = newEventSink(d.notify, d.cfg.SinkDepth)
	d.tracker.Alloc(KindSink)

	if err := d.backend.OpenSession(inst); err != nil {
		d.releaseInstance(inst)
		d.finishOpening()
		d.logger.Error("Failed to create video instance", "error", err)
		return nil, newError(CodeOutOfResources, "open", "backend refused session", err)
	}

	d.mu.Lock()
	d.opening--
	if d.state != StateRegistered {
		d.cond.Broadcast()
		d.mu.Unlock()
		if err := d.backend.CloseSession(inst); err != nil {
			inst.logger.Warn("Backend release failed during aborted open", "error", err)
		}
		d.releaseInstance(inst)
		return nil, newError(CodeInvalidState, "open", "device is unregistering", nil)
	}
	inst.setState(SessionOpen)
	d.instances = append(d.instances, inst)
	d.byID[inst.id] = inst
	d.mu.Unlock()

	inst.logger.Debug("Session opened")
	d.publishSessionOpened(inst)
	return inst, nil
}

func (d *Device) finishOpening() {
	d.mu.Lock()
	d.opening--
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Close tears the session down. The instance is removed from the device
// and its resources are released before Close returns. A backend release
// failure is returned, but the instance is destroyed regardless.
func (d *Device) Close(inst *Instance) error {
	if inst == nil || inst.dev != d {
		return newError(CodeNotFound, "close", "instance does not belong to device", nil)
	}

	d.mu.Lock()
	if _, ok := d.byID[inst.id]; !ok {
		d.mu.Unlock()
		return newError(CodeNotFound, "close", fmt.Sprintf("instance %d is not open", inst.id), nil)
	}
	inst.setState(SessionClosing)
	d.instances = slices.DeleteFunc(d.instances, func(i *Instance) bool { return i == inst })
	delete(d.byID, inst.id)
	for inst.inflight > 0 {
		d.cond.Wait()
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	inst.mu.Lock()
	if inst.streaming {
		if err := d.backend.StreamOff(inst, nil); err != nil {
			inst.logger.Warn("Implicit stream off failed", "error", err)
		}
		inst.streaming = false
	}
	inst.mu.Unlock()

	rc := d.backend.CloseSession(inst)
	d.releaseInstance(inst)

	if rc != nil {
		inst.logger.Error("Session release failed", "error", rc)
	} else {
		inst.logger.Debug("Session closed")
	}
	d.publishSessionClosed(inst, Status(rc))
	return rc
}

func (d *Device) releaseInstance(inst *Instance) {
	inst.sink.close()
	d.tracker.Free(KindSink)
	d.tracker.Free(KindInstance)
}

// enter registers an in-flight request against inst. Every successful
// enter must be paired with exit.
func (d *Device) enter(inst *Instance, op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst.State() == SessionClosing {
		return newError(CodeInvalidState, op, "session is closing", nil)
	}
	if d.state != StateRegistered {
		return newError(CodeInvalidState, op, "device is "+d.state.String(), nil)
	}
	if _, ok := d.byID[inst.id]; !ok {
		return newError(CodeInvalidState, op, "session is not open", nil)
	}
	inst.inflight++
	d.inflight++
	return nil
}

func (d *Device) exit(inst *Instance) {
	d.mu.Lock()
	inst.inflight--
	d.inflight--
	if inst.inflight == 0 || d.inflight == 0 {
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}

// Poll reports the readiness of inst.
func (d *Device) Poll(inst *Instance) ReadinessMask {
	if inst == nil || inst.dev != d {
		return PollErr
	}
	if err := d.enter(inst, "poll"); err != nil {
		return PollErr
	}
	defer d.exit(inst)
	return d.readiness(inst)
}

func (d *Device) readiness(inst *Instance) ReadinessMask {
	var mask ReadinessMask
	if inst.sink.pending() > 0 {
		mask |= PollPri
	}
	if inst.State() == SessionStreaming {
		mask |= d.backend.Readiness(inst)
	}
	return mask
}

// DequeueEvent pops the oldest pending notification of inst.
func (d *Device) DequeueEvent(inst *Instance) (Notification, error) {
	if inst == nil || inst.dev != d {
		return Notification{}, newError(CodeNotFound, "dequeue-event", "instance does not belong to device", nil)
	}
	if err := d.enter(inst, "dequeue-event"); err != nil {
		return Notification{}, err
	}
	defer d.exit(inst)
	n, ok := inst.sink.dequeue()
	if !ok {
		return Notification{}, newError(CodeNotFound, "dequeue-event", "no pending events", nil)
	}
	return n, nil
}
