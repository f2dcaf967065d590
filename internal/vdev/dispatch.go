package vdev

import (
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/smazurov/vcapd/internal/metrics"
)

// RequestKind names a client request routed by the Dispatcher.
type RequestKind string

// Request kinds.
const (
	RequestQueryCapabilities   RequestKind = "query-capabilities"
	RequestEnumerateInputs     RequestKind = "enumerate-inputs"
	RequestGetInput            RequestKind = "get-input"
	RequestSetInput            RequestKind = "set-input"
	RequestEnumerateFormats    RequestKind = "enumerate-formats"
	RequestSetFormat           RequestKind = "set-format"
	RequestGetFormat           RequestKind = "get-format"
	RequestGetControl          RequestKind = "get-control"
	RequestSetControl          RequestKind = "set-control"
	RequestSetExtendedControls RequestKind = "set-extended-controls"
	RequestStartStream         RequestKind = "start-stream"
	RequestStopStream          RequestKind = "stop-stream"
	RequestSetStreamParameters RequestKind = "set-stream-parameters"
	RequestGetStreamParameters RequestKind = "get-stream-parameters"
	RequestPollReadiness       RequestKind = "poll-readiness"
)

var knownKinds = map[RequestKind]struct{}{
	RequestQueryCapabilities:   {},
	RequestEnumerateInputs:     {},
	RequestGetInput:            {},
	RequestSetInput:            {},
	RequestEnumerateFormats:    {},
	RequestSetFormat:           {},
	RequestGetFormat:           {},
	RequestGetControl:          {},
	RequestSetControl:          {},
	RequestSetExtendedControls: {},
	RequestStartStream:         {},
	RequestStopStream:          {},
	RequestSetStreamParameters: {},
	RequestGetStreamParameters: {},
	RequestPollReadiness:       {},
}

// Known reports whether k is one of the request kinds above.
func (k RequestKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

func unsupportedKind(kind RequestKind) error {
	return newError(CodeUnsupported, string(kind), "unknown request kind", nil)
}

type handlerFunc func(inst *Instance, p Payload) (Payload, error)

// Dispatcher routes requests to their handlers through a fixed table.
type Dispatcher struct {
	backend Backend
	bus     publisher
	logger  *slog.Logger
	table   map[RequestKind]handlerFunc
}

func newDispatcher(backend Backend, bus publisher, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{backend: backend, bus: bus, logger: logger}
	d.table = map[RequestKind]handlerFunc{
		RequestQueryCapabilities:   d.queryCapabilities,
		RequestEnumerateInputs:     d.enumerateInputs,
		RequestGetInput:            d.getInput,
		RequestSetInput:            d.setInput,
		RequestEnumerateFormats:    d.enumerateFormats,
		RequestSetFormat:           d.setFormat,
		RequestGetFormat:           d.getFormat,
		RequestGetControl:          d.getControl,
		RequestSetControl:          d.setControl,
		RequestSetExtendedControls: d.setExtendedControls,
		RequestStartStream:         d.startStream,
		RequestStopStream:          d.stopStream,
		RequestSetStreamParameters: d.setStreamParameters,
		RequestGetStreamParameters: d.getStreamParameters,
		RequestPollReadiness:       d.pollReadiness,
	}
	return d
}

// Supports reports whether kind has a handler.
func (d *Dispatcher) Supports(kind RequestKind) bool {
	_, ok := d.table[kind]
	return ok
}

// Kinds returns the supported request kinds, sorted.
func (d *Dispatcher) Kinds() []RequestKind {
	kinds := make([]RequestKind, 0, len(d.table))
	for k := range d.table {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Dispatch runs the handler for kind against inst. Handler errors are
// returned unmodified and never retried.
func (d *Dispatcher) Dispatch(inst *Instance, kind RequestKind, p Payload) (Payload, error) {
	start := time.Now()
	out, err := d.dispatch(inst, kind, p)
	metrics.ObserveRequest(string(kind), Status(err), time.Since(start))
	if err != nil {
		d.logger.Debug("Request failed", "kind", kind, "error", err)
	}
	return out, err
}

func (d *Dispatcher) dispatch(inst *Instance, kind RequestKind, p Payload) (Payload, error) {
	h, ok := d.table[kind]
	if !ok {
		return nil, unsupportedKind(kind)
	}
	if inst == nil || inst.dev == nil {
		return nil, newError(CodeInvalidState, string(kind), "no session", nil)
	}
	dev := inst.dev
	if err := dev.enter(inst, string(kind)); err != nil {
		return nil, err
	}
	defer dev.exit(inst)
	return h(inst, p)
}

func (d *Dispatcher) queryCapabilities(inst *Instance, _ Payload) (Payload, error) {
	var out Payload
	err := inst.dev.withLock(func() error {
		var err error
		out, err = d.backend.QueryCapabilities(inst.dev)
		return err
	})
	return out, err
}

func (d *Dispatcher) enumerateInputs(inst *Instance, p Payload) (Payload, error) {
	var out Payload
	err := inst.dev.withLock(func() error {
		var err error
		out, err = d.backend.EnumerateInputs(inst.dev, p)
		return err
	})
	return out, err
}

func (d *Dispatcher) getInput(inst *Instance, _ Payload) (Payload, error) {
	return d.backend.GetInput(inst)
}

func (d *Dispatcher) setInput(inst *Instance, p Payload) (Payload, error) {
	return nil, d.backend.SetInput(inst, p)
}

func (d *Dispatcher) enumerateFormats(inst *Instance, p Payload) (Payload, error) {
	return d.backend.EnumerateFormats(inst, p)
}

func (d *Dispatcher) setFormat(inst *Instance, p Payload) (Payload, error) {
	return nil, d.backend.SetFormat(inst, p)
}

func (d *Dispatcher) getFormat(inst *Instance, _ Payload) (Payload, error) {
	return d.backend.GetFormat(inst)
}

func (d *Dispatcher) getControl(inst *Instance, p Payload) (Payload, error) {
	return d.backend.GetControl(inst, p)
}

func (d *Dispatcher) setControl(inst *Instance, p Payload) (Payload, error) {
	return nil, d.backend.SetControl(inst, p)
}

func (d *Dispatcher) setExtendedControls(inst *Instance, p Payload) (Payload, error) {
	return nil, d.backend.SetExtendedControls(inst, p)
}

func (d *Dispatcher) startStream(inst *Instance, p Payload) (Payload, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.streaming {
		return nil, newError(CodeInvalidState, string(RequestStartStream), "already streaming", nil)
	}
	if err := d.backend.StreamOn(inst, p); err != nil {
		return nil, err
	}
	inst.streaming = true
	if inst.state.CompareAndSwap(int32(SessionOpen), int32(SessionStreaming)) {
		d.bus.streamStateChanged(inst, SessionOpen, SessionStreaming)
	}
	return nil, nil
}

func (d *Dispatcher) stopStream(inst *Instance, p Payload) (Payload, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.streaming {
		return nil, newError(CodeInvalidState, string(RequestStopStream), "not streaming", nil)
	}
	if err := d.backend.StreamOff(inst, p); err != nil {
		return nil, err
	}
	inst.streaming = false
	if inst.state.CompareAndSwap(int32(SessionStreaming), int32(SessionOpen)) {
		d.bus.streamStateChanged(inst, SessionStreaming, SessionOpen)
	}
	return nil, nil
}

func (d *Dispatcher) setStreamParameters(inst *Instance, p Payload) (Payload, error) {
	if err := d.backend.SetStreamParameters(inst, p); err != nil {
		return nil, err
	}
	inst.mu.Lock()
	inst.params = slices.Clone(p)
	inst.mu.Unlock()
	return nil, nil
}

// getStreamParameters succeeds without data.
func (d *Dispatcher) getStreamParameters(*Instance, Payload) (Payload, error) {
	return nil, nil
}

func (d *Dispatcher) pollReadiness(inst *Instance, _ Payload) (Payload, error) {
	mask := inst.dev.readiness(inst)
	return Payload(strconv.FormatUint(uint64(mask), 10)), nil
}

// ParseReadiness decodes the payload returned for RequestPollReadiness.
func ParseReadiness(p Payload) (ReadinessMask, error) {
	v, err := strconv.ParseUint(string(p), 10, 32)
	if err != nil {
		return 0, err
	}
	return ReadinessMask(v), nil
}
