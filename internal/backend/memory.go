// Package backend provides an in-memory capture backend for the device core.
package backend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/smazurov/vcapd/internal/logging"
	"github.com/smazurov/vcapd/internal/vdev"
)

// Config configures the in-memory backend.
type Config struct {
	Card        string
	Inputs      []string
	MaxSessions int // 0 means unlimited
}

var defaultFormats = []FormatDesc{
	{Index: 0, PixelFormat: "NV12", Description: "Y/CbCr 4:2:0"},
	{Index: 1, PixelFormat: "YUYV", Description: "YUYV 4:2:2"},
	{Index: 2, PixelFormat: "UYVY", Description: "UYVY 4:2:2"},
}

var defaultControls = []ControlRange{
	{ID: CtrlBrightness, Name: "Brightness", Min: 0, Max: 255, Default: 128},
	{ID: CtrlContrast, Name: "Contrast", Min: 0, Max: 255, Default: 128},
	{ID: CtrlSaturation, Name: "Saturation", Min: 0, Max: 255, Default: 128},
	{ID: CtrlHue, Name: "Hue", Min: -180, Max: 180, Default: 0},
}

type session struct {
	input     int
	format    Format
	controls  map[uint32]int32
	params    StreamParams
	streaming bool
}

var _ vdev.Backend = (*Memory)(nil)

// Memory is a capture backend that keeps all state in memory.
type Memory struct {
	cfg    Config
	inputs []Input
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*vdev.Instance]*session
}

// NewMemory creates an in-memory backend.
func NewMemory(cfg Config) *Memory {
	if cfg.Card == "" {
		cfg.Card = "msm_ba"
	}
	if len(cfg.Inputs) == 0 {
		cfg.Inputs = []string{"HDMI-1", "CVBS-0"}
	}
	inputs := make([]Input, len(cfg.Inputs))
	for i, name := range cfg.Inputs {
		inputs[i] = Input{Index: i, Name: name, Type: "camera", Status: "ok"}
	}
	return &Memory{
		cfg:      cfg,
		inputs:   inputs,
		logger:   logging.GetLogger("backend"),
		sessions: make(map[*vdev.Instance]*session),
	}
}

// Sessions returns the number of sessions the backend holds.
func (m *Memory) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Memory) session(inst *vdev.Instance) (*session, error) {
	s, ok := m.sessions[inst]
	if !ok {
		return nil, fmt.Errorf("no backend session for instance %d: %w", inst.ID(), unix.EBADF)
	}
	return s, nil
}

// OpenSession allocates backend state for inst.
func (m *Memory) OpenSession(inst *vdev.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return fmt.Errorf("session limit %d reached: %w", m.cfg.MaxSessions, unix.ENOMEM)
	}
	controls := make(map[uint32]int32, len(defaultControls))
	for _, c := range defaultControls {
		controls[c.ID] = c.Default
	}
	m.sessions[inst] = &session{
		format:   Format{Width: 1920, Height: 1080, PixelFormat: "NV12", Field: "none"},
		controls: controls,
		params:   StreamParams{TimePerFrame: Fraction{Numerator: 1, Denominator: 30}},
	}
	m.logger.Debug("Backend session opened", "instance", inst.ID())
	return nil
}

// CloseSession releases backend state for inst.
func (m *Memory) CloseSession(inst *vdev.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[inst]; !ok {
		return fmt.Errorf("release of unknown instance %d: %w", inst.ID(), unix.EBADF)
	}
	delete(m.sessions, inst)
	m.logger.Debug("Backend session closed", "instance", inst.ID())
	return nil
}

// QueryCapabilities reports the device capabilities.
func (m *Memory) QueryCapabilities(*vdev.Device) (vdev.Payload, error) {
	return json.Marshal(Capabilities{
		Driver:       vdev.DriverName,
		Card:         m.cfg.Card,
		BusInfo:      "platform:" + m.cfg.Card,
		Capabilities: []string{"video-capture", "streaming", "read-write"},
	})
}

// EnumerateInputs returns the input selected by the request index.
func (m *Memory) EnumerateInputs(_ *vdev.Device, req vdev.Payload) (vdev.Payload, error) {
	var r IndexRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if r.Index < 0 || r.Index >= len(m.inputs) {
		return nil, fmt.Errorf("input %d: %w", r.Index, unix.EINVAL)
	}
	return json.Marshal(m.inputs[r.Index])
}

// GetInput returns the selected input index.
func (m *Memory) GetInput(inst *vdev.Instance) (vdev.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(inst)
	if err != nil {
		return nil, err
	}
	return json.Marshal(IndexRequest{Index: s.input})
}

// SetInput selects an input and raises a source-change notification on
// the device when the selection changes.
func (m *Memory) SetInput(inst *vdev.Instance, req vdev.Payload) error {
	var r IndexRequest
	if err := decode(req, &r); err != nil {
		return err
	}
	if r.Index < 0 || r.Index >= len(m.inputs) {
		return fmt.Errorf("input %d: %w", r.Index, unix.EINVAL)
	}
	m.mu.Lock()
	s, err := m.session(inst)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.streaming {
		m.mu.Unlock()
		return fmt.Errorf("input switch while streaming: %w", unix.EBUSY)
	}
	changed := s.input != r.Index
	s.input = r.Index
	m.mu.Unlock()

	if changed {
		data, _ := json.Marshal(SourceChange{Input: r.Index, Name: m.inputs[r.Index].Name})
		inst.Device().Notify(vdev.NotifySourceChange, data)
	}
	return nil
}

// EnumerateFormats returns the format selected by the request index.
func (m *Memory) EnumerateFormats(_ *vdev.Instance, req vdev.Payload) (vdev.Payload, error) {
	var r IndexRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if r.Index < 0 || r.Index >= len(defaultFormats) {
		return nil, fmt.Errorf("format %d: %w", r.Index, unix.EINVAL)
	}
	return json.Marshal(defaultFormats[r.Index])
}

// SetFormat validates and stores the session format.
func (m *Memory) SetFormat(inst *vdev.Instance, req vdev.Payload) error {
	var f Format
	if err := decode(req, &f); err != nil {
		return err
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("format %dx%d: %w", f.Width, f.Height, unix.EINVAL)
	}
	if !slices.ContainsFunc(defaultFormats, func(d FormatDesc) bool { return d.PixelFormat == f.PixelFormat }) {
		return fmt.Errorf("pixel format %q: %w", f.PixelFormat, unix.EINVAL)
	}
	if f.Field == "" {
		f.Field = "none"
	}
	f.BytesPerLine, f.SizeImage = layout(f)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(inst)
	if err != nil {
		return err
	}
	if s.streaming {
		return fmt.Errorf("format change while streaming: %w", unix.EBUSY)
	}
	s.format = f
	return nil
}

// GetFormat returns the session format.
func (m *Memory) GetFormat(inst *vdev.Instance) (vdev.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(inst)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s.format)
}

// GetControl returns the value of the requested control.
func (m *Memory) GetControl(inst *vdev.Instance, req vdev.Payload) (vdev.Payload, error) {
	var c Control
	if err := decode(req, &c); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(inst)
	if err != nil {
		return nil, err
	}
	v, ok := s.controls[c.ID]
	if !ok {
		return nil, fmt.Errorf("control 0x%08x: %w", c.ID, unix.EINVAL)
	}
	return json.Marshal(Control{ID: c.ID, Value: v})
}

// SetControl sets one control.
func (m *Memory) SetControl(inst *vdev.Instance, req vdev.Payload) error {
	var c Control
	if err := decode(req, &c); err != nil {
		return err
	}
	return m.setControls(inst, []Control{c})
}

// SetExtendedControls sets several controls. Either all values are
// applied or none.
func (m *Memory) SetExtendedControls(inst *vdev.Instance, req vdev.Payload) error {
	var ext ExtControls
	if err := decode(req, &ext); err != nil {
		return err
	}
	if len(ext.Controls) == 0 {
		return fmt.Errorf("empty control list: %w", unix.EINVAL)
	}
	return m.setControls(inst, ext.Controls)
}

func (m *Memory) setControls(inst *vdev.Instance, controls []Control) error {
	for _, c := range controls {
		if err := checkControl(c); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(inst)
	if err != nil {
		return err
	}
	for _, c := range controls {
		s.controls[c.ID] = c.Value
	}
	return nil
}

func checkControl(c Control) error {
	for _, r := range defaultControls {
		if r.ID != c.ID {
			continue
		}
		if c.Value < r.Min || c.Value > r.Max {
			return fmt.Errorf("%s value %d outside [%d, %d]: %w", r.Name, c.Value, r.Min, r.Max, unix.ERANGE)
		}
		return nil
	}
	return fmt.Errorf("control 0x%08x: %w", c.ID, unix.EINVAL)
}

// StreamOn starts capture for the session.
func (m *Memory) StreamOn(inst *vdev.Instance, _ vdev.Payload) error {
	return m.setStreaming(inst, true)
}

// StreamOff stops capture for the session.
func (m *Memory) StreamOff(inst *vdev.Instance, _ vdev.Payload) error {
	return m.setStreaming(inst, false)
}

func (m *Memory) setStreaming(inst *vdev.Instance, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(inst)
	if err != nil {
		return err
	}
	s.streaming = on
	m.logger.Debug("Backend stream state", "instance", inst.ID(), "streaming", on)
	return nil
}

// SetStreamParameters validates and stores the frame interval.
func (m *Memory) SetStreamParameters(inst *vdev.Instance, req vdev.Payload) error {
	var p StreamParams
	if err := decode(req, &p); err != nil {
		return err
	}
	if p.TimePerFrame.Numerator == 0 || p.TimePerFrame.Denominator == 0 {
		return fmt.Errorf("frame interval %d/%d: %w", p.TimePerFrame.Numerator, p.TimePerFrame.Denominator, unix.EINVAL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(inst)
	if err != nil {
		return err
	}
	s.params = p
	return nil
}

// Readiness reports capture data as ready while the session streams.
func (m *Memory) Readiness(inst *vdev.Instance) vdev.ReadinessMask {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[inst]
	if !ok || !s.streaming {
		return 0
	}
	return vdev.PollIn | vdev.PollRdNorm
}

func decode(p vdev.Payload, v any) error {
	if len(p) == 0 {
		return nil
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("malformed payload: %v: %w", err, unix.EINVAL)
	}
	return nil
}

func layout(f Format) (bytesPerLine, sizeImage int) {
	switch f.PixelFormat {
	case "NV12":
		return f.Width, f.Width * f.Height * 3 / 2
	default:
		return f.Width * 2, f.Width * 2 * f.Height
	}
}
