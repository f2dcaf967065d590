package vdev_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smazurov/vcapd/internal/backend"
	"github.com/smazurov/vcapd/internal/events"
	"github.com/smazurov/vcapd/internal/host"
	"github.com/smazurov/vcapd/internal/metrics"
	"github.com/smazurov/vcapd/internal/vdev"
)

var platformDevice = vdev.DiscoveryHandle{
	Name:       "msm_ba.0",
	ID:         0,
	Compatible: "qcom,msm-ba",
}

// hookBackend wraps the in-memory backend with failure and blocking hooks.
type hookBackend struct {
	*backend.Memory

	closeErr   error
	block      chan struct{} // GetInput waits on it when set
	entered    chan struct{}
	streamOffs atomic.Int32
}

func (b *hookBackend) CloseSession(inst *vdev.Instance) error {
	err := b.Memory.CloseSession(inst)
	if b.closeErr != nil {
		return b.closeErr
	}
	return err
}

func (b *hookBackend) GetInput(inst *vdev.Instance) (vdev.Payload, error) {
	if b.block != nil {
		b.entered <- struct{}{}
		<-b.block
	}
	return b.Memory.GetInput(inst)
}

func (b *hookBackend) StreamOff(inst *vdev.Instance, p vdev.Payload) error {
	b.streamOffs.Add(1)
	return b.Memory.StreamOff(inst, p)
}

type fakeDiscovery struct {
	err          error
	present      []vdev.DiscoveryHandle
	binding      vdev.Binding
	registered   int
	unregistered bool
}

func (d *fakeDiscovery) Register(b vdev.Binding) error {
	if d.err != nil {
		return d.err
	}
	d.binding = b
	d.registered++
	for _, h := range d.present {
		if err := b.Probe(h); err != nil {
			return err
		}
	}
	return nil
}

func (d *fakeDiscovery) Unregister() { d.unregistered = true }

type nopOps struct{}

func (nopOps) OpenSession() (vdev.SessionHandle, error) { return vdev.SessionHandle{}, nil }
func (nopOps) CloseSession(vdev.SessionHandle) error    { return nil }
func (nopOps) Dispatch(vdev.SessionHandle, vdev.RequestKind, vdev.Payload) (vdev.Payload, error) {
	return nil, nil
}
func (nopOps) PollSession(vdev.SessionHandle) vdev.ReadinessMask { return 0 }

type env struct {
	host    *host.Host
	backend *hookBackend
	tracker *metrics.Tracker
	bus     *events.Bus
	mod     *vdev.Module
}

func newEnv(t *testing.T, configure ...func(*vdev.Config)) *env {
	t.Helper()
	e := &env{
		host:    host.New(),
		backend: &hookBackend{Memory: backend.NewMemory(backend.Config{})},
		tracker: metrics.NewTracker(),
		bus:     events.New(),
	}
	cfg := vdev.Config{
		Host:     e.host.VDev(),
		Backend:  e.backend,
		EventBus: e.bus,
		Tracker:  e.tracker,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	e.mod = vdev.NewModule(cfg, nil)
	return e
}

// attached creates the driver context and attaches the platform device.
func (e *env) attached(t *testing.T) *vdev.Device {
	t.Helper()
	_, err := e.mod.Create()
	require.NoError(t, err)
	dev, err := e.mod.Attach(platformDevice)
	require.NoError(t, err)
	return dev
}

func forceDetach(cfg *vdev.Config) { cfg.DetachPolicy = vdev.DetachForce }
