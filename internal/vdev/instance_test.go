package vdev_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/smazurov/vcapd/internal/events"
	"github.com/smazurov/vcapd/internal/vdev"
)

func TestOpenCloseManyLeavesDeviceRegistered(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)

	const n = 10
	handles := make([]vdev.SessionHandle, 0, n)
	for range n {
		h, err := e.mod.SessionOpen()
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, n, dev.InstanceCount())

	for _, h := range handles {
		require.NoError(t, e.mod.SessionClose(h))
	}
	assert.Equal(t, 0, dev.InstanceCount())
	assert.Equal(t, vdev.StateRegistered, dev.State())
	assert.Equal(t, 0, e.backend.Sessions())
}

func TestInstancesKeepOpenOrder(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)

	a, err := dev.Open()
	require.NoError(t, err)
	b, err := dev.Open()
	require.NoError(t, err)
	c, err := dev.Open()
	require.NoError(t, err)
	require.NoError(t, dev.Close(b))

	assert.Equal(t, []*vdev.Instance{a, c}, dev.Instances())
	assert.Same(t, dev, a.Device())
	assert.Equal(t, a.Handle().Generation, dev.Generation())
}

func TestMaxInstances(t *testing.T) {
	e := newEnv(t, func(cfg *vdev.Config) { cfg.MaxInstances = 2 })
	dev := e.attached(t)

	for range 2 {
		_, err := dev.Open()
		require.NoError(t, err)
	}
	_, err := dev.Open()
	require.ErrorIs(t, err, vdev.ErrOutOfResources)
	assert.Equal(t, 2, dev.InstanceCount())
	assert.Equal(t, 2, e.tracker.Live(vdev.KindInstance))
}

func TestCloseUnknownInstance(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)

	inst, err := dev.Open()
	require.NoError(t, err)
	require.NoError(t, dev.Close(inst))

	err = dev.Close(inst)
	require.ErrorIs(t, err, vdev.ErrNotFound)
	err = dev.Close(nil)
	require.ErrorIs(t, err, vdev.ErrNotFound)
}

func TestCloseReturnsBackendReleaseError(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	e.backend.closeErr = fmt.Errorf("release: %w", unix.EIO)

	closedCh := make(chan events.SessionClosedEvent, 1)
	unsub := e.bus.Subscribe(func(ev events.SessionClosedEvent) { closedCh <- ev })
	defer unsub()

	inst, err := dev.Open()
	require.NoError(t, err)

	err = dev.Close(inst)
	require.ErrorIs(t, err, unix.EIO)
	assert.Equal(t, 0, dev.InstanceCount())
	assert.Equal(t, 0, e.tracker.Live(vdev.KindInstance))
	assert.Equal(t, 0, e.tracker.Live(vdev.KindSink))

	select {
	case ev := <-closedCh:
		assert.Equal(t, -int(unix.EIO), ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no session closed event")
	}
}

func TestStreamTransitions(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	h, err := e.mod.SessionOpen()
	require.NoError(t, err)
	inst, err := dev.Lookup(h)
	require.NoError(t, err)

	changes := make(chan events.StreamStateChangedEvent, 2)
	unsub := e.bus.Subscribe(func(ev events.StreamStateChangedEvent) { changes <- ev })
	defer unsub()

	assert.Equal(t, vdev.SessionOpen, inst.State())

	_, err = e.mod.Dispatch(h, vdev.RequestStartStream, nil)
	require.NoError(t, err)
	assert.Equal(t, vdev.SessionStreaming, inst.State())

	_, err = e.mod.Dispatch(h, vdev.RequestStartStream, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState)

	_, err = e.mod.Dispatch(h, vdev.RequestStopStream, nil)
	require.NoError(t, err)
	assert.Equal(t, vdev.SessionOpen, inst.State())

	_, err = e.mod.Dispatch(h, vdev.RequestStopStream, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState)

	for _, want := range []string{"streaming", "open"} {
		select {
		case ev := <-changes:
			assert.Equal(t, want, ev.To)
		case <-time.After(time.Second):
			t.Fatalf("no transition to %s", want)
		}
	}
}

func TestCloseStopsStreaming(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	inst, err := dev.Open()
	require.NoError(t, err)

	_, err = dev.Dispatch(inst.Handle(), vdev.RequestStartStream, nil)
	require.NoError(t, err)

	require.NoError(t, dev.Close(inst))
	assert.Equal(t, int32(1), e.backend.streamOffs.Load())
	assert.Equal(t, vdev.SessionClosing, inst.State())
	assert.Equal(t, 0, e.backend.Sessions())
}

func TestDispatchAfterCloseIsInvalidState(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	inst, err := dev.Open()
	require.NoError(t, err)
	h := inst.Handle()
	require.NoError(t, dev.Close(inst))

	_, err = e.mod.Dispatch(h, vdev.RequestGetFormat, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState)

	_, err = e.mod.Driver().Dispatcher().Dispatch(inst, vdev.RequestQueryCapabilities, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState)

	assert.Equal(t, vdev.PollErr, dev.Poll(inst))
	_, err = dev.DequeueEvent(inst)
	require.ErrorIs(t, err, vdev.ErrInvalidState)
}

func TestUnknownRequestKind(t *testing.T) {
	e := newEnv(t)
	e.attached(t)
	h, err := e.mod.SessionOpen()
	require.NoError(t, err)

	_, err = e.mod.Dispatch(h, vdev.RequestKind("frobnicate"), nil)
	require.ErrorIs(t, err, vdev.ErrUnsupported)
	assert.Equal(t, -int(unix.ENOTTY), vdev.Status(err))

	_, err = e.mod.Driver().Dispatcher().Dispatch(nil, vdev.RequestKind("frobnicate"), nil)
	require.ErrorIs(t, err, vdev.ErrUnsupported)
}

func TestUnknownRequestKindInEveryState(t *testing.T) {
	unknown := vdev.RequestKind("frobnicate")
	e := newEnv(t)

	check := func(state string, h vdev.SessionHandle) {
		t.Helper()
		_, err := e.mod.Dispatch(h, unknown, nil)
		require.ErrorIsf(t, err, vdev.ErrUnsupported, "%s: got %v", state, err)
	}

	check("no driver", vdev.SessionHandle{Generation: 1, ID: 1})

	_, err := e.mod.Create()
	require.NoError(t, err)
	check("no device", vdev.SessionHandle{Generation: 1, ID: 1})

	dev, err := e.mod.Attach(platformDevice)
	require.NoError(t, err)
	h, err := e.mod.SessionOpen()
	require.NoError(t, err)
	check("open session", h)

	require.NoError(t, e.mod.SessionClose(h))
	check("closed session", h)

	require.NoError(t, e.mod.Detach(dev))
	check("after detach", h)
}

func TestDispatchWithoutDeviceIsInvalidState(t *testing.T) {
	e := newEnv(t)
	h := vdev.SessionHandle{Generation: 1, ID: 1}

	_, err := e.mod.Dispatch(h, vdev.RequestGetFormat, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState, "no driver")

	dev := e.attached(t)
	h, err = e.mod.SessionOpen()
	require.NoError(t, err)
	require.NoError(t, e.mod.SessionClose(h))
	require.NoError(t, e.mod.Detach(dev))

	_, err = e.mod.Dispatch(h, vdev.RequestGetFormat, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState, "after close and detach")
}

func TestDispatchWithoutSession(t *testing.T) {
	e := newEnv(t)
	e.attached(t)
	_, err := e.mod.Driver().Dispatcher().Dispatch(nil, vdev.RequestGetInput, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState)
}

func TestDispatcherKinds(t *testing.T) {
	e := newEnv(t)
	e.attached(t)
	d := e.mod.Driver().Dispatcher()

	kinds := d.Kinds()
	assert.Len(t, kinds, 15)
	for _, k := range kinds {
		assert.True(t, d.Supports(k), k)
		assert.True(t, k.Known(), k)
	}
	assert.False(t, d.Supports("frobnicate"))
}

func TestFormatRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.attached(t)
	h, err := e.mod.SessionOpen()
	require.NoError(t, err)

	_, err = e.mod.Dispatch(h, vdev.RequestSetFormat, vdev.Payload(`{"width":720,"height":576,"pixelformat":"UYVY"}`))
	require.NoError(t, err)

	out, err := e.mod.Dispatch(h, vdev.RequestGetFormat, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"width":720`)
	assert.Contains(t, string(out), `"height":576`)
	assert.Contains(t, string(out), `"pixelformat":"UYVY"`)
}

func TestHandlerErrorsReturnedUnmodified(t *testing.T) {
	e := newEnv(t)
	e.attached(t)
	h, err := e.mod.SessionOpen()
	require.NoError(t, err)

	_, err = e.mod.Dispatch(h, vdev.RequestSetControl, vdev.Payload(`{"id":9963776,"value":1000}`))
	require.ErrorIs(t, err, unix.ERANGE)
	assert.Empty(t, vdev.CodeOf(err))
}

func TestStreamParameters(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	inst, err := dev.Open()
	require.NoError(t, err)

	params := vdev.Payload(`{"timeperframe":{"numerator":1,"denominator":25}}`)
	_, err = dev.Dispatch(inst.Handle(), vdev.RequestSetStreamParameters, params)
	require.NoError(t, err)
	assert.Equal(t, params, inst.StreamParameters())

	out, err := dev.Dispatch(inst.Handle(), vdev.RequestGetStreamParameters, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestPollReadinessRequest(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	inst, err := dev.Open()
	require.NoError(t, err)

	out, err := dev.Dispatch(inst.Handle(), vdev.RequestPollReadiness, nil)
	require.NoError(t, err)
	mask, err := vdev.ParseReadiness(out)
	require.NoError(t, err)
	assert.Equal(t, vdev.ReadinessMask(0), mask)

	_, err = dev.Dispatch(inst.Handle(), vdev.RequestStartStream, nil)
	require.NoError(t, err)
	assert.True(t, dev.Poll(inst).Has(vdev.PollIn|vdev.PollRdNorm))
}

func TestNotificationFanOut(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	a, err := dev.Open()
	require.NoError(t, err)
	b, err := dev.Open()
	require.NoError(t, err)

	require.NoError(t, e.host.Registry.Notify(vdev.DriverName, vdev.Notification{Kind: vdev.NotifySignalLost}))

	for _, inst := range []*vdev.Instance{a, b} {
		require.Eventually(t, func() bool {
			return dev.Poll(inst).Has(vdev.PollPri)
		}, time.Second, 5*time.Millisecond)

		n, err := dev.DequeueEvent(inst)
		require.NoError(t, err)
		assert.Equal(t, vdev.NotifySignalLost, n.Kind)
		assert.Equal(t, uint64(1), n.Sequence)

		_, err = dev.DequeueEvent(inst)
		require.ErrorIs(t, err, vdev.ErrNotFound)
		assert.False(t, dev.Poll(inst).Has(vdev.PollPri))
	}
}

func TestDetachRejectsWithOpenSessions(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	h, err := e.mod.SessionOpen()
	require.NoError(t, err)

	err = e.mod.Detach(dev)
	require.ErrorIs(t, err, vdev.ErrBusy)
	assert.Equal(t, vdev.StateRegistered, dev.State())

	_, err = e.mod.Dispatch(h, vdev.RequestGetInput, nil)
	require.NoError(t, err)

	require.NoError(t, e.mod.SessionClose(h))
	require.NoError(t, e.mod.Detach(dev))
}

func TestForceDetachClosesSessions(t *testing.T) {
	e := newEnv(t, forceDetach)
	dev := e.attached(t)

	detached := make(chan events.DeviceDetachedEvent, 1)
	unsub := e.bus.Subscribe(func(ev events.DeviceDetachedEvent) { detached <- ev })
	defer unsub()

	var handles []vdev.SessionHandle
	for range 3 {
		h, err := e.mod.SessionOpen()
		require.NoError(t, err)
		handles = append(handles, h)
	}
	_, err := e.mod.Dispatch(handles[0], vdev.RequestStartStream, nil)
	require.NoError(t, err)

	require.NoError(t, e.mod.Detach(dev))
	assert.Equal(t, 0, dev.InstanceCount())
	assert.Equal(t, 0, e.backend.Sessions())
	assert.Equal(t, int32(1), e.backend.streamOffs.Load())

	select {
	case ev := <-detached:
		assert.Equal(t, 3, ev.ForcedCloses)
	case <-time.After(time.Second):
		t.Fatal("no detach event")
	}

	_, err = dev.Open()
	require.ErrorIs(t, err, vdev.ErrInvalidState)
}

func TestStaleHandleAfterReattach(t *testing.T) {
	e := newEnv(t, forceDetach)
	first := e.attached(t)
	stale, err := e.mod.SessionOpen()
	require.NoError(t, err)

	require.NoError(t, e.mod.Detach(first))
	_, err = e.mod.Dispatch(stale, vdev.RequestGetInput, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState)

	second, err := e.mod.Attach(platformDevice)
	require.NoError(t, err)
	require.Greater(t, second.Generation(), first.Generation())

	fresh, err := e.mod.SessionOpen()
	require.NoError(t, err)
	assert.Equal(t, stale.ID, fresh.ID)

	_, err = second.Lookup(stale)
	require.ErrorIs(t, err, vdev.ErrNotFound)
	_, err = e.mod.Dispatch(stale, vdev.RequestGetInput, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState)
	require.ErrorIs(t, e.mod.SessionClose(stale), vdev.ErrNotFound)
	assert.Equal(t, vdev.PollErr, e.mod.Poll(stale))

	_, err = e.mod.Dispatch(fresh, vdev.RequestGetInput, nil)
	require.NoError(t, err)
}

func TestForceDetachDrainsInflightRequests(t *testing.T) {
	e := newEnv(t, forceDetach)
	dev := e.attached(t)
	busy, err := e.mod.SessionOpen()
	require.NoError(t, err)
	idle, err := e.mod.SessionOpen()
	require.NoError(t, err)

	e.backend.block = make(chan struct{})
	e.backend.entered = make(chan struct{}, 1)

	dispatched := make(chan error, 1)
	go func() {
		_, err := e.mod.Dispatch(busy, vdev.RequestGetInput, nil)
		dispatched <- err
	}()
	<-e.backend.entered

	detachDone := make(chan error, 1)
	go func() { detachDone <- e.mod.Detach(dev) }()

	require.Eventually(t, func() bool {
		return dev.State() == vdev.StateUnregistering
	}, time.Second, time.Millisecond)

	_, err = e.mod.Dispatch(idle, vdev.RequestGetFormat, nil)
	require.ErrorIs(t, err, vdev.ErrInvalidState)
	_, err = e.mod.SessionOpen()
	require.ErrorIs(t, err, vdev.ErrInvalidState)

	select {
	case <-detachDone:
		t.Fatal("detach completed while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(e.backend.block)
	require.NoError(t, <-dispatched)
	require.NoError(t, <-detachDone)
	assert.Equal(t, 0, dev.InstanceCount())
	assert.Equal(t, 0, e.backend.Sessions())
}

func TestConcurrentSessions(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				h, err := e.mod.SessionOpen()
				if err != nil {
					errs <- err
					return
				}
				format := vdev.Payload(fmt.Sprintf(`{"width":%d,"height":480,"pixelformat":"NV12"}`, 640+w))
				for _, req := range []struct {
					kind vdev.RequestKind
					p    vdev.Payload
				}{
					{vdev.RequestQueryCapabilities, nil},
					{vdev.RequestSetFormat, format},
					{vdev.RequestGetFormat, nil},
					{vdev.RequestStartStream, nil},
					{vdev.RequestStopStream, nil},
				} {
					if _, err := e.mod.Dispatch(h, req.kind, req.p); err != nil {
						errs <- fmt.Errorf("%s: %w", req.kind, err)
					}
				}
				e.mod.Poll(h)
				if err := e.mod.SessionClose(h); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	require.NoError(t, errors.Join(all...))
	assert.Equal(t, 0, dev.InstanceCount())
	assert.Equal(t, vdev.StateRegistered, dev.State())
}

func TestFullLifecycleReleasesEverything(t *testing.T) {
	e := newEnv(t, forceDetach)
	dev := e.attached(t)

	for range 4 {
		_, err := dev.Open()
		require.NoError(t, err)
	}
	inst, err := dev.Open()
	require.NoError(t, err)
	require.NoError(t, dev.Close(inst))

	assert.Equal(t, 4, e.tracker.Live(vdev.KindInstance))
	assert.Equal(t, 4, e.tracker.Live(vdev.KindSink))
	assert.Equal(t, 1, e.tracker.Live(vdev.KindDevice))
	assert.Equal(t, 1, e.tracker.Live(vdev.KindDriver))

	require.NoError(t, e.mod.Exit())
	assert.False(t, e.tracker.Leaked(), e.tracker.Snapshot())
	assert.Equal(t, 0, e.backend.Sessions())
	assert.Nil(t, e.mod.Driver())
}

func TestDeviceSnapshot(t *testing.T) {
	e := newEnv(t)
	dev := e.attached(t)
	inst, err := dev.Open()
	require.NoError(t, err)

	snap := dev.Snapshot()
	assert.Equal(t, "msm_ba.0", snap.Name)
	assert.Equal(t, "video35", snap.Node)
	assert.Equal(t, 35, snap.Minor)
	assert.Equal(t, "registered", snap.State)
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, inst.Handle().String(), snap.Instances[0].Handle)
	assert.Equal(t, "open", snap.Instances[0].State)
}
