package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/smazurov/vcapd/internal/vdev"
)

// DefaultSysfsRoot lists the platform bus devices.
const DefaultSysfsRoot = "/sys/bus/platform/devices"

// Source produces uevents until its context is cancelled. Run closes the
// channel when it returns.
type Source interface {
	Run(ctx context.Context, events chan<- Event) error
	Close() error
}

// Option configures a Netlink source.
type Option func(*Netlink)

// WithSource replaces the netlink socket with src, typically in tests.
func WithSource(src func() (Source, error)) Option {
	return func(n *Netlink) { n.newSource = src }
}

// WithSysfs scans fsys instead of DefaultSysfsRoot for coldplug.
func WithSysfs(fsys fs.FS) Option {
	return func(n *Netlink) { n.sysfs = fsys }
}

// Netlink binds devices already present in sysfs on Register and then
// follows kernel add and remove uevents until Unregister.
type Netlink struct {
	binder
	newSource func() (Source, error)
	sysfs     fs.FS

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	source Source
}

var _ vdev.Discovery = (*Netlink)(nil)

// NewNetlink creates a netlink discovery source.
func NewNetlink(cfg Config, opts ...Option) *Netlink {
	cfg.applyDefaults()
	n := &Netlink{
		binder: binder{cfg: cfg},
		newSource: func() (Source, error) {
			m, err := NewMonitor()
			if err != nil {
				return nil, err
			}
			m.AddSubsystemFilter(SubsystemPlatform)
			return m, nil
		},
		sysfs: os.DirFS(DefaultSysfsRoot),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register implements vdev.Discovery.
func (n *Netlink) Register(b vdev.Binding) error {
	src, err := n.newSource()
	if err != nil {
		return fmt.Errorf("open uevent source: %w", err)
	}
	if err := n.register(b); err != nil {
		src.Close()
		return err
	}

	devices, err := Scan(n.sysfs, n.cfg.Compatible)
	if err != nil {
		n.cfg.Logger.Warn("Coldplug scan failed", "error", err)
	}
	for _, ev := range devices {
		n.probe(ev)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan Event, 16)
	g.Go(func() error {
		return src.Run(ctx, ch)
	})
	g.Go(func() error {
		for ev := range ch {
			n.handle(&ev)
		}
		return nil
	})

	n.mu.Lock()
	n.cancel = cancel
	n.group = g
	n.source = src
	n.mu.Unlock()
	n.cfg.Logger.Info("Listening for uevents", "compatible", n.cfg.Compatible, "coldplugged", len(n.Bound()))
	return nil
}

// Unregister implements vdev.Discovery. It stops the monitor and removes
// every bound device.
func (n *Netlink) Unregister() {
	n.mu.Lock()
	cancel, g, src := n.cancel, n.group, n.source
	n.cancel, n.group, n.source = nil, nil, nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			n.cfg.Logger.Warn("uevent monitor stopped with error", "error", err)
		}
		if err := src.Close(); err != nil {
			n.cfg.Logger.Debug("Failed to close uevent source", "error", err)
		}
	}
	n.unregister()
}

func (n *Netlink) handle(ev *Event) {
	n.cfg.Logger.Debug("uevent", "action", ev.Action, "kobj", ev.KObj)
	switch ev.Action {
	case ActionAdd:
		n.probe(ev)
	case ActionRemove:
		n.remove(ev.Name())
	}
}

// Scan reads <device>/uevent for each entry of fsys and returns the
// devices matching compatible, in directory order.
func Scan(fsys fs.FS, compatible string) ([]*Event, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, entry := range entries {
		data, err := fs.ReadFile(fsys, entry.Name()+"/uevent")
		if err != nil {
			continue
		}
		ev := ParseUEventFile("/devices/platform/"+entry.Name(), data)
		if ev.Matches(compatible) {
			out = append(out, ev)
		}
	}
	return out, nil
}
