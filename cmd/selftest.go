package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smazurov/vcapd/internal/backend"
	"github.com/smazurov/vcapd/internal/discovery"
	"github.com/smazurov/vcapd/internal/events"
	"github.com/smazurov/vcapd/internal/host"
	"github.com/smazurov/vcapd/internal/logging"
	"github.com/smazurov/vcapd/internal/metrics"
	"github.com/smazurov/vcapd/internal/vdev"
)

// SelftestOptions configures a selftest run.
type SelftestOptions struct {
	Sessions     int
	Iterations   int
	DetachPolicy vdev.DetachPolicy
	Logger       *slog.Logger
}

// SelftestReport summarizes a selftest run.
type SelftestReport struct {
	Device         string         `json:"device"`
	Node           string         `json:"node"`
	Sessions       int            `json:"sessions"`
	Requests       int64          `json:"requests"`
	Notifications  int64          `json:"notifications"`
	StreamChanges  int64          `json:"stream_changes"`
	ForcedCloses   int            `json:"forced_closes"`
	Live           map[string]int `json:"live"`
	Leaked         bool           `json:"leaked"`
	Duration       time.Duration  `json:"duration_ns"`
	NodesAfterExit int            `json:"nodes_after_exit"`
}

// RunSelftest drives the full module lifecycle against the in-process
// host: init with static discovery, concurrent sessions exercising every
// request kind, then exit. It fails if anything is left allocated.
func RunSelftest(ctx context.Context, opts SelftestOptions) (*SelftestReport, error) {
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("main")
	}
	start := time.Now()

	hst := host.New()
	bus := events.New()
	tracker := metrics.NewTracker()

	report := &SelftestReport{Sessions: opts.Sessions}
	var streamChanges atomic.Int64
	var detached atomic.Int64
	unsubs := []func(){
		bus.Subscribe(func(events.StreamStateChangedEvent) { streamChanges.Add(1) }),
		bus.Subscribe(func(e events.DeviceDetachedEvent) { detached.Add(int64(e.ForcedCloses)) }),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	disc := discovery.NewStatic(discovery.Config{EventBus: bus}, []string{"msm_ba.0"})
	mod := vdev.NewModule(vdev.Config{
		Host:         hst.VDev(),
		Backend:      backend.NewMemory(backend.Config{}),
		MaxInstances: opts.Sessions,
		DetachPolicy: opts.DetachPolicy,
		EventBus:     bus,
		Tracker:      tracker,
		Logger:       logger,
	}, disc)

	if err := mod.Init(); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	dev := mod.Driver().Device()
	if dev == nil {
		_ = mod.Exit()
		return nil, fmt.Errorf("discovery did not attach msm_ba.0")
	}
	report.Device = dev.Handle().Name
	report.Node = dev.NodeName()

	var requests, notifications atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := range opts.Sessions {
		g.Go(func() error {
			h, err := mod.SessionOpen()
			if err != nil {
				return fmt.Errorf("session %d open: %w", i, err)
			}
			defer func() {
				if err := mod.SessionClose(h); err != nil {
					logger.Warn("Session close failed", "session", h.String(), "error", err)
				}
			}()
			for it := range opts.Iterations {
				if err := gctx.Err(); err != nil {
					return err
				}
				n, got, err := exercise(mod, h, it)
				requests.Add(int64(n))
				notifications.Add(int64(got))
				if err != nil {
					return fmt.Errorf("session %d iteration %d: %w", i, it, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = mod.Exit()
		return nil, err
	}

	if err := mod.Exit(); err != nil {
		return nil, fmt.Errorf("module exit: %w", err)
	}

	report.Requests = requests.Load()
	report.Notifications = notifications.Load()
	report.StreamChanges = streamChanges.Load()
	report.ForcedCloses = int(detached.Load())
	report.Live = tracker.Snapshot()
	report.Leaked = tracker.Leaked()
	report.NodesAfterExit = hst.Nodes.Len()
	report.Duration = time.Since(start)

	if report.Leaked {
		return report, fmt.Errorf("objects leaked: %v", report.Live)
	}
	return report, nil
}

// exercise runs one pass of every request kind on session h and returns
// the number of requests sent and notifications dequeued.
func exercise(mod *vdev.Module, h vdev.SessionHandle, it int) (int, int, error) {
	sent := 0
	call := func(kind vdev.RequestKind, payload any) (vdev.Payload, error) {
		var p vdev.Payload
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			p = raw
		}
		sent++
		out, err := mod.Dispatch(h, kind, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		return out, nil
	}

	steps := []struct {
		kind    vdev.RequestKind
		payload any
	}{
		{vdev.RequestQueryCapabilities, nil},
		{vdev.RequestEnumerateInputs, backend.IndexRequest{Index: 0}},
		{vdev.RequestSetInput, backend.IndexRequest{Index: it % 2}},
		{vdev.RequestGetInput, nil},
		{vdev.RequestEnumerateFormats, backend.IndexRequest{Index: 0}},
		{vdev.RequestSetFormat, backend.Format{Width: 1920, Height: 1080, PixelFormat: "NV12"}},
		{vdev.RequestGetFormat, nil},
		{vdev.RequestSetControl, backend.Control{ID: backend.CtrlBrightness, Value: int32(it % 256)}},
		{vdev.RequestGetControl, backend.Control{ID: backend.CtrlBrightness}},
		{vdev.RequestSetExtendedControls, backend.ExtControls{Controls: []backend.Control{
			{ID: backend.CtrlContrast, Value: 100},
			{ID: backend.CtrlHue, Value: -10},
		}}},
		{vdev.RequestSetStreamParameters, backend.StreamParams{TimePerFrame: backend.Fraction{Numerator: 1, Denominator: 30}}},
		{vdev.RequestGetStreamParameters, nil},
		{vdev.RequestStartStream, nil},
		{vdev.RequestPollReadiness, nil},
		{vdev.RequestStopStream, nil},
	}
	for _, step := range steps {
		out, err := call(step.kind, step.payload)
		if err != nil {
			return sent, 0, err
		}
		if step.kind == vdev.RequestPollReadiness {
			mask, err := vdev.ParseReadiness(out)
			if err != nil {
				return sent, 0, err
			}
			if !mask.Has(vdev.PollIn) {
				return sent, 0, fmt.Errorf("streaming session not readable: %s", mask)
			}
		}
	}

	got := 0
	for {
		if _, err := mod.DequeueEvent(h); err != nil {
			break
		}
		got++
	}
	return sent, got, nil
}

// CreateSelftestCmd creates the selftest command.
func CreateSelftestCmd() *cobra.Command {
	var sessions, iterations int
	var policy string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the driver lifecycle against an in-process host",
		Long: `Initializes the module with static discovery of msm_ba.0, opens concurrent sessions ` +
			`that exercise every request kind, exits the module and verifies nothing is left allocated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			detach, err := vdev.ParseDetachPolicy(policy)
			if err != nil {
				return err
			}
			report, err := RunSelftest(cmd.Context(), SelftestOptions{
				Sessions:     sessions,
				Iterations:   iterations,
				DetachPolicy: detach,
			})
			if report != nil {
				printReport(cmd.OutOrStdout(), report, jsonOut)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "selftest failed:", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&sessions, "sessions", "n", 8, "Number of concurrent sessions")
	cmd.Flags().IntVarP(&iterations, "iterations", "i", 10, "Request passes per session")
	cmd.Flags().StringVar(&policy, "detach-policy", "reject", "Detach policy (reject, force)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r *SelftestReport, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
		return
	}
	fmt.Fprintf(w, "device:         %s (%s)\n", r.Device, r.Node)
	fmt.Fprintf(w, "sessions:       %d\n", r.Sessions)
	fmt.Fprintf(w, "requests:       %d\n", r.Requests)
	fmt.Fprintf(w, "notifications:  %d\n", r.Notifications)
	fmt.Fprintf(w, "stream changes: %d\n", r.StreamChanges)
	fmt.Fprintf(w, "live objects:   %v\n", r.Live)
	fmt.Fprintf(w, "leaked:         %t\n", r.Leaked)
	fmt.Fprintf(w, "duration:       %s\n", r.Duration.Round(time.Millisecond))
}
