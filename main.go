package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/vcapd/cmd"
	"github.com/smazurov/vcapd/internal/api"
	"github.com/smazurov/vcapd/internal/backend"
	"github.com/smazurov/vcapd/internal/config"
	"github.com/smazurov/vcapd/internal/discovery"
	"github.com/smazurov/vcapd/internal/events"
	"github.com/smazurov/vcapd/internal/host"
	"github.com/smazurov/vcapd/internal/led"
	"github.com/smazurov/vcapd/internal/logging"
	"github.com/smazurov/vcapd/internal/metrics"
	"github.com/smazurov/vcapd/internal/metrics/exporters"
	"github.com/smazurov/vcapd/internal/systemd"
	"github.com/smazurov/vcapd/internal/vdev"
	"github.com/smazurov/vcapd/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Device settings
	DeviceMinor          int    `help:"Device node minor number" default:"35" toml:"device.minor" env:"DEVICE_MINOR"`
	DeviceMaxInstances   int    `help:"Maximum open sessions, 0 for unlimited" default:"16" toml:"device.max_instances" env:"DEVICE_MAX_INSTANCES"`
	DeviceDetachPolicy   string `help:"Detach with open sessions (reject, force)" default:"reject" toml:"device.detach_policy" env:"DEVICE_DETACH_POLICY"`
	DeviceTopologyPolicy string `help:"Topology registration failures (lenient, strict)" default:"lenient" toml:"device.topology_policy" env:"DEVICE_TOPOLOGY_POLICY"`

	// Discovery settings
	DiscoveryMode          string `help:"Discovery mode (static, netlink)" default:"static" toml:"discovery.mode" env:"DISCOVERY_MODE"`
	DiscoveryCompatible    string `help:"Compatible string to bind" default:"qcom,msm-ba" toml:"discovery.compatible" env:"DISCOVERY_COMPATIBLE"`
	DiscoveryStaticDevices string `help:"Platform devices for static discovery" default:"msm_ba.0" toml:"discovery.static_devices" env:"DISCOVERY_STATIC_DEVICES"`

	// Backend settings
	BackendCard   string `help:"Card name reported by the backend" default:"msm_ba" toml:"backend.card" env:"BACKEND_CARD"`
	BackendInputs string `help:"Capture inputs of the backend" default:"HDMI-1,CVBS-0" toml:"backend.inputs" env:"BACKEND_INPUTS"`

	// Status LED settings
	LEDName string `help:"sysfs name of the status LED, empty to disable" default:"" toml:"led.name" env:"LED_NAME"`

	// Logging settings
	LoggingLevel     string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat    string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingVDev      string `help:"Device core logging level" default:"info" toml:"logging.vdev" env:"LOGGING_VDEV"`
	LoggingDiscovery string `help:"Discovery logging level" default:"info" toml:"logging.discovery" env:"LOGGING_DISCOVERY"`
	LoggingAPI       string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingBackend   string `help:"Backend logging level" default:"info" toml:"logging.backend" env:"LOGGING_BACKEND"`
	LoggingHost      string `help:"Host facilities logging level" default:"info" toml:"logging.host" env:"LOGGING_HOST"`
	LoggingLED       string `help:"Status LED logging level" default:"info" toml:"logging.led" env:"LOGGING_LED"`
}

func newDiscovery(opts *Options, bus *events.Bus) (vdev.Discovery, error) {
	cfg := discovery.Config{
		Compatible: opts.DiscoveryCompatible,
		EventBus:   bus,
	}
	switch opts.DiscoveryMode {
	case "static", "":
		return discovery.NewStatic(cfg, config.SplitList(opts.DiscoveryStaticDevices)), nil
	case "netlink":
		return discovery.NewNetlink(cfg), nil
	default:
		return nil, errors.New("unknown discovery mode " + opts.DiscoveryMode)
	}
}

// reloadOnHangup reloads logging levels on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher[logging.Config]) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			w.Reload()
		}
	}
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"vdev":      opts.LoggingVDev,
				"discovery": opts.LoggingDiscovery,
				"api":       opts.LoggingAPI,
				"backend":   opts.LoggingBackend,
				"host":      opts.LoggingHost,
				"led":       opts.LoggingLED,
			},
		})
		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()

		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(events.LogEntryEvent{
				Seq:        entry.Seq,
				Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
				Level:      entry.Level,
				Module:     entry.Module,
				Message:    entry.Message,
				Attributes: entry.Attributes,
			})
		})

		detachPolicy, err := vdev.ParseDetachPolicy(opts.DeviceDetachPolicy)
		if err != nil {
			logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}
		topologyPolicy, err := vdev.ParseTopologyPolicy(opts.DeviceTopologyPolicy)
		if err != nil {
			logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}
		disc, err := newDiscovery(opts, eventBus)
		if err != nil {
			logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}

		hst := host.New()
		module := vdev.NewModule(vdev.Config{
			Host: hst.VDev(),
			Backend: backend.NewMemory(backend.Config{
				Card:        opts.BackendCard,
				Inputs:      config.SplitList(opts.BackendInputs),
				MaxSessions: opts.DeviceMaxInstances,
			}),
			Minor:          opts.DeviceMinor,
			MaxInstances:   opts.DeviceMaxInstances,
			DetachPolicy:   detachPolicy,
			TopologyPolicy: topologyPolicy,
			EventBus:       eventBus,
			Tracker:        metrics.NewTracker(),
		}, disc)

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Module:            module,
			Host:              hst,
			EventBus:          eventBus,
			PrometheusHandler: exporters.HTTPHandler(),
		})

		ledLogger := logging.GetLogger("led")
		ledManager := led.NewManager(led.New(led.StatusLED, opts.LEDName, led.DefaultSysfsRoot, ledLogger), eventBus, ledLogger)

		notifier := systemd.NewNotifier(logger)
		runCtx, stopRun := context.WithCancel(context.Background())
		var watcher *config.Watcher[logging.Config]

		hooks.OnStart(func() {
			// Subscribe before init so the attach shows on the LED
			ledManager.Start()

			if initErr := module.Init(); initErr != nil {
				logger.Error("Failed to initialize capture module", "error", initErr)
				os.Exit(1)
			}

			if w, watchErr := config.WatchLogging(opts.Config, logger); watchErr != nil {
				logger.Warn("Config hot reload disabled", "path", opts.Config, "error", watchErr)
			} else {
				watcher = w
				go reloadOnHangup(runCtx, watcher)
			}

			notifier.Status("serving on " + opts.Port)
			notifier.Ready()
			go notifier.Watchdog(runCtx)

			logger.Info("Starting HTTP server", "port", opts.Port, "version", version.String())
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stopping()
			stopRun()

			// Closes the sessions the API holds, so exit can detach
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			if exitErr := module.Exit(); exitErr != nil {
				logger.Error("Capture module exit failed", "error", exitErr)
			}
			ledManager.Stop()
			if watcher != nil {
				if stopErr := watcher.Stop(); stopErr != nil {
					logger.Warn("Error stopping config watcher", "error", stopErr)
				}
			}
		})
	})

	// Add selftest command
	cli.Root().AddCommand(cmd.CreateSelftestCmd())

	// Run the CLI
	cli.Run()
}
