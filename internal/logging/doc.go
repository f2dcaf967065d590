// Package logging wires log/slog for the daemon: one logger per module,
// each with its own runtime-adjustable level.
//
// Every record goes to up to three outputs. Stdout gets text or JSON when
// something is attached to it. The systemd journal gets structured
// fields when journald is reachable (see
// [github.com/coreos/go-systemd/v22/journal.Enabled]). A ring buffer
// keeps the last entries for the API log endpoints and feeds
// [SetLogCallback], which main uses to publish entries on the event bus.
//
// Typical use:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"vdev": "debug"},
//	})
//	logger := logging.GetLogger("vdev").With("device", "msm_ba.0")
//	logger.Info("Device attached", "node", "video35")
//
// Loggers may be obtained before Initialize. They log at info to stdout
// until Initialize installs the configured levels and outputs, after
// which the same *slog.Logger values follow the new configuration.
//
// In the journal each attribute becomes an upper-cased field, so
// records can be filtered with
//
//	journalctl -t vcapd MODULE=vdev DEVICE=msm_ba.0
//
// Levels can be changed at runtime with [SetModuleLevel], which backs
// the config hot reload and the PUT /api/logs/levels endpoint.
package logging
