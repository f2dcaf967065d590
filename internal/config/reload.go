package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/vcapd/internal/logging"
)

// ApplyLoggingLevels pushes the levels of cfg to the running loggers.
// Modules without an explicit level fall back to the global level.
func ApplyLoggingLevels(cfg logging.Config, logger *slog.Logger) {
	for module := range logging.ModuleLevels() {
		level, ok := cfg.Modules[module]
		if !ok {
			level = cfg.Level
		}
		if err := logging.SetModuleLevel(module, level); err != nil {
			logger.Warn("Ignoring log level", "module", module, "level", level, "error", err)
		}
	}
	for module, level := range cfg.Modules {
		if err := logging.SetModuleLevel(module, level); err != nil {
			logger.Warn("Ignoring log level", "module", module, "level", level, "error", err)
		}
	}
}

// WatchLogging starts a watcher that reapplies logging levels whenever
// the config file changes.
func WatchLogging(path string, logger *slog.Logger, opts ...WatcherOption[logging.Config]) (*Watcher[logging.Config], error) {
	w := NewConfigWatcher(path, ReadLoggingConfig, logger, opts...)
	w.OnReload(func(cfg logging.Config) {
		ApplyLoggingLevels(cfg, logger)
		logger.Info("Logging levels reloaded", "level", cfg.Level, "modules", len(cfg.Modules))
	})
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

func defaultLoggingConfig() logging.Config {
	return logging.Config{Level: "info", Format: "text", Modules: map[string]string{}}
}

// LoadLoggingConfig is ReadLoggingConfig falling back to info/text when
// the file is absent or unreadable.
func LoadLoggingConfig(path string) logging.Config {
	if path == "" {
		return defaultLoggingConfig()
	}
	cfg, err := ReadLoggingConfig(path)
	if err != nil {
		return defaultLoggingConfig()
	}
	return cfg
}

// ReadLoggingConfig reads the [logging] table of a TOML config file.
// Keys other than level and format are module levels.
func ReadLoggingConfig(path string) (logging.Config, error) {
	cfg := defaultLoggingConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	var doc struct {
		Logging map[string]string `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	for key, value := range doc.Logging {
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}
	return cfg, nil
}
