package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 1000

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

// registry holds the module loggers and the shared outputs. Loggers are
// handed out before Initialize runs, so each one forwards through a
// swappable handler chain and keeps its identity across Initialize.
type registry struct {
	mu      sync.RWMutex
	cfg     Config
	ready   bool
	global  slog.LevelVar
	levels  map[string]*slog.LevelVar
	chains  map[string]*atomic.Pointer[slog.Handler]
	loggers map[string]*slog.Logger
	buffer  *RingBuffer
	onEntry LogCallback
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		levels:  make(map[string]*slog.LevelVar),
		chains:  make(map[string]*atomic.Pointer[slog.Handler]),
		loggers: make(map[string]*slog.Logger),
	}
}

// levelFor resolves the configured level of module. Callers hold mu.
func (r *registry) levelFor(module string) slog.Level {
	level := slog.LevelInfo
	if !r.ready {
		return level
	}
	if l, ok := parseLevel(r.cfg.Level); ok {
		level = l
	}
	if l, ok := parseLevel(r.cfg.Modules[module]); ok {
		level = l
	}
	return level
}

func (r *registry) format() string {
	if !r.ready {
		return "text"
	}
	return r.cfg.Format
}

// Initialize sets up the logging system. Loggers obtained earlier pick
// up the new levels and outputs.
func Initialize(config Config) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.cfg = config
	reg.ready = true
	reg.buffer = NewRingBuffer(defaultBufferSize)
	reg.global.Set(reg.levelFor(""))

	for module, lv := range reg.levels {
		lv.Set(reg.levelFor(module))
		chain := createHandler(config.Format, lv)
		reg.chains[module].Store(&chain)
	}

	slog.SetDefault(slog.New(createHandler(config.Format, &reg.global)))
}

// SetModuleLevel changes the level of one module at runtime. An unknown
// level string is rejected.
func SetModuleLevel(module, level string) error {
	parsed, ok := parseLevel(level)
	if !ok {
		return fmt.Errorf("invalid log level %q", level)
	}
	GetLogger(module)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.levels[module].Set(parsed)
	if reg.cfg.Modules == nil {
		reg.cfg.Modules = make(map[string]string)
	}
	reg.cfg.Modules[module] = level
	return nil
}

// ModuleLevels returns the effective level of every known module.
func ModuleLevels() map[string]string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	levels := make(map[string]string, len(reg.levels))
	for module, lv := range reg.levels {
		levels[module] = levelToString(lv.Level())
	}
	return levels
}

// GetBuffer returns the log history, nil before Initialize.
func GetBuffer() *RingBuffer {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.buffer
}

// SetLogCallback registers fn to receive every buffered entry.
func SetLogCallback(fn LogCallback) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.onEntry = fn
}

func sink() (*RingBuffer, LogCallback) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.buffer, reg.onEntry
}

// GetLogger returns the logger of module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	reg.mu.RLock()
	logger, ok := reg.loggers[module]
	reg.mu.RUnlock()
	if ok {
		return logger
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if logger, ok := reg.loggers[module]; ok {
		return logger
	}

	lv := &slog.LevelVar{}
	lv.Set(reg.levelFor(module))
	chain := createHandler(reg.format(), lv)
	root := &atomic.Pointer[slog.Handler]{}
	root.Store(&chain)

	logger = slog.New(&swapHandler{root: root}).With("module", module)
	reg.levels[module] = lv
	reg.chains[module] = root
	reg.loggers[module] = logger
	return logger
}

// swapHandler forwards to the handler stored in root, replaying the
// attrs and groups it was derived with.
type swapHandler struct {
	root *atomic.Pointer[slog.Handler]
	ops  []func(slog.Handler) slog.Handler
}

func (h *swapHandler) current() slog.Handler {
	cur := *h.root.Load()
	for _, op := range h.ops {
		cur = op(cur)
	}
	return cur
}

func (h *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*h.root.Load()).Enabled(ctx, level)
}

func (h *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *swapHandler) WithGroup(name string) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *swapHandler) with(op func(slog.Handler) slog.Handler) slog.Handler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &swapHandler{root: h.root, ops: append(ops, op)}
}

// createHandler builds the output chain: stdout when something is
// attached to it, the journal when it is reachable, and always the ring
// buffer.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	var stdout slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if format == "json" {
		stdout = slog.NewJSONHandler(os.Stdout, opts)
	}

	handlers := []slog.Handler{NewBufferHandler(level)}
	if IsJournalAvailable() {
		handlers = append([]slog.Handler{NewJournalHandler(level)}, handlers...)
	}
	if stdoutAttached() {
		handlers = append([]slog.Handler{stdout}, handlers...)
	}
	if len(handlers) == 1 {
		return handlers[0]
	}
	return NewMultiHandler(handlers...)
}

// stdoutAttached reports whether stdout goes somewhere other than a
// device such as /dev/null.
func stdoutAttached() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	if mode.IsRegular() {
		return true
	}
	return mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}
