package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// DefaultBufferSize is the number of entries kept for the log stream.
const DefaultBufferSize = 1000

// Logger is what components log through. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config selects the global level, the stdout format and per-module levels.
type Config struct {
	Level   string            `toml:"level" yaml:"level"`
	Format  string            `toml:"format" yaml:"format"`
	Modules map[string]string `toml:"modules" yaml:"modules"`
}

// registry owns the module loggers of the process. Every module keeps one
// LevelVar for its lifetime, so loggers handed out early follow later
// level changes.
type registry struct {
	mu       sync.RWMutex
	cfg      Config
	ready    bool
	root     *slog.LevelVar
	loggers  map[string]*slog.Logger
	levels   map[string]*slog.LevelVar
	buffer   *RingBuffer
	callback LogCallback
}

func newRegistry() *registry {
	return &registry{
		root:    &slog.LevelVar{},
		loggers: make(map[string]*slog.Logger),
		levels:  make(map[string]*slog.LevelVar),
	}
}

var std = newRegistry()

// Initialize applies config, creates the log stream buffer and rebuilds
// every module logger so earlier ones gain the journal and buffer outputs.
func Initialize(config Config) {
	r := std
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg = config
	r.ready = true
	r.buffer = NewRingBuffer(DefaultBufferSize)
	r.root.Set(r.levelFor(""))

	for module, lv := range r.levels {
		lv.Set(r.levelFor(module))
		r.loggers[module] = r.newLogger(module, lv)
	}
	slog.SetDefault(slog.New(createHandler(config.Format, r.root)))
}

// levelFor resolves the level of module: its own entry, then the global
// level, then info. The caller holds mu.
func (r *registry) levelFor(module string) slog.Level {
	if !r.ready {
		return slog.LevelInfo
	}
	if module != "" {
		if l := parseLevel(r.cfg.Modules[module]); l != nil {
			return *l
		}
	}
	if l := parseLevel(r.cfg.Level); l != nil {
		return *l
	}
	return slog.LevelInfo
}

func (r *registry) newLogger(module string, lv *slog.LevelVar) *slog.Logger {
	format := "text"
	if r.ready {
		format = r.cfg.Format
	}
	return slog.New(createHandler(format, lv)).With("module", module)
}

// sink returns where buffered entries go; a nil buffer means Initialize has
// not run yet.
func (r *registry) sink() (*RingBuffer, LogCallback) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buffer, r.callback
}

// GetLogger returns the logger of module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	r := std
	r.mu.RLock()
	logger, ok := r.loggers[module]
	r.mu.RUnlock()
	if ok {
		return logger
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if logger, ok := r.loggers[module]; ok {
		return logger
	}
	lv := &slog.LevelVar{}
	lv.Set(r.levelFor(module))
	logger = r.newLogger(module, lv)
	r.loggers[module] = logger
	r.levels[module] = lv
	return logger
}

// SetModuleLevel changes the level of module at runtime.
func SetModuleLevel(module, level string) error {
	l := parseLevel(level)
	if l == nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	GetLogger(module)

	r := std
	r.mu.Lock()
	defer r.mu.Unlock()
	modules := make(map[string]string, len(r.cfg.Modules)+1)
	for k, v := range r.cfg.Modules {
		modules[k] = v
	}
	modules[module] = level
	r.cfg.Modules = modules
	r.levels[module].Set(*l)
	return nil
}

// GetBuffer returns the log stream buffer, nil before Initialize.
func GetBuffer() *RingBuffer {
	buffer, _ := std.sink()
	return buffer
}

// SetLogCallback is called with every buffered entry; main uses it to
// publish entries on the event bus.
func SetLogCallback(callback LogCallback) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.callback = callback
}

// createHandler builds the output chain of one logger: stdout in format
// when stdout goes somewhere, the journal when reachable, and the buffer.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	handlers := make([]slog.Handler, 0, 3)
	if isStdoutAvailable() {
		if format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(os.Stdout, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stdout, opts))
		}
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}
	handlers = append(handlers, NewBufferHandler(level))
	return NewMultiHandler(handlers...)
}

// isStdoutAvailable reports whether stdout leads to a terminal, pipe, socket or file.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	m := fi.Mode()
	return m.IsRegular() || m&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0
}

func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
