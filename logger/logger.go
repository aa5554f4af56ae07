// Package logger provides structured logging for relay-core using slog.
// All log output goes to a rotated file under the state directory, keeping
// stdout/stderr clean for the CLI surface.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zhubert/relay-core/paths"
)

var (
	mu       sync.Mutex
	instance *slog.Logger
	output   io.Closer
	levelVar = new(slog.LevelVar)
)

// Options controls log destination and rotation.
type Options struct {
	// Debug lowers the level from Info to Debug.
	Debug bool
	// MaxSizeMB is the size at which the log file rotates. Zero means 10.
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep. Zero means 3.
	MaxBackups int
}

// Init sets up the global logger writing to logs/relay.log under the state
// directory. Safe to call more than once; later calls replace the previous
// output after closing it.
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	logsDir, err := paths.LogsDir()
	if err != nil {
		return fmt.Errorf("resolve logs dir: %w", err)
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}

	if output != nil {
		output.Close()
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "relay.log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	output = rotated

	levelVar.Set(slog.LevelInfo)
	if opts.Debug {
		levelVar.Set(slog.LevelDebug)
	}

	instance = slog.New(slog.NewTextHandler(rotated, &slog.HandlerOptions{
		Level: levelVar,
	}))
	return nil
}

// ensureInit lazily initializes a discard logger so library consumers who
// never call Init still get a usable (silent) logger.
func ensureInit() *slog.Logger {
	if instance == nil {
		instance = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return instance
}

// Get returns the global logger.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return ensureInit()
}

// WithSession returns a logger with the session id attached.
func WithSession(sessionID string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return ensureInit().With("session", sessionID)
}

// WithComponent returns a logger with the component name attached.
func WithComponent(name string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return ensureInit().With("component", name)
}

// SetDebug toggles debug-level output at runtime.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Close flushes and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if output != nil {
		err := output.Close()
		output = nil
		return err
	}
	return nil
}

// Reset clears the global logger. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	if output != nil {
		output.Close()
		output = nil
	}
	instance = nil
	levelVar.Set(slog.LevelInfo)
}
