// Package logger configures the process-wide zerolog logger
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Output string `yaml:"output"` // stdout, stderr or a file path
	Format string `yaml:"format"` // json or console
}

// DefaultConfig returns info-level JSON logging to stderr
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: "stderr",
		Format: "json",
	}
}

var closer io.Closer

// Init configures the global logger. It must be called once by the host
// program; library packages never configure logging themselves.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}

	var w io.Writer = out
	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console", "text":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stderr && out != os.Stdout}
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// Disable replaces the global logger with a no-op one until the next Init
func Disable() {
	log.Logger = zerolog.Nop()
}

// ParseLevel converts a level name to a zerolog level
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	}
	return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Get returns the global logger
func Get() *zerolog.Logger {
	return &log.Logger
}

// With returns a child logger carrying the given string fields as key/value pairs
func With(kv ...string) zerolog.Logger {
	ctx := log.Logger.With()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = ctx.Str(kv[i], kv[i+1])
	}
	return ctx.Logger()
}

// Close releases the log file, if one was opened
func Close() error {
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

func openOutput(output string) (*os.File, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	_ = Close()
	closer = f
	return f, nil
}
