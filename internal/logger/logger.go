// Package logger builds the zerolog loggers used across the collector.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, format and destination of the logs.
type Config struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	// Format is "json" or "text".
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
	// Output is "stdout", "stderr" or "file".
	Output   string `yaml:"output" validate:"omitempty,oneof=stdout stderr file"`
	FilePath string `yaml:"file_path"`
	Debug    bool   `yaml:"debug"`
}

// New builds the root logger. The returned closer releases the log file,
// if any.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	switch cfg.Output {
	case "stderr":
		out = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return zerolog.Nop(), closer, fmt.Errorf("logging.file_path is required when output is file")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.Output == "file"}
	}

	level, err := ParseLevel(cfg)
	if err != nil {
		return zerolog.Nop(), closer, err
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closer, nil
}

// ParseLevel resolves the configured level. Debug forces debug level.
func ParseLevel(cfg Config) (zerolog.Level, error) {
	if cfg.Debug {
		return zerolog.DebugLevel, nil
	}
	if cfg.Level == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// WithComponent tags a logger with the component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}
