package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. The embedded zerolog.Logger carries the
// level methods; Close releases the log file.
type Logger struct {
	zerolog.Logger

	file     io.Closer
	redactor *Redactor
}

// Config controls where log records go.
type Config struct {
	Level     string
	File      string
	Console   bool // stderr
	Pretty    bool // human-readable console output
	Redaction bool
	// MaxSize (MB) enables rotation of File; MaxAge is in days.
	MaxSize  int
	MaxAge   int
	Compress bool
}

// DefaultConfig is used when no logging section is configured.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}

// New builds the logger and installs it as the zerolog global. Unknown
// levels fall back to info.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(cfg.Pretty))
	}

	file, err := openFile(cfg)
	if err != nil {
		return nil, err
	}
	if file != nil {
		sinks = append(sinks, file)
	}

	out := io.Discard
	switch len(sinks) {
	case 0:
	case 1:
		out = sinks[0]
	default:
		out = io.MultiWriter(sinks...)
	}

	l := &Logger{file: file}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		out = l.redactor.Wrap(out)
	}

	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Str("service", "mnemo").Logger()
	log.Logger = l.Logger
	return l, nil
}

func consoleSink(pretty bool) io.Writer {
	if !pretty {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

// openFile returns nil when no file is configured.
func openFile(cfg Config) (io.WriteCloser, error) {
	if cfg.File == "" {
		return nil, nil
	}
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// GetZerolog returns the plain zerolog.Logger for packages that take one.
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.Logger
}
