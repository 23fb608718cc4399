// Package logging builds the slog logger annotd components share.
// Output goes to a terminal stream, a size-rotated file, or both,
// and every record carries the owning component name.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Level aliases slog.Level so callers of this package do not need to
// import both.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the record encoding.
type Format int

const (
	// FormatText renders key=value lines for terminals.
	FormatText Format = iota
	// FormatJSON renders one JSON object per record.
	FormatJSON
)

// Config describes one logger. The zero value is not usable; start
// from DefaultConfig or fill every relevant field.
type Config struct {
	Level  Level
	Format Format

	// Output routes records: "stdout", "stderr", "file", or "both"
	// (stderr plus file). Anything else falls back to stderr.
	Output string

	// FilePath receives records when Output includes the file sink.
	FilePath string

	// MaxSize caps the live log file in megabytes before rotation.
	MaxSize int64
	// MaxAge prunes rotated files older than this many days.
	MaxAge int
	// MaxBackups caps how many rotated files survive pruning.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool

	// Component tags every record, e.g. "annotd" or "annotd-gui".
	Component string
}

// DefaultConfig returns the daemon's stock logging setup: info-level
// text on stderr, file sink pointed at the platform log directory.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    50,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "annotd",
	}
}

func defaultLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "annotd", "annotd.log")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		return filepath.Join(base, "annotd", "logs", "annotd.log")
	default:
		state := os.Getenv("XDG_STATE_HOME")
		if state == "" {
			home, _ := os.UserHomeDir()
			state = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(state, "annotd", "annotd.log")
	}
}

// Logger is a configured slog.Logger plus ownership of the rotated
// file sink, if one was opened.
type Logger struct {
	*slog.Logger
	rotator *Rotator
}

// New builds a logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	sink, rot, err := openSink(cfg)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(sink, opts)
	} else {
		h = slog.NewTextHandler(sink, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return &Logger{Logger: slog.New(h), rotator: rot}, nil
}

// openSink resolves cfg.Output to a writer, opening the rotated file
// when the route includes one.
func openSink(cfg *Config) (io.Writer, *Rotator, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		rot, err := NewRotator(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return rot, rot, nil
	case "both":
		rot, err := NewRotator(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return io.MultiWriter(os.Stderr, rot), rot, nil
	default:
		return os.Stderr, nil, nil
	}
}

// SetDefault routes the standard library's slog output through l.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// Close releases the file sink. Safe on loggers without one.
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

// ParseLevel maps a configuration string to a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}
