package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError describes a single bad config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the issue should not fail validation.
// Collection roots may not exist yet; the scanner skips them until
// they appear.
func (e *ValidationError) IsWarning() bool {
	return strings.HasPrefix(e.Field, "collection.roots")
}

// ValidationErrors collects every issue found in one validation pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, msg string) {
	*e = append(*e, ValidationError{Field: field, Message: msg})
}

func (e *ValidationErrors) addf(field, format string, args ...any) {
	e.add(field, fmt.Sprintf(format, args...))
}

func (e ValidationErrors) filter(warning bool) ValidationErrors {
	var out ValidationErrors
	for i := range e {
		if e[i].IsWarning() == warning {
			out = append(out, e[i])
		}
	}
	return out
}

// Warnings returns the issues that do not fail validation.
func (e ValidationErrors) Warnings() ValidationErrors { return e.filter(true) }

// Errors returns the issues that do fail validation.
func (e ValidationErrors) Errors() ValidationErrors { return e.filter(false) }

// HasErrors reports whether any issue is error level.
func (e ValidationErrors) HasErrors() bool { return len(e.Errors()) > 0 }

// ValidateConfig checks every section of the configuration and returns
// the collected issues, or nil when the config is clean.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs.addf("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	errs = append(errs, validateCollection(&c.Collection)...)
	errs = append(errs, validateHistory(&c.History)...)
	errs = append(errs, validateSnippet(&c.Snippet)...)
	errs = append(errs, validateEditor(&c.Editor)...)
	errs = append(errs, validateNotify(&c.Notify)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateCollection(c *CollectionConfig) (errs ValidationErrors) {
	for i, root := range c.Roots {
		expanded := expandPath(root)
		if expanded == "" {
			errs.add(fmt.Sprintf("collection.roots[%d]", i), "path cannot be empty")
			continue
		}
		if _, err := os.Stat(expanded); os.IsNotExist(err) {
			errs.addf(fmt.Sprintf("collection.roots[%d]", i), "path does not exist: %s", expanded)
		}
	}

	if !strings.HasPrefix(c.SidecarSuffix, ".") {
		errs.addf("collection.sidecar_suffix", "suffix must start with a dot, got %q", c.SidecarSuffix)
	}

	if c.Watch {
		if c.DebounceMs < 50 {
			errs.add("collection.debounce_ms", "debounce must be at least 50ms")
		} else if c.DebounceMs > 60000 {
			errs.add("collection.debounce_ms", "debounce cannot exceed 60000ms (1 minute)")
		}
	}

	if c.MaxSidecarBytes < 0 {
		errs.add("collection.max_sidecar_bytes", "max sidecar size cannot be negative")
	}

	for i, pattern := range c.IncludePatterns {
		if !isValidGlobPattern(pattern) {
			errs.addf(fmt.Sprintf("collection.include_patterns[%d]", i), "invalid glob pattern: %s", pattern)
		}
	}
	for i, pattern := range c.ExcludePatterns {
		if !isValidGlobPattern(pattern) {
			errs.addf(fmt.Sprintf("collection.exclude_patterns[%d]", i), "invalid glob pattern: %s", pattern)
		}
	}

	return errs
}

func validateHistory(h *HistoryConfig) (errs ValidationErrors) {
	if !h.Enabled {
		return nil
	}

	if h.Path == "" {
		errs.add("history.path", "database path is required when history is enabled")
	} else if dir := filepath.Dir(expandPath(h.Path)); dir != "" && dir != "." {
		// The directory is created on startup; an existing non-directory
		// in its place cannot be.
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			errs.addf("history.path", "parent path is not a directory: %s", dir)
		}
	}

	if h.MaxConnections < 1 {
		errs.add("history.max_connections", "max connections must be at least 1")
	} else if h.MaxConnections > 100 {
		errs.add("history.max_connections", "max connections cannot exceed 100")
	}

	if h.BusyTimeoutMs < 0 {
		errs.add("history.busy_timeout_ms", "busy timeout cannot be negative")
	}
	if h.RetentionDays < 0 {
		errs.add("history.retention_days", "retention days cannot be negative")
	}

	return errs
}

func validateSnippet(s *SnippetConfig) (errs ValidationErrors) {
	if s.MaxEdge < 16 {
		errs.add("snippet.max_edge", "max edge must be at least 16 pixels")
	}

	if s.Format != "png" && s.Format != "jpeg" {
		errs.addf("snippet.format", "invalid format: %s (valid: png, jpeg)", s.Format)
	}

	if s.Padding < 0 {
		errs.add("snippet.padding", "padding cannot be negative")
	} else if s.Padding > 4096 {
		errs.add("snippet.padding", "padding cannot exceed 4096 pixels")
	}

	return errs
}

func validateEditor(e *EditorConfig) (errs ValidationErrors) {
	if e.DefaultTool == "" {
		errs.add("editor.default_tool", "default tool is required")
	}
	return errs
}

func validateNotify(n *NotifyConfig) (errs ValidationErrors) {
	if !n.Enabled {
		return nil
	}

	for i, ev := range n.Events {
		if strings.TrimSpace(ev) == "" {
			errs.addf(fmt.Sprintf("notify.events[%d]", i), "event name cannot be empty")
		}
	}

	if n.TimeoutMs < 0 {
		errs.add("notify.timeout_ms", "timeout cannot be negative")
	}

	return errs
}

func validateLogging(l *LoggingConfig) (errs ValidationErrors) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs.addf("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}

	if l.Format != "text" && l.Format != "json" {
		errs.addf("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}

	if l.Output == "" {
		errs.add("logging.output", "log output is required")
	}
	if l.Output == "file" && l.FilePath == "" {
		errs.add("logging.file_path", "file path is required when output is 'file'")
	}

	if l.MaxSizeMB < 1 {
		errs.add("logging.max_size_mb", "max size must be at least 1 MB")
	}
	if l.MaxBackups < 0 {
		errs.add("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		errs.add("logging.max_age_days", "max age cannot be negative")
	}

	return errs
}

var octalPerms = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig) (errs ValidationErrors) {
	if !i.Enabled {
		return nil
	}

	if i.SocketPath == "" {
		errs.add("ipc.socket_path", "socket path is required when IPC is enabled")
	}

	// Permission strings only apply to Unix sockets, but a malformed
	// one is a config mistake on any platform.
	if i.Permissions != "" && !octalPerms.MatchString(i.Permissions) {
		errs.addf("ipc.permissions", "invalid permissions format: %s (expected octal like 0600)", i.Permissions)
	}

	if i.MaxConnections < 1 {
		errs.add("ipc.max_connections", "max connections must be at least 1")
	}
	if i.TimeoutSec < 1 {
		errs.add("ipc.timeout_sec", "timeout must be at least 1 second")
	}

	return errs
}

func validateMetrics(m *MetricsConfig) (errs ValidationErrors) {
	if m.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
			errs.addf("metrics.listen_addr", "not a host:port address: %v", err)
		}
	}

	if m.DumpIntervalSec < 0 {
		errs.add("metrics.dump_interval_sec", "dump interval cannot be negative")
	}

	return errs
}

// expandPath resolves a leading ~/ against the user's home directory.
func expandPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

func isValidGlobPattern(pattern string) bool {
	_, err := filepath.Match(pattern, "probe")
	return pattern != "" && err == nil
}
