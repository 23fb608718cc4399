// Package config handles configuration loading and validation for annotd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Version is the current configuration schema version.
const Version = 3

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Collection CollectionConfig `toml:"collection" json:"collection" yaml:"collection"`
	History    HistoryConfig    `toml:"history" json:"history" yaml:"history"`
	Snippet    SnippetConfig    `toml:"snippet" json:"snippet" yaml:"snippet"`
	Editor     EditorConfig     `toml:"editor" json:"editor" yaml:"editor"`
	Notify     NotifyConfig     `toml:"notify" json:"notify" yaml:"notify"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	IPC        IPCConfig        `toml:"ipc" json:"ipc" yaml:"ipc"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// CollectionConfig controls which images are tracked and how their
// annotation sidecars are discovered and reloaded.
type CollectionConfig struct {
	Roots           []string `toml:"roots" json:"roots" yaml:"roots"`
	SidecarSuffix   string   `toml:"sidecar_suffix" json:"sidecar_suffix" yaml:"sidecar_suffix"`
	IncludePatterns []string `toml:"include_patterns" json:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`
	Watch           bool     `toml:"watch" json:"watch" yaml:"watch"`
	DebounceMs      int      `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
	ValidateSchema  bool     `toml:"validate_schema" json:"validate_schema" yaml:"validate_schema"`
	MaxSidecarBytes int64    `toml:"max_sidecar_bytes" json:"max_sidecar_bytes" yaml:"max_sidecar_bytes"`
}

// HistoryConfig controls the SQLite change journal.
type HistoryConfig struct {
	Enabled        bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path           string `toml:"path" json:"path" yaml:"path"`
	MaxConnections int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	BusyTimeoutMs  int    `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
	RetentionDays  int    `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// SnippetConfig controls image snippet extraction.
type SnippetConfig struct {
	MaxEdge int    `toml:"max_edge" json:"max_edge" yaml:"max_edge"`
	Format  string `toml:"format" json:"format" yaml:"format"`
	Padding int    `toml:"padding" json:"padding" yaml:"padding"`
}

// EditorConfig controls the selection lifecycle defaults.
type EditorConfig struct {
	Headless    bool   `toml:"headless" json:"headless" yaml:"headless"`
	ReadOnly    bool   `toml:"read_only" json:"read_only" yaml:"read_only"`
	DefaultTool string `toml:"default_tool" json:"default_tool" yaml:"default_tool"`
}

// NotifyConfig controls desktop notifications for annotation events.
type NotifyConfig struct {
	Enabled   bool     `toml:"enabled" json:"enabled" yaml:"enabled"`
	Events    []string `toml:"events" json:"events" yaml:"events"`
	TimeoutMs int      `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig controls the local control socket.
type IPCConfig struct {
	Enabled        bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	SocketPath     string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
	Permissions    string `toml:"permissions" json:"permissions" yaml:"permissions"`
	MaxConnections int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec     int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// MetricsConfig controls the in-process metrics registry. ListenAddr
// serves /metrics and /healthz over HTTP when set; empty keeps the
// registry log-dump only.
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr      string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
	DumpIntervalSec int    `toml:"dump_interval_sec" json:"dump_interval_sec" yaml:"dump_interval_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := AnnotdDir()

	return &Config{
		Version: Version,

		Collection: CollectionConfig{
			Roots:           []string{},
			SidecarSuffix:   ".annotations.json",
			IncludePatterns: DefaultImagePatterns(),
			ExcludePatterns: DefaultExcludePatterns(),
			Watch:           true,
			DebounceMs:      500,
			ValidateSchema:  true,
			MaxSidecarBytes: 16 * 1024 * 1024,
		},

		History: HistoryConfig{
			Enabled:        true,
			Path:           filepath.Join(dir, "history.db"),
			MaxConnections: 4,
			BusyTimeoutMs:  5000,
			RetentionDays:  365,
		},

		Snippet: SnippetConfig{
			MaxEdge: 1024,
			Format:  "png",
			Padding: 0,
		},

		Editor: EditorConfig{
			Headless:    false,
			ReadOnly:    false,
			DefaultTool: "rect",
		},

		Notify: NotifyConfig{
			Enabled:   false,
			Events:    []string{"annotation.created", "annotation.updated", "annotation.deleted"},
			TimeoutMs: 5000,
		},

		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "file",
			FilePath:   filepath.Join(PlatformLogDir(), "annotd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},

		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     30,
		},

		Metrics: MetricsConfig{
			Enabled:         true,
			ListenAddr:      "",
			DumpIntervalSec: 0,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// AnnotdDir returns the annotd data directory. The ANNOTD_DATA_DIR
// environment variable overrides the platform default.
func AnnotdDir() string {
	if dir := os.Getenv("ANNOTD_DATA_DIR"); dir != "" {
		return dir
	}
	return PlatformDataDir()
}

// Load reads the configuration from the given path. A missing file
// yields the defaults; an empty path searches the standard locations.
// Environment overrides are applied after parsing.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}

	cfg, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for errors. Warning-level issues,
// such as collection roots that do not exist yet, do not fail validation.
func (c *Config) Validate() error {
	err := ValidateConfig(c)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(ValidationErrors); ok && !verrs.HasErrors() {
		return nil
	}
	return err
}

// ApplyEnvOverrides applies ANNOTD_* environment variables on top of the
// loaded configuration. Environment always wins over the file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ANNOTD_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("ANNOTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ANNOTD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
		c.Logging.Output = "file"
	}
	if v := os.Getenv("ANNOTD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("ANNOTD_DEFAULT_TOOL"); v != "" {
		c.Editor.DefaultTool = v
	}
	if v := os.Getenv("ANNOTD_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Editor.Headless = b
		}
	}
	if v := os.Getenv("ANNOTD_READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Editor.ReadOnly = b
		}
	}
}

// EnsureDirectories creates the directories the configuration refers to.
// Collection roots are user content and are never created here.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		AnnotdDir(),
	}

	if c.History.Path != "" {
		dirs = append(dirs, filepath.Dir(c.History.Path))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.IPC.SocketPath != "" && runtime.GOOS != "windows" {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.Collection.Roots = append([]string(nil), c.Collection.Roots...)
	clone.Collection.IncludePatterns = append([]string(nil), c.Collection.IncludePatterns...)
	clone.Collection.ExcludePatterns = append([]string(nil), c.Collection.ExcludePatterns...)
	clone.Notify.Events = append([]string(nil), c.Notify.Events...)

	return &clone
}

// defaultSocketPath returns the platform default IPC socket path.
func defaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\annotd`
	}
	if dir := PlatformRuntimeDir(); dir != "" {
		return filepath.Join(dir, "annotd.sock")
	}
	return "/tmp/annotd.sock"
}

// PIDFilePath returns the default daemon PID file path.
func PIDFilePath() string {
	if dir := PlatformRuntimeDir(); dir != "" {
		return filepath.Join(dir, "annotd.pid")
	}
	return filepath.Join(AnnotdDir(), "annotd.pid")
}
