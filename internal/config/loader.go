package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the config file and can watch it for edits, so the
// daemon picks up changes without a restart.
type Loader struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	errs     chan error
	stop     chan struct{}
	stopOnce sync.Once
}

// NewLoader returns a loader for the config file at path.
func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
		errs: make(chan error, 1),
		stop: make(chan struct{}),
	}
}

// parse reads, applies env overrides, and validates. It never touches
// loader state, so the watch path can call it speculatively.
func (l *Loader) parse() (*Config, error) {
	cfg, err := readConfigFile(l.path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Load parses the config file and makes it current. Files written by
// older annotd versions are migrated in place.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.parse()
	if err != nil {
		return nil, err
	}

	if cfg.Version < Version {
		result, err := MigrateConfig(cfg, l.path)
		if err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		if result != nil {
			_ = SaveMigrationHistory(result)
		}
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Watch re-parses the file when it changes on disk and hands the new
// config to OnChange callbacks. The containing directory is watched
// rather than the file itself, because most editors replace the file
// on save and that would orphan a watch on the old inode.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	// Editors produce bursts of writes on save. The quiet timer
	// coalesces each burst into a single reload.
	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-l.stop:
			return

		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(l.path) {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				quiet.Reset(100 * time.Millisecond)
			}

		case <-quiet.C:
			l.reload()

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// reload swaps in a freshly parsed config. A file that no longer
// parses or validates leaves the previous config in place.
func (l *Loader) reload() {
	cfg, err := l.parse()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()

	for _, cb := range l.onChange {
		cb(cfg)
	}
}

// report delivers a watch error without blocking, dropping it when
// nobody is draining Errors.
func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// OnChange registers a callback invoked after each successful reload.
// Register before calling Watch.
func (l *Loader) OnChange(cb func(*Config)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns the channel watch errors are delivered on.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Close stops the watch goroutine and releases the watcher.
func (l *Loader) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func decodeJSON(data []byte, cfg *Config) error { return json.Unmarshal(data, cfg) }
func decodeYAML(data []byte, cfg *Config) error { return yaml.Unmarshal(data, cfg) }

// sniffOrder is the decode order for files without a recognized
// extension. TOML is the documented default, so it goes first.
var sniffOrder = []func([]byte, *Config) error{decodeTOML, decodeJSON, decodeYAML}

func decoderForExt(ext string) func([]byte, *Config) error {
	switch ext {
	case ".toml":
		return decodeTOML
	case ".json":
		return decodeJSON
	case ".yaml", ".yml":
		return decodeYAML
	}
	return nil
}

// readConfigFile parses the file at path over a fresh set of defaults,
// so absent keys keep their default values. A missing file yields the
// defaults unchanged.
func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if decode := decoderForExt(filepath.Ext(path)); decode != nil {
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		return cfg, nil
	}

	for _, decode := range sniffOrder {
		if err := decode(data, cfg); err == nil {
			return cfg, nil
		}
		// A failed decode may have filled in some fields already.
		cfg = DefaultConfig()
	}
	return nil, fmt.Errorf("parse %s: not valid TOML, JSON, or YAML", filepath.Base(path))
}

// LoadFromEnv builds a configuration from defaults and ANNOTD_*
// environment variables alone, ignoring any config file.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg
}

// LoadOrCreate loads the config at path, writing a default config file
// first when none exists. The bool reports whether a file was written.
// An empty path means the platform default location.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveConfig(DefaultConfig(), path); err != nil {
			return nil, false, fmt.Errorf("write default config: %w", err)
		}
		created = true
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, created, err
	}
	return cfg, created, nil
}

// Merge lays the non-zero fields of src over a copy of dst. It cannot
// express an explicit false or zero; use a full config file for those.
func Merge(dst, src *Config) *Config {
	out := dst.Clone()

	override(&out.Version, src.Version)

	override(&out.Collection.SidecarSuffix, src.Collection.SidecarSuffix)
	override(&out.Collection.DebounceMs, src.Collection.DebounceMs)
	override(&out.Collection.MaxSidecarBytes, src.Collection.MaxSidecarBytes)
	overrideSlice(&out.Collection.Roots, src.Collection.Roots)
	overrideSlice(&out.Collection.IncludePatterns, src.Collection.IncludePatterns)
	overrideSlice(&out.Collection.ExcludePatterns, src.Collection.ExcludePatterns)

	override(&out.History.Path, src.History.Path)
	override(&out.History.MaxConnections, src.History.MaxConnections)
	override(&out.History.BusyTimeoutMs, src.History.BusyTimeoutMs)
	override(&out.History.RetentionDays, src.History.RetentionDays)

	override(&out.Snippet.MaxEdge, src.Snippet.MaxEdge)
	override(&out.Snippet.Format, src.Snippet.Format)
	override(&out.Snippet.Padding, src.Snippet.Padding)

	override(&out.Editor.DefaultTool, src.Editor.DefaultTool)

	overrideSlice(&out.Notify.Events, src.Notify.Events)
	override(&out.Notify.TimeoutMs, src.Notify.TimeoutMs)

	override(&out.Logging.Level, src.Logging.Level)
	override(&out.Logging.Format, src.Logging.Format)
	override(&out.Logging.Output, src.Logging.Output)
	override(&out.Logging.FilePath, src.Logging.FilePath)
	override(&out.Logging.MaxSizeMB, src.Logging.MaxSizeMB)
	override(&out.Logging.MaxBackups, src.Logging.MaxBackups)
	override(&out.Logging.MaxAgeDays, src.Logging.MaxAgeDays)

	override(&out.IPC.SocketPath, src.IPC.SocketPath)
	override(&out.IPC.Permissions, src.IPC.Permissions)
	override(&out.IPC.MaxConnections, src.IPC.MaxConnections)
	override(&out.IPC.TimeoutSec, src.IPC.TimeoutSec)

	override(&out.Metrics.DumpIntervalSec, src.Metrics.DumpIntervalSec)

	return out
}

func override[T comparable](dst *T, src T) {
	var zero T
	if src != zero {
		*dst = src
	}
}

func overrideSlice[T any](dst *[]T, src []T) {
	if len(src) > 0 {
		*dst = src
	}
}

// ConfigWatcher wraps a Loader for callers that want the old and new
// configs delivered together on every change.
type ConfigWatcher struct {
	loader *Loader

	mu        sync.Mutex
	prev      *Config
	callbacks []func(old, next *Config)
}

// NewConfigWatcher loads the config at path and prepares a watcher
// for it. Call Start to begin delivering changes.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{loader: loader, prev: cfg}, nil
}

// Start begins watching for configuration changes.
func (w *ConfigWatcher) Start() error {
	w.loader.OnChange(func(next *Config) {
		w.mu.Lock()
		old := w.prev
		w.prev = next
		cbs := w.callbacks
		w.mu.Unlock()

		for _, cb := range cbs {
			cb(old, next)
		}
	})
	return w.loader.Watch()
}

// OnChange registers a callback receiving the previous and the new
// configuration on each change.
func (w *ConfigWatcher) OnChange(cb func(old, next *Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Config returns the current configuration.
func (w *ConfigWatcher) Config() *Config {
	return w.loader.Config()
}

// Stop stops watching for changes.
func (w *ConfigWatcher) Stop() error {
	return w.loader.Close()
}

// Reload forces a synchronous reload outside the watch path.
func (w *ConfigWatcher) Reload() error {
	cfg, err := w.loader.Load()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.prev = cfg
	w.mu.Unlock()
	return nil
}
