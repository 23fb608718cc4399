package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"annotd/internal/collection"
	"annotd/internal/config"
	"annotd/internal/history"
	"annotd/internal/ipc"
	"annotd/internal/logging"
	"annotd/internal/metrics"
	"annotd/internal/notify"
	"annotd/pkg/annotator"
)

func cmdServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	fs.Parse(os.Args[2:])

	if err := runServe(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "annotd: %v\n", err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}

	cfg, created, err := config.LoadOrCreate(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging setup: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.Logger

	crash := logging.DefaultCrashHandler()
	crash.SetVersion(Version)

	if created {
		log.Info("wrote default configuration", "path", configPath)
	}

	pidPath := config.PIDFilePath()
	if pid, running := readLivePID(pidPath); running {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	var ret error
	crash.Recover(func() { ret = serve(configPath, cfg, log) })
	return ret
}

// newLogger maps the file configuration onto the logging package.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if strings.EqualFold(cfg.Format, "json") {
		format = logging.FormatJSON
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    int64(cfg.MaxSizeMB),
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Component:  "annotd",
	})
}

// serve assembles the daemon and blocks until a signal or an IPC
// shutdown request arrives. Teardown happens in reverse construction
// order through the deferred stops.
func serve(configPath string, cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	var watcherActive atomic.Bool

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }

	store, err := collection.NewStore(cfg.Collection, log.With("component", "collection"))
	if err != nil {
		return fmt.Errorf("collection: %w", err)
	}

	var m *metrics.AnnotdMetrics
	if cfg.Metrics.Enabled {
		m = metrics.NewAnnotdMetrics(nil)
	}

	var journal *history.Store
	if cfg.History.Enabled {
		journal, err = history.Open(cfg.History, log.With("component", "history"))
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer journal.Close()
		startJournalPruner(ctx, journal, cfg.History, log)
	}

	ann := annotator.New(annotator.Options{
		DisableEditor: true,
		ReadOnly:      cfg.Editor.ReadOnly,
		Logger:        log.With("component", "annotator"),
	})
	defer ann.Destroy()
	if tool := cfg.Editor.DefaultTool; tool != "" {
		if err := ann.SetDrawingTool(tool); err != nil {
			log.Warn("default tool not available", "tool", tool, "error", err)
		}
	}

	var notifier atomic.Pointer[notify.Manager]
	notifier.Store(notify.New(cfg.Notify, log.With("component", "notify")))
	defer func() { notifier.Load().Close() }()

	unsubNotify := ann.OnAny(func(ev annotator.Event) {
		n := notifier.Load()
		t := ev.Type.String()
		if !n.Wants(t) {
			return
		}
		n.Publish(t, notifySummary(ev), notifyBody(ev))
	})
	defer unsubNotify()

	handler := ipc.NewDaemonHandler(ipc.DaemonOptions{
		Version:       Version,
		Annotator:     ann,
		Store:         store,
		History:       journal,
		Metrics:       m,
		ConfigPath:    configPath,
		Config:        func() *config.Config { return current.Load() },
		WatcherActive: func() bool { return watcherActive.Load() },
		Shutdown:      requestShutdown,
		Log:           log.With("component", "daemon"),
	})
	defer handler.BindEvents()()

	if entries, err := store.Scan(); err != nil {
		log.Warn("initial collection scan failed", "error", err)
	} else if len(entries) > 0 {
		if err := handler.OpenSource(entries[0].ImagePath); err != nil {
			log.Warn("could not open initial source", "source", entries[0].ImagePath, "error", err)
		}
		log.Info("collection scanned", "sources", len(entries))
	} else {
		log.Info("collection is empty", "roots", cfg.Collection.Roots)
	}

	var server *ipc.Server
	if cfg.IPC.Enabled {
		server = ipc.NewServer(ipc.ServerConfigFrom(cfg.IPC, Version), handler, log.With("component", "ipc"))
		handler.SetServer(server)
		if err := server.Start(); err != nil {
			return fmt.Errorf("ipc server: %w", err)
		}
		defer server.Stop()
		log.Info("control socket ready", "path", server.SocketPath())
	} else {
		log.Warn("ipc disabled, annotctl and annotd-gui will not connect")
	}

	if cfg.Collection.Watch {
		watcher, err := collection.NewWatcher(store, log.With("component", "watcher"))
		if err != nil {
			log.Warn("collection watcher unavailable", "error", err)
		} else if err := watcher.Start(); err != nil {
			log.Warn("collection watcher failed to start", "error", err)
		} else {
			watcherActive.Store(true)
			defer watcher.Stop()
			go consumeChanges(watcher, handler, server, m, log)
		}
	}

	startMetricsSidecars(ctx, cfg, m, log)

	if cw, err := config.NewConfigWatcher(configPath); err != nil {
		log.Warn("config watcher unavailable", "error", err)
	} else {
		cw.OnChange(func(old, next *config.Config) {
			applyConfigChange(old, next, &current, &notifier, ann, log)
		})
		if err := cw.Start(); err != nil {
			log.Warn("config watcher failed to start", "error", err)
		} else {
			defer cw.Stop()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	log.Info("annotd ready", "version", Version, "pid", os.Getpid())

	select {
	case s := <-sig:
		log.Info("signal received", "signal", s.String())
	case <-shutdownCh:
		log.Info("shutdown requested over ipc")
	}

	if err := handler.Flush(); err != nil {
		log.Error("final save failed", "error", err)
	}
	log.Info("annotd stopped")
	return nil
}

// consumeChanges routes collection watcher output. Sidecar changes
// are reconciled with live state; membership changes only go out to
// streaming clients.
func consumeChanges(w *collection.Watcher, h *ipc.DaemonHandler, srv *ipc.Server, m *metrics.AnnotdMetrics, log *slog.Logger) {
	changes := w.Changes()
	errs := w.Errors()
	for changes != nil || errs != nil {
		select {
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			switch ch.Kind {
			case collection.SidecarChanged, collection.SidecarRemoved:
				if err := h.HandleSidecarChange(ch); err != nil {
					log.Warn("sidecar reconcile failed", "path", ch.ImagePath, "error", err)
					if m != nil {
						m.RecordError()
					}
				}
			case collection.ImageAdded:
				log.Info("image joined the collection", "path", ch.ImagePath)
				if srv != nil {
					srv.Broadcast(&ipc.EventPayload{Type: ipc.EventSourceAdded, Source: ch.ImagePath})
				}
			case collection.ImageRemoved:
				log.Info("image left the collection", "path", ch.ImagePath)
				if srv != nil {
					srv.Broadcast(&ipc.EventPayload{Type: ipc.EventSourceRemoved, Source: ch.ImagePath})
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn("collection watcher error", "error", err)
		}
	}
}

// startJournalPruner trims journal entries older than the retention
// window, once at startup and then daily.
func startJournalPruner(ctx context.Context, journal *history.Store, cfg config.HistoryConfig, log *slog.Logger) {
	if cfg.RetentionDays <= 0 {
		return
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour

	prune := func() {
		if _, err := journal.Prune(retention); err != nil {
			log.Warn("history prune failed", "error", err)
		}
	}
	prune()

	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				prune()
			}
		}
	}()
}

// startMetricsSidecars runs the optional HTTP listener, the uptime
// refresher and the periodic exposition dump.
func startMetricsSidecars(ctx context.Context, cfg *config.Config, m *metrics.AnnotdMetrics, log *slog.Logger) {
	if m == nil {
		return
	}

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Registry().Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			m.UpdateUptime()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, "{\"status\":\"ok\",\"version\":%q}\n", Version)
		})
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics listener ready", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	go func() {
		tick := time.NewTicker(15 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				m.UpdateUptime()
			case <-ctx.Done():
				return
			}
		}
	}()

	if sec := cfg.Metrics.DumpIntervalSec; sec > 0 {
		dumpPath := filepath.Join(config.AnnotdDir(), "metrics.prom")
		go func() {
			tick := time.NewTicker(time.Duration(sec) * time.Second)
			defer tick.Stop()
			for {
				select {
				case <-tick.C:
					m.UpdateUptime()
					if err := dumpMetrics(m, dumpPath); err != nil {
						log.Warn("metrics dump failed", "path", dumpPath, "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

func dumpMetrics(m *metrics.AnnotdMetrics, path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return err
	}
	if err := m.Registry().WritePrometheus(f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), path)
}

// applyConfigChange applies what can change at runtime and names what
// cannot. Handlers read the stored pointer on every request, so
// snippet and editor tuning take effect immediately.
func applyConfigChange(old, next *config.Config, current *atomic.Pointer[config.Config], notifier *atomic.Pointer[notify.Manager], ann *annotator.Annotator, log *slog.Logger) {
	if err := next.Validate(); err != nil {
		log.Warn("ignoring invalid configuration change", "error", err)
		return
	}
	current.Store(next)
	log.Info("configuration reloaded")

	if next.Editor.DefaultTool != old.Editor.DefaultTool && next.Editor.DefaultTool != "" {
		if err := ann.SetDrawingTool(next.Editor.DefaultTool); err != nil {
			log.Warn("new default tool not available", "tool", next.Editor.DefaultTool, "error", err)
		}
	}

	if notifyChanged(old.Notify, next.Notify) {
		replaced := notifier.Swap(notify.New(next.Notify, log.With("component", "notify")))
		replaced.Close()
		log.Info("notifications reconfigured", "enabled", next.Notify.Enabled)
	}

	for _, field := range restartRequired(old, next) {
		log.Warn("configuration change requires restart", "field", field)
	}
}

func notifyChanged(a, b config.NotifyConfig) bool {
	if a.Enabled != b.Enabled || a.TimeoutMs != b.TimeoutMs || len(a.Events) != len(b.Events) {
		return true
	}
	for i := range a.Events {
		if a.Events[i] != b.Events[i] {
			return true
		}
	}
	return false
}

// restartRequired lists config fields whose change cannot be applied
// to a running daemon.
func restartRequired(old, next *config.Config) []string {
	var fields []string
	if strings.Join(old.Collection.Roots, "\x00") != strings.Join(next.Collection.Roots, "\x00") {
		fields = append(fields, "collection.roots")
	}
	if old.Collection.SidecarSuffix != next.Collection.SidecarSuffix {
		fields = append(fields, "collection.sidecar_suffix")
	}
	if old.Collection.Watch != next.Collection.Watch {
		fields = append(fields, "collection.watch")
	}
	if old.History.Enabled != next.History.Enabled || old.History.Path != next.History.Path {
		fields = append(fields, "history")
	}
	if old.IPC.Enabled != next.IPC.Enabled || old.IPC.SocketPath != next.IPC.SocketPath {
		fields = append(fields, "ipc")
	}
	if old.Editor.ReadOnly != next.Editor.ReadOnly {
		fields = append(fields, "editor.read_only")
	}
	if old.Logging != next.Logging {
		fields = append(fields, "logging")
	}
	if old.Metrics.Enabled != next.Metrics.Enabled || old.Metrics.ListenAddr != next.Metrics.ListenAddr {
		fields = append(fields, "metrics")
	}
	return fields
}

// notifySummary renders a short desktop notification title.
func notifySummary(ev annotator.Event) string {
	switch ev.Type {
	case annotator.AnnotationCreated:
		return "Annotation created"
	case annotator.AnnotationUpdated:
		return "Annotation updated"
	case annotator.AnnotationDeleted:
		return "Annotation deleted"
	case annotator.SelectionCreated, annotator.SelectionOpened:
		return "Selection opened"
	case annotator.SelectionCancelled:
		return "Selection cancelled"
	default:
		return "Annotation activity"
	}
}

// notifyBody prefers the annotation's first comment, falling back to
// its identifier.
func notifyBody(ev annotator.Event) string {
	for _, b := range ev.Annotation.Bodies {
		if b.Value != "" {
			return b.Value
		}
	}
	return ev.Annotation.ID
}
