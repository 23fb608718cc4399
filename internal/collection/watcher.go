package collection

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind classifies a filesystem change in the collection.
type ChangeKind int

const (
	// SidecarChanged means a sidecar was written with new content.
	SidecarChanged ChangeKind = iota
	// SidecarRemoved means a sidecar was deleted or renamed away.
	SidecarRemoved
	// ImageAdded means an image file appeared or was rewritten.
	ImageAdded
	// ImageRemoved means an image file was deleted or renamed away.
	ImageRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case SidecarChanged:
		return "sidecar-changed"
	case SidecarRemoved:
		return "sidecar-removed"
	case ImageAdded:
		return "image-added"
	case ImageRemoved:
		return "image-removed"
	default:
		return "unknown"
	}
}

// Change is one debounced collection change.
type Change struct {
	Kind        ChangeKind
	ImagePath   string
	SidecarPath string
	Timestamp   time.Time
}

// Watcher observes collection roots and emits changes after files have
// been stable for the debounce window. Sidecar writes are additionally
// fingerprinted against the store so that the daemon's own saves and
// no-op touches never trigger a reload.
type Watcher struct {
	store    *Store
	log      *slog.Logger
	debounce time.Duration

	fs *fsnotify.Watcher

	stateMu sync.RWMutex
	state   map[string]time.Time // path -> last event time, pending debounce

	changes chan Change
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher over the store's roots.
func NewWatcher(store *Store, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	debounce := time.Duration(store.cfg.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		store:    store,
		log:      log.With("component", "watcher"),
		debounce: debounce,
		fs:       fsw,
		state:    make(map[string]time.Time),
		changes:  make(chan Change, 100),
		errs:     make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start registers the roots and begins watching.
func (w *Watcher) Start() error {
	for _, root := range w.store.Roots() {
		info, err := os.Stat(root)
		if err != nil {
			w.log.Warn("skipping missing root", "root", root, "error", err)
			continue
		}
		if info.IsDir() {
			if err := w.addRecursive(root); err != nil {
				return fmt.Errorf("watch %s: %w", root, err)
			}
		} else {
			if err := w.fs.Add(filepath.Dir(root)); err != nil {
				return fmt.Errorf("watch %s: %w", root, err)
			}
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	w.log.Info("collection watcher started", "roots", len(w.store.Roots()), "debounce", w.debounce)
	return nil
}

// Changes returns the channel of debounced changes.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Pending returns the number of files currently in the debounce window.
func (w *Watcher) Pending() int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return len(w.state)
}

// Stop halts the watcher and closes its channels.
func (w *Watcher) Stop() {
	close(w.done)
	w.wg.Wait()
	close(w.changes)
	close(w.errs)
	w.fs.Close()
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(filepath.Base(path), ".") {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.handleRemoval(ev.Name)

	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		info, err := os.Stat(ev.Name)
		if err != nil {
			// Already gone again; the removal event handles it.
			return
		}
		if info.IsDir() {
			if ev.Op&fsnotify.Create != 0 {
				if err := w.addRecursive(ev.Name); err != nil {
					w.reportError(err)
				}
				w.pendDirContents(ev.Name)
			}
			return
		}
		if !w.interesting(ev.Name) {
			return
		}
		w.stateMu.Lock()
		w.state[ev.Name] = time.Now()
		w.stateMu.Unlock()
	}
}

func (w *Watcher) handleRemoval(path string) {
	w.stateMu.Lock()
	delete(w.state, path)
	w.stateMu.Unlock()

	now := time.Now()
	switch {
	case w.store.IsSidecar(path):
		w.store.forget(path)
		w.emit(Change{
			Kind:        SidecarRemoved,
			ImagePath:   w.store.ImagePath(path),
			SidecarPath: path,
			Timestamp:   now,
		})
	case w.store.MatchesImage(path):
		w.emit(Change{
			Kind:        ImageRemoved,
			ImagePath:   path,
			SidecarPath: w.store.SidecarPath(path),
			Timestamp:   now,
		})
	}
}

// pendDirContents queues files that arrived inside a newly created
// directory, which fsnotify reports only as the directory creation.
func (w *Watcher) pendDirContents(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !w.interesting(path) {
			return nil
		}
		w.stateMu.Lock()
		w.state[path] = time.Now()
		w.stateMu.Unlock()
		return nil
	})
}

func (w *Watcher) interesting(path string) bool {
	return w.store.IsSidecar(path) || w.store.MatchesImage(path)
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 2
	if tick < 25*time.Millisecond {
		tick = 25 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			w.checkStable(now)
		case <-w.done:
			return
		}
	}
}

// checkStable emits changes for files whose last event is older than
// the debounce window. Sidecar content is read and fingerprinted
// outside the lock, then the state is re-checked before emitting so a
// write that raced the read just waits for the next tick.
func (w *Watcher) checkStable(now time.Time) {
	threshold := now.Add(-w.debounce)

	w.stateMu.RLock()
	var ready []string
	for path, last := range w.state {
		if last.Before(threshold) {
			ready = append(ready, path)
		}
	}
	w.stateMu.RUnlock()

	if len(ready) == 0 {
		return
	}

	type result struct {
		path    string
		sidecar bool
		changed bool
		readErr error
	}
	results := make([]result, 0, len(ready))
	for _, path := range ready {
		r := result{path: path, sidecar: w.store.IsSidecar(path)}
		if r.sidecar {
			data, err := os.ReadFile(path)
			if err != nil {
				r.readErr = err
			} else {
				r.changed = w.store.Changed(path, data)
			}
		}
		results = append(results, r)
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for _, r := range results {
		last, ok := w.state[r.path]
		if !ok {
			continue // removed while we were reading
		}
		if last.After(threshold) {
			continue // written again while we were reading
		}
		delete(w.state, r.path)

		if r.readErr != nil {
			if !os.IsNotExist(r.readErr) {
				w.reportError(fmt.Errorf("read %s: %w", r.path, r.readErr))
			}
			continue
		}

		if r.sidecar {
			if !r.changed {
				w.log.Debug("ignoring unchanged sidecar", "path", r.path)
				continue
			}
			w.emit(Change{
				Kind:        SidecarChanged,
				ImagePath:   w.store.ImagePath(r.path),
				SidecarPath: r.path,
				Timestamp:   now,
			})
			continue
		}

		w.emit(Change{
			Kind:        ImageAdded,
			ImagePath:   r.path,
			SidecarPath: w.store.SidecarPath(r.path),
			Timestamp:   now,
		})
	}
}

func (w *Watcher) emit(ch Change) {
	select {
	case w.changes <- ch:
	default:
		w.log.Warn("change buffer full, dropping", "kind", ch.Kind.String(), "image", ch.ImagePath)
	}
}

func (w *Watcher) reportError(err error) {
	select {
	case w.errs <- err:
	default:
		w.log.Warn("error buffer full, dropping", "error", err)
	}
}
