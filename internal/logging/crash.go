package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport is the JSON document written when a panic escapes to
// the crash handler.
type CrashReport struct {
	Time    time.Time `json:"time"`
	Version string    `json:"version"`
	Go      string    `json:"go"`
	OS      string    `json:"os"`
	Arch    string    `json:"arch"`
	Panic   string    `json:"panic"`
	Stack   string    `json:"stack"`
}

// CrashHandler catches panics, dumps a report to disk, and echoes the
// stack to stderr so the failure is visible even when file logging is
// broken.
type CrashHandler struct {
	mu      sync.Mutex
	dir     string
	version string
}

var (
	crashOnce    sync.Once
	crashDefault *CrashHandler
)

// DefaultCrashHandler returns the process-wide handler, writing
// reports under the platform state directory.
func DefaultCrashHandler() *CrashHandler {
	crashOnce.Do(func() {
		crashDefault = NewCrashHandler(defaultCrashDir())
	})
	return crashDefault
}

// NewCrashHandler writes reports into dir, creating it if needed.
func NewCrashHandler(dir string) *CrashHandler {
	os.MkdirAll(dir, 0o750)
	return &CrashHandler{dir: dir}
}

func defaultCrashDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "annotd", "crashes")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		return filepath.Join(base, "annotd", "crashes")
	default:
		state := os.Getenv("XDG_STATE_HOME")
		if state == "" {
			home, _ := os.UserHomeDir()
			state = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(state, "annotd", "crashes")
	}
}

// SetVersion stamps subsequent reports with the build version.
func (h *CrashHandler) SetVersion(v string) {
	h.mu.Lock()
	h.version = v
	h.mu.Unlock()
}

// Recover runs fn and turns any panic into a crash report. The panic
// does not propagate; the caller decides how to shut down.
func (h *CrashHandler) Recover(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			h.report(v)
		}
	}()
	fn()
}

func (h *CrashHandler) report(panicValue any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rep := CrashReport{
		Time:    time.Now().UTC(),
		Version: h.version,
		Go:      runtime.Version(),
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Panic:   fmt.Sprint(panicValue),
		Stack:   string(debug.Stack()),
	}

	path := filepath.Join(h.dir, "crash-"+rep.Time.Format(archiveStamp)+".json")
	if data, err := json.MarshalIndent(rep, "", "  "); err == nil {
		os.WriteFile(path, data, 0o640)
	}

	fmt.Fprintf(os.Stderr, "panic: %s\n%s\ncrash report: %s\n", rep.Panic, rep.Stack, path)
}
