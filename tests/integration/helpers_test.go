//go:build integration

// Package integration provides end-to-end tests for annotd.
//
// These tests run the real components together: the annotator facade,
// the sidecar collection, the SQLite journal and the IPC transport on
// a real socket.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"annotd/internal/collection"
	"annotd/internal/config"
	"annotd/internal/history"
	"annotd/internal/ipc"
	"annotd/pkg/annotation"
	"annotd/pkg/annotator"
	"annotd/pkg/shape"
)

// =============================================================================
// Test Environment Setup
// =============================================================================

// TestEnv wires the daemon's components together in a temp directory.
type TestEnv struct {
	T       *testing.T
	TempDir string
	Cfg     *config.Config
	Log     *slog.Logger

	ImageA string
	ImageB string

	Store     *collection.Store
	Annotator *annotator.Annotator
	Journal   *history.Store
	Handler   *ipc.DaemonHandler
	Server    *ipc.Server

	unbind       func()
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	Ctx    context.Context
	Cancel context.CancelFunc
}

// NewTestEnv creates the collection directory with two images and a
// configuration pointing at it. Components are brought up by the Init
// methods so each test pays only for what it uses.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	dir := t.TempDir()
	imageA := filepath.Join(dir, "page-one.png")
	imageB := filepath.Join(dir, "page-two.png")
	WritePNG(t, imageA, 64, 48)
	WritePNG(t, imageB, 32, 32)

	cfg := config.DefaultConfig()
	cfg.Collection.Roots = []string{dir}
	cfg.Collection.DebounceMs = 50
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.IPC.SocketPath = filepath.Join(dir, "annotd.sock")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := collection.NewStore(cfg.Collection, log)
	if err != nil {
		cancel()
		t.Fatalf("failed to create collection store: %v", err)
	}

	return &TestEnv{
		T:          t,
		TempDir:    dir,
		Cfg:        cfg,
		Log:        log,
		ImageA:     imageA,
		ImageB:     imageB,
		Store:      store,
		shutdownCh: make(chan struct{}),
		Ctx:        ctx,
		Cancel:     cancel,
	}
}

// InitAnnotator brings up a headless facade.
func (env *TestEnv) InitAnnotator() {
	env.T.Helper()

	env.Annotator = annotator.New(annotator.Options{
		DisableEditor: true,
		Logger:        env.Log,
	})
}

// InitJournal opens the SQLite journal in the temp directory.
func (env *TestEnv) InitJournal() {
	env.T.Helper()

	journal, err := history.Open(env.Cfg.History, env.Log)
	if err != nil {
		env.T.Fatalf("failed to open journal: %v", err)
	}
	env.Journal = journal
}

// InitDaemon assembles the handler and starts the IPC server on the
// temp socket, with ImageA as the active source.
func (env *TestEnv) InitDaemon() {
	env.T.Helper()

	if env.Annotator == nil {
		env.InitAnnotator()
	}

	env.Handler = ipc.NewDaemonHandler(ipc.DaemonOptions{
		Version:       "integration",
		Annotator:     env.Annotator,
		Store:         env.Store,
		History:       env.Journal,
		ConfigPath:    filepath.Join(env.TempDir, "config.toml"),
		Config:        func() *config.Config { return env.Cfg },
		WatcherActive: func() bool { return false },
		Shutdown:      env.requestShutdown,
		Log:           env.Log,
	})
	env.unbind = env.Handler.BindEvents()

	env.Server = ipc.NewServer(ipc.ServerConfigFrom(env.Cfg.IPC, "integration"), env.Handler, env.Log)
	env.Handler.SetServer(env.Server)
	if err := env.Server.Start(); err != nil {
		env.T.Fatalf("failed to start ipc server: %v", err)
	}

	if err := env.Handler.OpenSource(env.ImageA); err != nil {
		env.T.Fatalf("failed to open initial source: %v", err)
	}
}

// InitAll brings up every component.
func (env *TestEnv) InitAll() {
	env.InitJournal()
	env.InitAnnotator()
	env.InitDaemon()
}

func (env *TestEnv) requestShutdown() {
	env.shutdownOnce.Do(func() { close(env.shutdownCh) })
}

// ShutdownRequested reports whether the daemon asked to stop within
// the timeout.
func (env *TestEnv) ShutdownRequested(timeout time.Duration) bool {
	select {
	case <-env.shutdownCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Cleanup closes everything in reverse construction order.
func (env *TestEnv) Cleanup() {
	env.Cancel()

	if env.Server != nil {
		env.Server.Stop()
	}
	if env.unbind != nil {
		env.unbind()
	}
	if env.Annotator != nil {
		env.Annotator.Destroy()
	}
	if env.Journal != nil {
		env.Journal.Close()
	}
}

// NewClient connects a client to the env's socket.
func (env *TestEnv) NewClient(name string, perm ipc.PermissionLevel) *ipc.IPCClient {
	env.T.Helper()

	cfg := ipc.DefaultClientConfig(env.Cfg.IPC.SocketPath)
	cfg.ClientName = name
	cfg.ClientVersion = "integration"
	cfg.Permission = perm

	client := ipc.NewIPCClient(cfg, env.Log)
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		env.T.Fatalf("failed to connect %s: %v", name, err)
	}
	env.T.Cleanup(func() { client.Close() })
	return client
}

// ReqCtx returns a context for one client request.
func (env *TestEnv) ReqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(env.Ctx, 5*time.Second)
}

// SidecarAnnotations reads a sidecar through the store.
func (env *TestEnv) SidecarAnnotations(imagePath string) []annotation.Annotation {
	env.T.Helper()

	anns, err := env.Store.Load(imagePath)
	if err != nil {
		env.T.Fatalf("failed to load sidecar for %s: %v", imagePath, err)
	}
	return anns
}

// JournalTimeline returns the journal's records for one annotation.
func (env *TestEnv) JournalTimeline(id string) []history.Record {
	env.T.Helper()

	records, err := env.Journal.ByAnnotation(id, 0)
	if err != nil {
		env.T.Fatalf("failed to query journal: %v", err)
	}
	return records
}

// =============================================================================
// Test Data Helpers
// =============================================================================

// WritePNG writes a small gradient PNG.
func WritePNG(t *testing.T, path string, w, h int) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 0x60, A: 0xFF})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}

// RectNote builds a committed rectangle annotation with an optional
// comment body.
func RectNote(source string, x, y, w, h float64, text string) annotation.Annotation {
	a := annotation.NewDraft(annotation.RectTarget(source, shape.NewRect(x, y, w, h))).ToAnnotation()
	if text != "" {
		a = a.WithBodies(annotation.Body{Type: "TextualBody", Purpose: "commenting", Value: text})
	}
	return a
}

// BodyText returns the annotation's first comment.
func BodyText(a annotation.Annotation) string {
	for _, b := range a.Bodies {
		if b.Value != "" {
			return b.Value
		}
	}
	return ""
}

// WaitForChange receives from the watcher until a change of the
// wanted kind arrives.
func WaitForChange(t *testing.T, ch <-chan collection.Change, want collection.ChangeKind, timeout time.Duration) collection.Change {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case change, ok := <-ch:
			if !ok {
				t.Fatalf("change channel closed while waiting for %s", want)
			}
			if change.Kind == want {
				return change
			}
		case <-deadline:
			t.Fatalf("no %s change within %s", want, timeout)
		}
	}
}

// WaitForEvent receives from a client's event stream until the wanted
// type arrives.
func WaitForEvent(t *testing.T, events <-chan *ipc.EventPayload, wantType string, timeout time.Duration) *ipc.EventPayload {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", wantType)
			}
			if ev.Type == wantType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", wantType, timeout)
		}
	}
}

// =============================================================================
// Assertion Helpers
// =============================================================================

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	require.NoError(t, err, msg)
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	require.Error(t, err, msg)
}

// AssertEqual fails the test unless got matches want under ==.
// Unlike require.Equal this stays strict for pointer identity.
func AssertEqual[T comparable](t *testing.T, want, got T, msg string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: want %v, got %v", msg, want, got)
	}
}

// AssertTrue fails the test if cond is false.
func AssertTrue(t *testing.T, cond bool, msg string) {
	t.Helper()
	require.True(t, cond, msg)
}

// AssertFalse fails the test if cond is true.
func AssertFalse(t *testing.T, cond bool, msg string) {
	t.Helper()
	require.False(t, cond, msg)
}
