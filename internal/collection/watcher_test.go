package collection

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"annotd/pkg/annotation"
)

func newTestWatcher(t *testing.T) (*Store, *Watcher, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "collection_watcher_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := NewStore(testStoreConfig(dir), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	w, err := NewWatcher(store, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	return store, w, dir
}

func waitChange(t *testing.T, w *Watcher, timeout time.Duration) Change {
	t.Helper()
	select {
	case ch, ok := <-w.Changes():
		if !ok {
			t.Fatal("change channel closed")
		}
		return ch
	case <-time.After(timeout):
		t.Fatal("timeout waiting for change")
	}
	return Change{}
}

func expectQuiet(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case ch := <-w.Changes():
		t.Fatalf("unexpected change: %s %s", ch.Kind, ch.ImagePath)
	case <-time.After(d):
	}
}

func writeSidecar(t *testing.T, path string, anns []annotation.Annotation) {
	t.Helper()
	doc := Document{Version: DocumentVersion, Source: filepath.Base(path), Annotations: anns}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal sidecar: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
}

func TestWatcherSidecarChange(t *testing.T) {
	store, w, dir := newTestWatcher(t)

	img := filepath.Join(dir, "cat.png")
	if err := os.WriteFile(img, []byte("png"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeSidecar(t, store.SidecarPath(img), []annotation.Annotation{committedRect("cat.png", 0, 0, 5, 5, "x")})

	ch := waitChange(t, w, 3*time.Second)
	if ch.Kind != SidecarChanged {
		t.Errorf("kind = %s, want sidecar-changed", ch.Kind)
	}
	if ch.ImagePath != img {
		t.Errorf("image path = %s, want %s", ch.ImagePath, img)
	}
	if ch.SidecarPath != store.SidecarPath(img) {
		t.Errorf("sidecar path = %s", ch.SidecarPath)
	}
}

func TestWatcherIgnoresOwnSave(t *testing.T) {
	store, w, dir := newTestWatcher(t)

	img := filepath.Join(dir, "cat.png")
	if err := os.WriteFile(img, []byte("png"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := store.Save(img, []annotation.Annotation{committedRect("cat.png", 0, 0, 5, 5, "x")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The save's fingerprint is already recorded, so no change event.
	expectQuiet(t, w, 600*time.Millisecond)
}

func TestWatcherSidecarRemoved(t *testing.T) {
	store, w, dir := newTestWatcher(t)

	img := filepath.Join(dir, "cat.png")
	if err := os.WriteFile(img, []byte("png"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	sidecar := store.SidecarPath(img)
	writeSidecar(t, sidecar, []annotation.Annotation{committedRect("cat.png", 0, 0, 5, 5, "x")})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.Remove(sidecar); err != nil {
		t.Fatalf("failed to remove sidecar: %v", err)
	}

	ch := waitChange(t, w, 3*time.Second)
	if ch.Kind != SidecarRemoved {
		t.Errorf("kind = %s, want sidecar-removed", ch.Kind)
	}
	if ch.ImagePath != img {
		t.Errorf("image path = %s, want %s", ch.ImagePath, img)
	}
}

func TestWatcherImageAdded(t *testing.T) {
	store, w, dir := newTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	img := filepath.Join(dir, "new.png")
	if err := os.WriteFile(img, []byte("png"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	ch := waitChange(t, w, 3*time.Second)
	if ch.Kind != ImageAdded {
		t.Errorf("kind = %s, want image-added", ch.Kind)
	}
	if ch.ImagePath != img {
		t.Errorf("image path = %s, want %s", ch.ImagePath, img)
	}
	if ch.SidecarPath != store.SidecarPath(img) {
		t.Errorf("sidecar path = %s", ch.SidecarPath)
	}
}

func TestWatcherImageRemoved(t *testing.T) {
	_, w, dir := newTestWatcher(t)

	img := filepath.Join(dir, "old.png")
	if err := os.WriteFile(img, []byte("png"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.Remove(img); err != nil {
		t.Fatalf("failed to remove image: %v", err)
	}

	ch := waitChange(t, w, 3*time.Second)
	if ch.Kind != ImageRemoved {
		t.Errorf("kind = %s, want image-removed", ch.Kind)
	}
	if ch.ImagePath != img {
		t.Errorf("image path = %s, want %s", ch.ImagePath, img)
	}
}

func TestWatcherCoalescesRapidWrites(t *testing.T) {
	store, w, dir := newTestWatcher(t)

	img := filepath.Join(dir, "cat.png")
	if err := os.WriteFile(img, []byte("png"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	sidecar := store.SidecarPath(img)
	for i := 0; i < 5; i++ {
		writeSidecar(t, sidecar, []annotation.Annotation{committedRect("cat.png", float64(i), 0, 5, 5, "x")})
		time.Sleep(10 * time.Millisecond)
	}

	ch := waitChange(t, w, 3*time.Second)
	if ch.Kind != SidecarChanged {
		t.Errorf("kind = %s, want sidecar-changed", ch.Kind)
	}

	// Rapid writes within the debounce window collapse to one event.
	expectQuiet(t, w, 500*time.Millisecond)
}

func TestWatcherIgnoresUninterestingFiles(t *testing.T) {
	_, w, dir := newTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	expectQuiet(t, w, 500*time.Millisecond)
}

func TestWatcherPicksUpNewDirectory(t *testing.T) {
	_, w, dir := newTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	sub := filepath.Join(dir, "album")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	// Give the watcher a beat to register the new directory.
	time.Sleep(150 * time.Millisecond)

	img := filepath.Join(sub, "new.png")
	if err := os.WriteFile(img, []byte("png"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	ch := waitChange(t, w, 3*time.Second)
	if ch.Kind != ImageAdded {
		t.Errorf("kind = %s, want image-added", ch.Kind)
	}
	if ch.ImagePath != img {
		t.Errorf("image path = %s, want %s", ch.ImagePath, img)
	}
}

func TestWatcherStopIsClean(t *testing.T) {
	_, w, _ := newTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Stop()

	if _, ok := <-w.Changes(); ok {
		t.Error("change channel should be closed after Stop")
	}
}
