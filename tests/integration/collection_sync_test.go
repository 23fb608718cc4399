//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"annotd/internal/collection"
	"annotd/internal/ipc"
	"annotd/pkg/annotation"
)

// startWatcher brings up a collection watcher over the environment's
// store and registers its teardown.
func startWatcher(t *testing.T, env *TestEnv) *collection.Watcher {
	t.Helper()

	w, err := collection.NewWatcher(env.Store, env.Log)
	AssertNoError(t, err, "create watcher")
	AssertNoError(t, w.Start(), "start watcher")
	t.Cleanup(w.Stop)
	return w
}

// externalStore returns a second store over the same collection. Its
// fingerprint table is independent, so saves through it look like a
// foreign tool writing the sidecar.
func externalStore(t *testing.T, env *TestEnv) *collection.Store {
	t.Helper()

	s, err := collection.NewStore(env.Cfg.Collection, env.Log)
	AssertNoError(t, err, "create external store")
	return s
}

// TestExternalSidecarEditIsApplied simulates another program rewriting
// the active sidecar. The daemon must fold the new annotation into its
// state, journal it and broadcast it, then do the same for a
// subsequent external update.
func TestExternalSidecarEditIsApplied(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)
	observer := env.NewClient("observer", ipc.PermReadOnly)

	ctx, cancel := env.ReqCtx()
	AssertNoError(t, observer.Subscribe(ctx), "subscribe")
	cancel()

	ctx, cancel = env.ReqCtx()
	mine, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 4, 4, 16, 10, "ours"))
	cancel()
	AssertNoError(t, err, "add annotation")

	watcher := startWatcher(t, env)
	ext := externalStore(t, env)

	foreign := RectNote(env.ImageA, 40, 8, 12, 12, "from another tool")
	AssertNoError(t, ext.Save(env.ImageA, []annotation.Annotation{*mine, foreign}), "external save")

	ch := WaitForChange(t, watcher.Changes(), collection.SidecarChanged, 3*time.Second)
	AssertEqual(t, env.ImageA, ch.ImagePath, "change image path")
	AssertNoError(t, env.Handler.HandleSidecarChange(ch), "apply change")

	AssertEqual(t, 2, len(env.Annotator.Annotations()), "annotations after external add")
	_, ok := env.Annotator.GetAnnotation(foreign.ID)
	AssertTrue(t, ok, "foreign annotation should be loaded")

	ev := WaitForEvent(t, observer.Events(), "annotation.created", 3*time.Second)
	AssertEqual(t, foreign.ID, ev.Annotation.ID, "broadcast foreign id")

	records := env.JournalTimeline(foreign.ID)
	AssertEqual(t, 1, len(records), "journal records for foreign annotation")
	AssertEqual(t, "created", records[0].Event, "journal event")

	// Second round: the external tool edits our annotation's comment.
	revised := mine.WithBodies(annotation.Body{Type: "TextualBody", Purpose: "commenting", Value: "ours, revised elsewhere"})
	AssertNoError(t, ext.Save(env.ImageA, []annotation.Annotation{revised, foreign}), "external update save")

	ch = WaitForChange(t, watcher.Changes(), collection.SidecarChanged, 3*time.Second)
	AssertNoError(t, env.Handler.HandleSidecarChange(ch), "apply update")

	got, ok := env.Annotator.GetAnnotation(mine.ID)
	AssertTrue(t, ok, "our annotation should still exist")
	AssertEqual(t, "ours, revised elsewhere", BodyText(got), "body after external update")

	ev = WaitForEvent(t, observer.Events(), "annotation.updated", 3*time.Second)
	AssertEqual(t, mine.ID, ev.Annotation.ID, "broadcast updated id")
	AssertTrue(t, ev.Previous != nil, "update event should carry previous state")
	AssertEqual(t, "ours", BodyText(*ev.Previous), "previous body")
}

// TestOwnSavesDoNotEchoBack writes through the daemon and verifies the
// watcher swallows the resulting filesystem event. Without the
// fingerprint check every save would bounce straight back as a reload.
func TestOwnSavesDoNotEchoBack(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	watcher := startWatcher(t, env)
	writer := env.NewClient("writer", ipc.PermReadWrite)

	ctx, cancel := env.ReqCtx()
	_, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 2, 2, 8, 8, "self"))
	cancel()
	AssertNoError(t, err, "add annotation")

	// Debounce is 50ms here; 500ms is enough for an echo to surface.
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ch := <-watcher.Changes():
			if ch.Kind == collection.SidecarChanged {
				t.Fatalf("own save echoed back as %s for %s", ch.Kind, ch.SidecarPath)
			}
		case <-deadline:
			return
		}
	}
}

// TestExternalSidecarRemoval deletes the active sidecar out from under
// the daemon and checks the annotations are dropped and journaled as
// deletions.
func TestExternalSidecarRemoval(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)
	observer := env.NewClient("observer", ipc.PermReadOnly)

	ctx, cancel := env.ReqCtx()
	AssertNoError(t, observer.Subscribe(ctx, "annotation.deleted"), "subscribe")
	cancel()

	ctx, cancel = env.ReqCtx()
	mine, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 6, 6, 10, 10, "doomed"))
	cancel()
	AssertNoError(t, err, "add annotation")

	watcher := startWatcher(t, env)

	AssertNoError(t, os.Remove(env.Store.SidecarPath(env.ImageA)), "remove sidecar")

	ch := WaitForChange(t, watcher.Changes(), collection.SidecarRemoved, 3*time.Second)
	AssertNoError(t, env.Handler.HandleSidecarChange(ch), "apply removal")

	AssertEqual(t, 0, len(env.Annotator.Annotations()), "annotations after removal")

	ev := WaitForEvent(t, observer.Events(), "annotation.deleted", 3*time.Second)
	AssertEqual(t, mine.ID, ev.Annotation.ID, "broadcast deleted id")

	records := env.JournalTimeline(mine.ID)
	AssertEqual(t, "deleted", records[0].Event, "newest journal event")
}

// TestNewImageDetected drops a fresh image into the collection root
// and waits for the watcher to report it.
func TestNewImageDetected(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	watcher := startWatcher(t, env)

	added := filepath.Join(env.TempDir, "page-three.png")
	WritePNG(t, added, 24, 24)

	ch := WaitForChange(t, watcher.Changes(), collection.ImageAdded, 3*time.Second)
	AssertEqual(t, added, ch.ImagePath, "new image path")

	entries, err := env.Store.Scan()
	AssertNoError(t, err, "scan")
	AssertEqual(t, 3, len(entries), "collection size after add")
}
