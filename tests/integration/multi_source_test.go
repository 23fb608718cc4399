//go:build integration

package integration

import (
	"testing"

	"annotd/internal/ipc"
	"annotd/pkg/annotation"
)

// TestSourceSwitchPersistsPendingEdit leaves an uncommitted edit open
// on one image and forces a switch to another. The edit must land in
// the first image's sidecar, not evaporate.
func TestSourceSwitchPersistsPendingEdit(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)

	ctx, cancel := env.ReqCtx()
	a1, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 3, 3, 12, 8, "draft note"))
	cancel()
	AssertNoError(t, err, "add on page one")

	ctx, cancel = env.ReqCtx()
	sel, err := writer.Select(ctx, "", a1.ID)
	cancel()
	AssertNoError(t, err, "select")

	pending := sel.Annotation.WithBodies(annotation.Body{Type: "TextualBody", Purpose: "commenting", Value: "finished note"})
	ctx, cancel = env.ReqCtx()
	_, err = writer.UpdateSelected(ctx, pending, false)
	cancel()
	AssertNoError(t, err, "update selected")

	// Adding on the other image switches the active source.
	ctx, cancel = env.ReqCtx()
	_, err = writer.AddAnnotation(ctx, env.ImageB, RectNote(env.ImageB, 1, 1, 4, 4, "second page"))
	cancel()
	AssertNoError(t, err, "add on page two")

	ctx, cancel = env.ReqCtx()
	status, err := writer.Status(ctx)
	cancel()
	AssertNoError(t, err, "status")
	AssertEqual(t, env.ImageB, status.ActiveSource, "active source after switch")

	ctx, cancel = env.ReqCtx()
	sel, err = writer.Selection(ctx)
	cancel()
	AssertNoError(t, err, "selection")
	AssertFalse(t, sel.Selected, "switch should close the selection")

	anns := env.SidecarAnnotations(env.ImageA)
	AssertEqual(t, 1, len(anns), "page one sidecar")
	AssertEqual(t, "finished note", BodyText(anns[0]), "pending edit committed on switch")

	timeline := env.JournalTimeline(a1.ID)
	AssertEqual(t, "updated", timeline[0].Event, "implicit save journaled")
}

// TestReadsDoNotSwitchSource lists and fetches annotations on an
// inactive image and checks the daemon stays bound to the active one.
func TestReadsDoNotSwitchSource(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)

	ctx, cancel := env.ReqCtx()
	_, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 2, 2, 6, 6, "active page"))
	cancel()
	AssertNoError(t, err, "add on page one")

	// Seed the inactive image's sidecar directly on disk.
	b1 := RectNote(env.ImageB, 5, 5, 8, 8, "other page")
	AssertNoError(t, env.Store.Save(env.ImageB, []annotation.Annotation{b1}), "seed page two sidecar")

	ctx, cancel = env.ReqCtx()
	list, err := writer.ListAnnotations(ctx, env.ImageB)
	cancel()
	AssertNoError(t, err, "list inactive source")
	AssertEqual(t, 1, len(list.Annotations), "annotations on page two")
	AssertEqual(t, b1.ID, list.Annotations[0].ID, "listed annotation")

	ctx, cancel = env.ReqCtx()
	got, err := writer.GetAnnotation(ctx, env.ImageB, b1.ID)
	cancel()
	AssertNoError(t, err, "get from inactive source")
	AssertEqual(t, "other page", BodyText(*got), "fetched body")

	ctx, cancel = env.ReqCtx()
	status, err := writer.Status(ctx)
	cancel()
	AssertNoError(t, err, "status")
	AssertEqual(t, env.ImageA, status.ActiveSource, "reads must not switch the source")
}

// TestSelectAcrossSourcesSwitches opens an annotation that lives on a
// different image and checks the daemon rebinds to it.
func TestSelectAcrossSourcesSwitches(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)

	ctx, cancel := env.ReqCtx()
	_, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 2, 2, 6, 6, "page one"))
	cancel()
	AssertNoError(t, err, "add on page one")

	b1 := RectNote(env.ImageB, 4, 4, 10, 10, "page two target")
	b2 := RectNote(env.ImageB, 16, 4, 10, 10, "page two other")
	AssertNoError(t, env.Store.Save(env.ImageB, []annotation.Annotation{b1, b2}), "seed page two sidecar")

	ctx, cancel = env.ReqCtx()
	sel, err := writer.Select(ctx, env.ImageB, b1.ID)
	cancel()
	AssertNoError(t, err, "select across sources")
	AssertTrue(t, sel.Selected, "selection open")
	AssertEqual(t, b1.ID, sel.Annotation.ID, "selected annotation")

	ctx, cancel = env.ReqCtx()
	status, err := writer.Status(ctx)
	cancel()
	AssertNoError(t, err, "status")
	AssertEqual(t, env.ImageB, status.ActiveSource, "active source")
	AssertEqual(t, 2, status.Annotations, "loaded annotation count")
	AssertEqual(t, b1.ID, status.SelectedID, "selected id in status")
}

// TestReadOnlyClientIsRejected connects with read permission and
// checks every mutating operation is refused while reads keep working.
func TestReadOnlyClientIsRejected(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)
	reader := env.NewClient("reader", ipc.PermReadOnly)

	ctx, cancel := env.ReqCtx()
	a1, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 2, 2, 6, 6, "present"))
	cancel()
	AssertNoError(t, err, "writer add")

	ctx, cancel = env.ReqCtx()
	_, err = reader.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 10, 10, 4, 4, "nope"))
	cancel()
	AssertError(t, err, "reader add should be refused")

	ctx, cancel = env.ReqCtx()
	err = reader.RemoveAnnotation(ctx, "", a1.ID)
	cancel()
	AssertError(t, err, "reader remove should be refused")

	ctx, cancel = env.ReqCtx()
	_, err = reader.Select(ctx, "", a1.ID)
	cancel()
	AssertError(t, err, "reader select should be refused")

	ctx, cancel = env.ReqCtx()
	err = reader.SetTool(ctx, "polygon")
	cancel()
	AssertError(t, err, "reader tool change should be refused")

	ctx, cancel = env.ReqCtx()
	list, err := reader.ListAnnotations(ctx, "")
	cancel()
	AssertNoError(t, err, "reader list")
	AssertEqual(t, 1, len(list.Annotations), "reader sees annotations")

	ctx, cancel = env.ReqCtx()
	got, err := reader.GetAnnotation(ctx, "", a1.ID)
	cancel()
	AssertNoError(t, err, "reader get")
	AssertEqual(t, "present", BodyText(*got), "reader reads the annotation")

	ctx, cancel = env.ReqCtx()
	_, err = reader.Status(ctx)
	cancel()
	AssertNoError(t, err, "reader status")
}
