//go:build integration

package integration

import (
	"encoding/json"
	"testing"
	"time"

	"annotd/internal/ipc"
	"annotd/pkg/annotation"
)

// seedJournal creates two annotations and edits the first through the
// selection lifecycle, leaving three records in the journal.
func seedJournal(t *testing.T, env *TestEnv, writer *ipc.IPCClient) (*annotation.Annotation, *annotation.Annotation) {
	t.Helper()

	ctx, cancel := env.ReqCtx()
	first, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 2, 2, 10, 8, "one"))
	cancel()
	AssertNoError(t, err, "add first")

	ctx, cancel = env.ReqCtx()
	second, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 20, 10, 6, 6, "two"))
	cancel()
	AssertNoError(t, err, "add second")

	ctx, cancel = env.ReqCtx()
	sel, err := writer.Select(ctx, "", first.ID)
	cancel()
	AssertNoError(t, err, "select first")

	edited := sel.Annotation.WithBodies(annotation.Body{Type: "TextualBody", Purpose: "commenting", Value: "one, edited"})
	ctx, cancel = env.ReqCtx()
	_, err = writer.UpdateSelected(ctx, edited, false)
	cancel()
	AssertNoError(t, err, "update selected")

	ctx, cancel = env.ReqCtx()
	_, err = writer.SaveSelection(ctx, "")
	cancel()
	AssertNoError(t, err, "save selection")

	return first, second
}

func TestHistoryQueriesOverIPC(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)
	before := time.Now().UnixNano()
	first, _ := seedJournal(t, env, writer)

	// By annotation, newest first.
	ctx, cancel := env.ReqCtx()
	records, err := writer.History(ctx, ipc.HistoryQuery{AnnotationID: first.ID})
	cancel()
	AssertNoError(t, err, "query by annotation")
	AssertEqual(t, 2, len(records), "records for first annotation")
	AssertEqual(t, "updated", records[0].Event, "newest event")
	AssertEqual(t, "created", records[1].Event, "oldest event")
	AssertTrue(t, records[0].TimestampNs >= records[1].TimestampNs, "timestamps ordered")

	var got annotation.Annotation
	AssertNoError(t, json.Unmarshal(records[0].Annotation, &got), "decode record payload")
	AssertEqual(t, "one, edited", BodyText(got), "recorded state")
	AssertNoError(t, json.Unmarshal(records[0].Previous, &got), "decode previous payload")
	AssertEqual(t, "one", BodyText(got), "recorded prior state")

	// By source.
	ctx, cancel = env.ReqCtx()
	records, err = writer.History(ctx, ipc.HistoryQuery{Source: env.ImageA})
	cancel()
	AssertNoError(t, err, "query by source")
	AssertEqual(t, 3, len(records), "records for source")

	// Limit applies within a filter.
	ctx, cancel = env.ReqCtx()
	records, err = writer.History(ctx, ipc.HistoryQuery{AnnotationID: first.ID, Limit: 1})
	cancel()
	AssertNoError(t, err, "query with limit")
	AssertEqual(t, 1, len(records), "limited records")
	AssertEqual(t, "updated", records[0].Event, "limit keeps the newest")

	// Time window, oldest first.
	ctx, cancel = env.ReqCtx()
	records, err = writer.History(ctx, ipc.HistoryQuery{FromNs: before})
	cancel()
	AssertNoError(t, err, "query by window")
	AssertEqual(t, 3, len(records), "records in window")
	AssertEqual(t, "created", records[0].Event, "window starts at the oldest")

	ctx, cancel = env.ReqCtx()
	records, err = writer.History(ctx, ipc.HistoryQuery{FromNs: time.Now().UnixNano()})
	cancel()
	AssertNoError(t, err, "query empty window")
	AssertEqual(t, 0, len(records), "future window is empty")
}

func TestHistoryStatsOverIPC(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)
	_, second := seedJournal(t, env, writer)

	ctx, cancel := env.ReqCtx()
	err := writer.RemoveAnnotation(ctx, "", second.ID)
	cancel()
	AssertNoError(t, err, "remove second")

	ctx, cancel = env.ReqCtx()
	stats, err := writer.HistoryStats(ctx)
	cancel()
	AssertNoError(t, err, "history stats")

	AssertEqual(t, int64(4), stats.Total, "total records")
	AssertEqual(t, int64(2), stats.Created, "created records")
	AssertEqual(t, int64(1), stats.Updated, "updated records")
	AssertEqual(t, int64(1), stats.Deleted, "deleted records")
	AssertTrue(t, stats.OldestNs > 0, "oldest timestamp set")
	AssertTrue(t, stats.NewestNs >= stats.OldestNs, "newest not before oldest")
}

// TestHistoryDisabled runs the daemon without a journal and checks the
// history surface degrades to clean errors.
func TestHistoryDisabled(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAnnotator()
	env.InitDaemon()

	client := env.NewClient("client", ipc.PermReadWrite)

	ctx, cancel := env.ReqCtx()
	status, err := client.Status(ctx)
	cancel()
	AssertNoError(t, err, "status")
	AssertFalse(t, status.HistoryOn, "history should report off")

	ctx, cancel = env.ReqCtx()
	_, err = client.History(ctx, ipc.HistoryQuery{})
	cancel()
	AssertError(t, err, "history query should fail")

	ctx, cancel = env.ReqCtx()
	_, err = client.HistoryStats(ctx)
	cancel()
	AssertError(t, err, "history stats should fail")

	ctx, cancel = env.ReqCtx()
	_, err = client.ListSnapshots(ctx, "", 0)
	cancel()
	AssertError(t, err, "snapshot listing should fail")
}

// TestSnapshotRestoreOverIPC drives the restore-point flow: switching
// sources captures a snapshot of the outgoing sidecar, and restoring
// it rolls the source back, journaling and broadcasting the delta.
func TestSnapshotRestoreOverIPC(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()
	env.InitAll()

	writer := env.NewClient("writer", ipc.PermReadWrite)
	observer := env.NewClient("observer", ipc.PermReadOnly)

	ctx, cancel := env.ReqCtx()
	a1, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 2, 2, 10, 8, "original"))
	cancel()
	AssertNoError(t, err, "add a1")

	ctx, cancel = env.ReqCtx()
	_, err = writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 20, 12, 8, 6, "keeper"))
	cancel()
	AssertNoError(t, err, "add a2")

	// Switching to the other image persists and snapshots page one.
	ctx, cancel = env.ReqCtx()
	_, err = writer.AddAnnotation(ctx, env.ImageB, RectNote(env.ImageB, 1, 1, 4, 4, "elsewhere"))
	cancel()
	AssertNoError(t, err, "add on page two")

	ctx, cancel = env.ReqCtx()
	snaps, err := writer.ListSnapshots(ctx, env.ImageA, 0)
	cancel()
	AssertNoError(t, err, "list snapshots")
	AssertEqual(t, 1, len(snaps), "snapshots of page one")
	AssertEqual(t, 2, snaps[0].Annotations, "snapshot annotation count")
	AssertTrue(t, snaps[0].SizeBytes > 0, "snapshot has a document")
	restorePoint := snaps[0]

	// Back on page one, drift away from the snapshot: drop a1, add a3.
	ctx, cancel = env.ReqCtx()
	a3, err := writer.AddAnnotation(ctx, env.ImageA, RectNote(env.ImageA, 30, 30, 5, 5, "extra"))
	cancel()
	AssertNoError(t, err, "add a3")

	ctx, cancel = env.ReqCtx()
	err = writer.RemoveAnnotation(ctx, "", a1.ID)
	cancel()
	AssertNoError(t, err, "remove a1")

	// Subscribe now so only restore events arrive.
	ctx, cancel = env.ReqCtx()
	AssertNoError(t, observer.Subscribe(ctx), "subscribe")
	cancel()

	ctx, cancel = env.ReqCtx()
	resp, err := writer.RestoreSnapshot(ctx, restorePoint.ID)
	cancel()
	AssertNoError(t, err, "restore snapshot")
	AssertEqual(t, env.ImageA, resp.Source, "restored source")
	AssertEqual(t, 2, resp.Annotations, "restored annotation count")

	// The facade is back at the snapshot state.
	AssertEqual(t, 2, len(env.Annotator.Annotations()), "annotations after restore")
	got, ok := env.Annotator.GetAnnotation(a1.ID)
	AssertTrue(t, ok, "a1 should be back")
	AssertEqual(t, "original", BodyText(got), "a1 body restored")
	_, ok = env.Annotator.GetAnnotation(a3.ID)
	AssertFalse(t, ok, "a3 should be gone")

	// So is the sidecar.
	anns := env.SidecarAnnotations(env.ImageA)
	AssertEqual(t, 2, len(anns), "sidecar after restore")

	// The delta was broadcast and journaled.
	ev := WaitForEvent(t, observer.Events(), "annotation.created", 3*time.Second)
	AssertEqual(t, a1.ID, ev.Annotation.ID, "recreate broadcast")
	ev = WaitForEvent(t, observer.Events(), "annotation.deleted", 3*time.Second)
	AssertEqual(t, a3.ID, ev.Annotation.ID, "removal broadcast")

	timeline := env.JournalTimeline(a1.ID)
	AssertEqual(t, 3, len(timeline), "a1 journal length")
	AssertEqual(t, "created", timeline[0].Event, "restore re-creates a1")
	AssertEqual(t, "deleted", timeline[1].Event, "prior removal")

	// Restoring a snapshot of an inactive source rewrites its sidecar.
	ctx, cancel = env.ReqCtx()
	snaps, err = writer.ListSnapshots(ctx, env.ImageB, 0)
	cancel()
	AssertNoError(t, err, "list page two snapshots")
	AssertEqual(t, 1, len(snaps), "snapshots of page two")

	ctx, cancel = env.ReqCtx()
	resp, err = writer.RestoreSnapshot(ctx, snaps[0].ID)
	cancel()
	AssertNoError(t, err, "restore inactive source")
	AssertEqual(t, env.ImageB, resp.Source, "inactive restore source")
	AssertEqual(t, 1, len(env.SidecarAnnotations(env.ImageB)), "page two sidecar")
}
