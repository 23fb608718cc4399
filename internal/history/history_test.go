package history

import (
	"path/filepath"
	"testing"
	"time"

	"annotd/internal/config"
	"annotd/pkg/annotation"
	"annotd/pkg/shape"
)

func testHistoryConfig(dir string) config.HistoryConfig {
	return config.HistoryConfig{
		Enabled:        true,
		Path:           filepath.Join(dir, "history.db"),
		MaxConnections: 2,
		BusyTimeoutMs:  1000,
		RetentionDays:  30,
	}
}

func testAnnotation(source string, x float64) annotation.Annotation {
	return annotation.NewDraft(annotation.RectTarget(source, shape.NewRect(x, 0, 10, 10))).ToAnnotation()
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	cfg := testHistoryConfig(t.TempDir())
	cfg.Path = filepath.Join(filepath.Dir(cfg.Path), "nested", "deep", "history.db")

	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestRecordAndQueryByAnnotation(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	a := testAnnotation("/photos/cat.png", 0)
	if err := s.RecordCreated("/photos/cat.png", a); err != nil {
		t.Fatalf("RecordCreated failed: %v", err)
	}

	moved := a.WithTarget(annotation.RectTarget("/photos/cat.png", shape.NewRect(5, 5, 10, 10)))
	if err := s.RecordUpdated("/photos/cat.png", moved, a); err != nil {
		t.Fatalf("RecordUpdated failed: %v", err)
	}

	records, err := s.ByAnnotation(a.ID, 10)
	if err != nil {
		t.Fatalf("ByAnnotation failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	// Newest first.
	if records[0].Event != EventUpdated || records[1].Event != EventCreated {
		t.Errorf("unexpected order: %s then %s", records[0].Event, records[1].Event)
	}

	decoded, err := records[0].Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !decoded.Equal(moved) {
		t.Error("decoded annotation does not match the recorded one")
	}

	prev, err := records[0].DecodePrevious()
	if err != nil {
		t.Fatalf("DecodePrevious failed: %v", err)
	}
	if !prev.Equal(a) {
		t.Error("decoded previous does not match the original")
	}

	if len(records[1].Previous) != 0 {
		t.Error("created record should have no previous payload")
	}
}

func TestRecordRejectsMissingID(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	draft := annotation.NewDraft(annotation.RectTarget("x.png", shape.NewRect(0, 0, 1, 1)))
	if err := s.RecordCreated("x.png", draft); err == nil {
		t.Error("recording an annotation without an id should fail")
	}
}

func TestBySource(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.RecordCreated("/a.png", testAnnotation("/a.png", float64(i))); err != nil {
			t.Fatalf("RecordCreated failed: %v", err)
		}
	}
	if err := s.RecordCreated("/b.png", testAnnotation("/b.png", 0)); err != nil {
		t.Fatalf("RecordCreated failed: %v", err)
	}

	records, err := s.BySource("/a.png", 10)
	if err != nil {
		t.Fatalf("BySource failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("got %d records for /a.png, want 3", len(records))
	}
	for _, r := range records {
		if r.Source != "/a.png" {
			t.Errorf("record for wrong source: %s", r.Source)
		}
	}
}

func TestRecentLimit(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.RecordCreated("/a.png", testAnnotation("/a.png", float64(i))); err != nil {
			t.Fatalf("RecordCreated failed: %v", err)
		}
	}

	records, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records, want 2", len(records))
	}
}

func TestRange(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	before := time.Now().Add(-time.Minute)
	if err := s.RecordCreated("/a.png", testAnnotation("/a.png", 0)); err != nil {
		t.Fatalf("RecordCreated failed: %v", err)
	}
	after := time.Now().Add(time.Minute)

	records, err := s.Range(before, after)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records in range, want 1", len(records))
	}

	empty, err := s.Range(before.Add(-time.Hour), before)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("got %d records in empty range, want 0", len(empty))
	}
}

func TestPrune(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.RecordCreated("/a.png", testAnnotation("/a.png", 0)); err != nil {
		t.Fatalf("RecordCreated failed: %v", err)
	}

	// Backdate a second event past the retention window.
	old := time.Now().Add(-48 * time.Hour).UnixNano()
	_, err = s.db.Exec(`
		INSERT INTO annotation_events (event, annotation_id, source, annotation, previous, timestamp_ns)
		VALUES ('created', 'old-id', '/a.png', '{}', NULL, ?)
	`, old)
	if err != nil {
		t.Fatalf("failed to backdate event: %v", err)
	}

	removed, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("pruned %d rows, want 1", removed)
	}

	records, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records after prune, want 1", len(records))
	}
}

func TestPruneZeroRetentionIsNoop(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.RecordCreated("/a.png", testAnnotation("/a.png", 0)); err != nil {
		t.Fatalf("RecordCreated failed: %v", err)
	}

	removed, err := s.Prune(0)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("pruned %d rows with zero retention, want 0", removed)
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	doc := []byte(`{"version":1,"annotations":[]}`)
	if err := s.RecordSnapshot("/a.png", doc, 0); err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}

	snaps, err := s.SnapshotsBySource("/a.png", 10)
	if err != nil {
		t.Fatalf("SnapshotsBySource failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	if string(snaps[0].Document) != string(doc) {
		t.Errorf("document mismatch: %s", snaps[0].Document)
	}

	got, err := s.GetSnapshot(snaps[0].ID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got == nil || got.Source != "/a.png" {
		t.Errorf("unexpected snapshot: %+v", got)
	}

	missing, err := s.GetSnapshot(99999)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for nonexistent snapshot")
	}
}

func TestRecentSnapshots(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.RecordSnapshot("/a.png", []byte(`{"n":1}`), 1); err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}
	if err := s.RecordSnapshot("/b.png", []byte(`{"n":2}`), 2); err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}

	snaps, err := s.RecentSnapshots(10)
	if err != nil {
		t.Fatalf("RecentSnapshots failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}

	// Newest first, across all sources.
	if snaps[0].Source != "/b.png" || snaps[1].Source != "/a.png" {
		t.Errorf("unexpected order: %s then %s", snaps[0].Source, snaps[1].Source)
	}

	one, err := s.RecentSnapshots(1)
	if err != nil {
		t.Fatalf("RecentSnapshots failed: %v", err)
	}
	if len(one) != 1 || one[0].AnnotationCount != 2 {
		t.Errorf("limit 1 should keep the newest snapshot, got %+v", one)
	}
}

func TestPruneRemovesOldSnapshots(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.RecordSnapshot("/a.png", []byte("{}"), 0); err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour).UnixNano()
	_, err = s.db.Exec(`
		INSERT INTO snapshots (source, document, annotation_count, created_at)
		VALUES ('/a.png', '{}', 0, ?)
	`, old)
	if err != nil {
		t.Fatalf("failed to backdate snapshot: %v", err)
	}

	removed, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("pruned %d rows, want 1", removed)
	}

	snaps, err := s.SnapshotsBySource("/a.png", 10)
	if err != nil {
		t.Fatalf("SnapshotsBySource failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("got %d snapshots after prune, want 1", len(snaps))
	}
}

func TestGetStats(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	a := testAnnotation("/a.png", 0)
	if err := s.RecordCreated("/a.png", a); err != nil {
		t.Fatalf("RecordCreated failed: %v", err)
	}
	if err := s.RecordUpdated("/a.png", a, a); err != nil {
		t.Fatalf("RecordUpdated failed: %v", err)
	}
	if err := s.RecordDeleted("/a.png", a); err != nil {
		t.Fatalf("RecordDeleted failed: %v", err)
	}
	if err := s.RecordSnapshot("/a.png", []byte("{}"), 0); err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Total != 3 || stats.Created != 1 || stats.Updated != 1 || stats.Deleted != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Snapshots != 1 {
		t.Errorf("snapshots = %d, want 1", stats.Snapshots)
	}
	if stats.OldestNs == 0 || stats.NewestNs < stats.OldestNs {
		t.Errorf("bad timestamp bounds: %+v", stats)
	}
}

func TestMigrationStatus(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	status, err := GetMigrationStatus(s.db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("current %d != latest %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}
	if err := ValidateSchema(s.db); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}
}

func TestRollback(t *testing.T) {
	s, err := Open(testHistoryConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := Rollback(s.db); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	status, err := GetMigrationStatus(s.db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != 1 {
		t.Errorf("current version = %d after rollback, want 1", status.CurrentVersion)
	}
	if err := ValidateSchema(s.db); err == nil {
		t.Error("ValidateSchema should fail after rolling back the snapshots table")
	}
}
