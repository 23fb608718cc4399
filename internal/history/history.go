// Package history keeps a SQLite journal of annotation lifecycle
// events. Every create, update, and delete is recorded with the full
// annotation JSON so earlier states can be inspected and diffed.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"annotd/internal/config"
	"annotd/pkg/annotation"
)

// Event names recorded in the journal.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Record is one journal entry.
type Record struct {
	ID           int64
	Event        string
	AnnotationID string
	Source       string
	Annotation   []byte // annotation JSON at event time
	Previous     []byte // prior state JSON, nil for created
	TimestampNs  int64
}

// Time returns the record timestamp.
func (r Record) Time() time.Time {
	return time.Unix(0, r.TimestampNs)
}

// Decode unmarshals the annotation payload.
func (r Record) Decode() (annotation.Annotation, error) {
	var a annotation.Annotation
	if len(r.Annotation) == 0 {
		return a, errors.New("record has no annotation payload")
	}
	if err := json.Unmarshal(r.Annotation, &a); err != nil {
		return a, fmt.Errorf("decode annotation: %w", err)
	}
	return a, nil
}

// DecodePrevious unmarshals the prior-state payload.
func (r Record) DecodePrevious() (annotation.Annotation, error) {
	var a annotation.Annotation
	if len(r.Previous) == 0 {
		return a, errors.New("record has no previous payload")
	}
	if err := json.Unmarshal(r.Previous, &a); err != nil {
		return a, fmt.Errorf("decode previous: %w", err)
	}
	return a, nil
}

// Snapshot is a full sidecar document captured at save time.
type Snapshot struct {
	ID              int64
	Source          string
	Document        []byte
	AnnotationCount int
	CreatedAt       int64
}

// Stats summarizes the journal.
type Stats struct {
	Total     int64
	Created   int64
	Updated   int64
	Deleted   int64
	Snapshots int64
	OldestNs  int64
	NewestNs  int64
}

// Store is the history journal backed by SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the journal database and applies pending
// schema migrations.
func Open(cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", cfg.Path, busy)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}

	return &Store{db: db, log: log.With("component", "history")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordCreated journals a newly committed annotation.
func (s *Store) RecordCreated(source string, a annotation.Annotation) error {
	return s.record(EventCreated, source, &a, nil)
}

// RecordUpdated journals an annotation update with its prior state.
func (s *Store) RecordUpdated(source string, a, previous annotation.Annotation) error {
	return s.record(EventUpdated, source, &a, &previous)
}

// RecordDeleted journals a deletion. The payload is the annotation's
// last state.
func (s *Store) RecordDeleted(source string, a annotation.Annotation) error {
	return s.record(EventDeleted, source, &a, nil)
}

func (s *Store) record(event, source string, a, previous *annotation.Annotation) error {
	if a == nil || a.ID == "" {
		return errors.New("cannot journal an annotation without an id")
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode annotation: %w", err)
	}

	var prev []byte
	if previous != nil {
		prev, err = json.Marshal(previous)
		if err != nil {
			return fmt.Errorf("encode previous: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO annotation_events (event, annotation_id, source, annotation, previous, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event, a.ID, source, payload, prev, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ByAnnotation returns the journal for one annotation, newest first.
func (s *Store) ByAnnotation(annotationID string, limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, event, annotation_id, source, annotation, previous, timestamp_ns
		FROM annotation_events
		WHERE annotation_id = ?
		ORDER BY timestamp_ns DESC, id DESC
		LIMIT ?
	`, annotationID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events by annotation: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// BySource returns the journal for one image, newest first.
func (s *Store) BySource(source string, limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, event, annotation_id, source, annotation, previous, timestamp_ns
		FROM annotation_events
		WHERE source = ?
		ORDER BY timestamp_ns DESC, id DESC
		LIMIT ?
	`, source, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events by source: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Recent returns the newest journal entries across all sources.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, event, annotation_id, source, annotation, previous, timestamp_ns
		FROM annotation_events
		ORDER BY timestamp_ns DESC, id DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Range returns entries between from and to inclusive, oldest first.
func (s *Store) Range(from, to time.Time) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, event, annotation_id, source, annotation, previous, timestamp_ns
		FROM annotation_events
		WHERE timestamp_ns >= ? AND timestamp_ns <= ?
		ORDER BY timestamp_ns ASC, id ASC
	`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query event range: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Prune removes journal entries and snapshots older than the retention
// window and returns the number of rows removed.
func (s *Store) Prune(retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UnixNano()

	res, err := s.db.Exec("DELETE FROM annotation_events WHERE timestamp_ns < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	events, _ := res.RowsAffected()

	res, err = s.db.Exec("DELETE FROM snapshots WHERE created_at < ?", cutoff)
	if err != nil {
		return events, fmt.Errorf("prune snapshots: %w", err)
	}
	snaps, _ := res.RowsAffected()

	if events+snaps > 0 {
		s.log.Info("pruned history", "events", events, "snapshots", snaps)
	}
	return events + snaps, nil
}

// RecordSnapshot stores a full sidecar document for a source.
func (s *Store) RecordSnapshot(source string, document []byte, annotationCount int) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (source, document, annotation_count, created_at)
		VALUES (?, ?, ?, ?)
	`, source, document, annotationCount, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// SnapshotsBySource returns snapshots for a source, newest first.
func (s *Store) SnapshotsBySource(source string, limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, source, document, annotation_count, created_at
		FROM snapshots
		WHERE source = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, source, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// RecentSnapshots returns the newest snapshots across all sources.
func (s *Store) RecentSnapshots(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, source, document, annotation_count, created_at
		FROM snapshots
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// GetSnapshot returns one snapshot by id, or nil if absent.
func (s *Store) GetSnapshot(id int64) (*Snapshot, error) {
	var sn Snapshot
	var doc []byte
	err := s.db.QueryRow(`
		SELECT id, source, document, annotation_count, created_at
		FROM snapshots WHERE id = ?
	`, id).Scan(&sn.ID, &sn.Source, &doc, &sn.AnnotationCount, &sn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	sn.Document = append([]byte(nil), doc...)
	return &sn, nil
}

// GetStats returns journal counters.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(event = 'created'), 0),
		       COALESCE(SUM(event = 'updated'), 0),
		       COALESCE(SUM(event = 'deleted'), 0),
		       COALESCE(MIN(timestamp_ns), 0),
		       COALESCE(MAX(timestamp_ns), 0)
		FROM annotation_events
	`).Scan(&stats.Total, &stats.Created, &stats.Updated, &stats.Deleted, &stats.OldestNs, &stats.NewestNs)
	if err != nil {
		return nil, fmt.Errorf("query event stats: %w", err)
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&stats.Snapshots); err != nil {
		return nil, fmt.Errorf("query snapshot stats: %w", err)
	}
	return stats, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var payload, prev []byte
		if err := rows.Scan(&r.ID, &r.Event, &r.AnnotationID, &r.Source, &payload, &prev, &r.TimestampNs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Annotation = append([]byte(nil), payload...)
		if len(prev) > 0 {
			r.Previous = append([]byte(nil), prev...)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var snaps []Snapshot
	for rows.Next() {
		var sn Snapshot
		var doc []byte
		if err := rows.Scan(&sn.ID, &sn.Source, &doc, &sn.AnnotationCount, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		sn.Document = append([]byte(nil), doc...)
		snaps = append(snaps, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}
