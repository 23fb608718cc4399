// Package collection manages annotation sidecar files on disk. Every
// tracked image pairs with an optional sidecar (image path plus a
// configurable suffix) holding its committed annotations as JSON.
// Sidecar content is fingerprinted so that watcher-triggered reloads
// can tell real edits from spurious filesystem events.
package collection

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"annotd/internal/config"
	"annotd/pkg/annotation"
)

// DocumentVersion is the current sidecar document version.
const DocumentVersion = 1

var (
	// ErrTooLarge is returned when a sidecar exceeds the configured size cap.
	ErrTooLarge = errors.New("sidecar exceeds size limit")
	// ErrInvalidSidecar is returned when a sidecar fails schema validation.
	ErrInvalidSidecar = errors.New("sidecar failed validation")
	// ErrDraftAnnotation is returned when a draft is passed to Save.
	ErrDraftAnnotation = errors.New("draft annotations cannot be persisted")
)

// Document is the on-disk sidecar format.
type Document struct {
	Version     int                     `json:"version"`
	Source      string                  `json:"source"`
	Annotations []annotation.Annotation `json:"annotations"`
}

// Entry describes one tracked image discovered by Scan.
type Entry struct {
	ImagePath   string
	SidecarPath string
	HasSidecar  bool
	ModTime     time.Time
}

// Store loads and saves annotation sidecars for a set of collection roots.
type Store struct {
	cfg config.CollectionConfig
	log *slog.Logger

	mu           sync.RWMutex
	fingerprints map[string][32]byte // sidecar path -> blake2b-256 of content
}

// NewStore creates a sidecar store. The annotation schema is compiled
// once here; a compile failure is a programming error in the embedded
// schema and is returned rather than deferred to the first Load.
func NewStore(cfg config.CollectionConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SidecarSuffix == "" {
		cfg.SidecarSuffix = ".annotations.json"
	}
	if err := compileSchema(); err != nil {
		return nil, fmt.Errorf("compile annotation schema: %w", err)
	}

	return &Store{
		cfg:          cfg,
		log:          log.With("component", "collection"),
		fingerprints: make(map[string][32]byte),
	}, nil
}

// SidecarPath returns the sidecar path for an image path.
func (s *Store) SidecarPath(imagePath string) string {
	return imagePath + s.cfg.SidecarSuffix
}

// ImagePath returns the image path for a sidecar path, or "" if the
// path does not carry the sidecar suffix.
func (s *Store) ImagePath(sidecarPath string) string {
	if !strings.HasSuffix(sidecarPath, s.cfg.SidecarSuffix) {
		return ""
	}
	return strings.TrimSuffix(sidecarPath, s.cfg.SidecarSuffix)
}

// IsSidecar reports whether the path names a sidecar file.
func (s *Store) IsSidecar(path string) bool {
	return strings.HasSuffix(path, s.cfg.SidecarSuffix)
}

// MatchesImage reports whether the base name matches the configured
// image patterns and none of the exclude patterns.
func (s *Store) MatchesImage(name string) bool {
	if s.IsSidecar(name) {
		return false
	}
	base := filepath.Base(name)
	for _, pattern := range s.cfg.ExcludePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return false
		}
	}
	for _, pattern := range s.cfg.IncludePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Scan walks the collection roots and returns the tracked images with
// their sidecar status, sorted by image path. Roots that do not exist
// are skipped with a warning.
func (s *Store) Scan() ([]Entry, error) {
	var entries []Entry

	for _, root := range s.cfg.Roots {
		info, err := os.Stat(root)
		if err != nil {
			s.log.Warn("skipping collection root", "root", root, "error", err)
			continue
		}
		if !info.IsDir() {
			if s.MatchesImage(root) {
				entries = append(entries, s.entryFor(root, info.ModTime()))
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				base := filepath.Base(path)
				if path != root && strings.HasPrefix(base, ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !s.MatchesImage(path) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			entries = append(entries, s.entryFor(path, fi.ModTime()))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", root, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ImagePath < entries[j].ImagePath })
	return entries, nil
}

func (s *Store) entryFor(imagePath string, mod time.Time) Entry {
	sidecar := s.SidecarPath(imagePath)
	_, err := os.Stat(sidecar)
	return Entry{
		ImagePath:   imagePath,
		SidecarPath: sidecar,
		HasSidecar:  err == nil,
		ModTime:     mod,
	}
}

// Load reads and validates the sidecar for an image. A missing sidecar
// is an image with no annotations yet and yields an empty slice.
func (s *Store) Load(imagePath string) ([]annotation.Annotation, error) {
	sidecar := s.SidecarPath(imagePath)

	data, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sidecar: %w", err)
	}

	if s.cfg.MaxSidecarBytes > 0 && int64(len(data)) > s.cfg.MaxSidecarBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), s.cfg.MaxSidecarBytes)
	}

	if s.cfg.ValidateSchema {
		if err := ValidateDocument(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSidecar, sidecar, err)
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode sidecar: %w", err)
	}

	for i := range doc.Annotations {
		if err := doc.Annotations[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: annotation %d: %v", ErrInvalidSidecar, i, err)
		}
	}

	s.remember(sidecar, data)
	return doc.Annotations, nil
}

// Save writes the annotations for an image to its sidecar atomically.
// Drafts are rejected; only committed annotations are persisted. An
// empty annotation set removes the sidecar.
func (s *Store) Save(imagePath string, anns []annotation.Annotation) error {
	sidecar := s.SidecarPath(imagePath)

	if len(anns) == 0 {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove sidecar: %w", err)
		}
		s.forget(sidecar)
		return nil
	}

	data, err := EncodeDocument(imagePath, anns)
	if err != nil {
		return err
	}

	tmp := sidecar + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, sidecar); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace sidecar: %w", err)
	}

	s.remember(sidecar, data)
	return nil
}

// EncodeDocument serializes the sidecar document for an image without
// writing it. Drafts are rejected the same way Save rejects them.
func EncodeDocument(imagePath string, anns []annotation.Annotation) ([]byte, error) {
	for _, a := range anns {
		if a.IsDraft() {
			return nil, fmt.Errorf("%w: target %s", ErrDraftAnnotation, a.Target.Selector.Value)
		}
	}

	doc := Document{
		Version:     DocumentVersion,
		Source:      filepath.Base(imagePath),
		Annotations: anns,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode sidecar: %w", err)
	}
	return append(data, '\n'), nil
}

// Changed reports whether the sidecar content differs from the last
// version this store read or wrote. Used by the watcher to drop reload
// events for our own writes and for no-op touches.
func (s *Store) Changed(sidecarPath string, data []byte) bool {
	sum := blake2b.Sum256(data)

	s.mu.RLock()
	prev, ok := s.fingerprints[sidecarPath]
	s.mu.RUnlock()

	return !ok || prev != sum
}

func (s *Store) remember(sidecarPath string, data []byte) {
	sum := blake2b.Sum256(data)
	s.mu.Lock()
	s.fingerprints[sidecarPath] = sum
	s.mu.Unlock()
}

func (s *Store) forget(sidecarPath string) {
	s.mu.Lock()
	delete(s.fingerprints, sidecarPath)
	s.mu.Unlock()
}

// Roots returns the configured collection roots.
func (s *Store) Roots() []string {
	return s.cfg.Roots
}
