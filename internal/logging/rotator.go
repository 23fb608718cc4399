package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const archiveStamp = "20060102-150405"

// Rotator is an io.Writer over a log file that rotates by size.
// Rotated files keep the live name plus a timestamp suffix
// (annotd.log.20260825-093000, optionally .gz) and are pruned by
// count and age after each rotation.
type Rotator struct {
	path     string
	maxBytes int64
	keep     int
	maxAge   time.Duration
	compress bool

	mu      sync.Mutex
	f       *os.File
	written int64
}

// NewRotator opens (creating if needed) the live log file named by
// cfg.FilePath.
func NewRotator(cfg *Config) (*Rotator, error) {
	r := &Rotator{
		path:     cfg.FilePath,
		maxBytes: cfg.MaxSize << 20,
		keep:     cfg.MaxBackups,
		maxAge:   time.Duration(cfg.MaxAge) * 24 * time.Hour,
		compress: cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return nil, err
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.f = f
	r.written = info.Size()
	return nil
}

// Write appends p, rotating first when the file would exceed the
// size cap.
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.written+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", r.path, err)
		}
	}

	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

// rotate renames the live file aside and reopens a fresh one.
// Compression and pruning run in the background; the writer should
// not stall on archive housekeeping.
func (r *Rotator) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil

	archived := r.path + "." + time.Now().Format(archiveStamp)
	if err := os.Rename(r.path, archived); err != nil && !os.IsNotExist(err) {
		return err
	}

	go func() {
		if r.compress {
			gzipAndReplace(archived)
		}
		r.prune()
	}()

	return r.open()
}

// gzipAndReplace compresses path to path.gz and removes the original.
// On any failure the uncompressed file stays and its path is returned.
func gzipAndReplace(path string) string {
	in, err := os.Open(path)
	if err != nil {
		return path
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return path
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return path
	}
	os.Remove(path)
	return path + ".gz"
}

// prune removes archives beyond the keep count or older than the age
// cap. Archive names embed their rotation time, so a lexical sort
// orders them oldest first.
func (r *Rotator) prune() {
	archives, err := filepath.Glob(r.path + ".*")
	if err != nil {
		return
	}
	sort.Strings(archives)

	excess := len(archives) - r.keep
	if r.keep <= 0 {
		excess = 0
	}
	cutoff := time.Now().Add(-r.maxAge).Format(archiveStamp)

	for i, a := range archives {
		stamp := strings.TrimSuffix(strings.TrimPrefix(a, r.path+"."), ".gz")
		switch {
		case i < excess:
			os.Remove(a)
		case r.maxAge > 0 && stamp < cutoff:
			os.Remove(a)
		}
	}
}

// Close releases the live file. Further writes reopen it.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
