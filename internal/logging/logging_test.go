package logging

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func fileConfig(dir string, format Format) *Config {
	return &Config{
		Level:      LevelDebug,
		Format:     format,
		Output:     "file",
		FilePath:   filepath.Join(dir, "annotd.log"),
		MaxSize:    10,
		MaxBackups: 3,
		Component:  "test",
	}
}

func TestFileSinkCarriesComponent(t *testing.T) {
	cfg := fileConfig(t.TempDir(), FormatText)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("sidecar saved", "source", "page-one.png")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "sidecar saved") || !strings.Contains(out, "component=test") {
		t.Errorf("unexpected log contents: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	cfg := fileConfig(t.TempDir(), FormatJSON)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Warn("selection stuck", "id", "abc")
	l.Close()

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "selection stuck" || rec["component"] != "test" || rec["id"] != "abc" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestCloseWithoutFileSink(t *testing.T) {
	l, err := New(&Config{Output: "stderr"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close without a file sink should be a no-op, got %v", err)
	}
}

func TestOpenSinkFallsBackToStderr(t *testing.T) {
	w, rot, err := openSink(&Config{Output: "syslog"})
	if err != nil {
		t.Fatalf("openSink failed: %v", err)
	}
	if w != os.Stderr || rot != nil {
		t.Error("unknown output should fall back to stderr with no rotator")
	}
}

func TestRotatorRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	r := &Rotator{
		path:     filepath.Join(dir, "annotd.log"),
		maxBytes: 100,
		keep:     5,
	}
	defer r.Close()

	line := strings.Repeat("x", 60) + "\n"
	if _, err := r.Write([]byte(line)); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if _, err := r.Write([]byte(line)); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	archives, _ := filepath.Glob(r.path + ".*")
	if len(archives) != 1 {
		t.Fatalf("got %d archives, want 1", len(archives))
	}
	info, err := os.Stat(r.path)
	if err != nil {
		t.Fatalf("live file missing: %v", err)
	}
	if info.Size() != int64(len(line)) {
		t.Errorf("live file holds %d bytes, want %d", info.Size(), len(line))
	}
}

func TestPruneKeepsNewestArchives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotd.log")
	for _, stamp := range []string{"20240101-000000", "20240102-000000", "20240103-000000"} {
		if err := os.WriteFile(path+"."+stamp, []byte("old"), 0o640); err != nil {
			t.Fatal(err)
		}
	}

	r := &Rotator{path: path, keep: 1}
	r.prune()

	archives, _ := filepath.Glob(path + ".*")
	if len(archives) != 1 || !strings.HasSuffix(archives[0], "20240103-000000") {
		t.Errorf("surviving archives = %v, want only the newest", archives)
	}
}

func TestPruneDropsExpiredArchives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotd.log")

	fresh := path + "." + time.Now().Format(archiveStamp)
	stale := path + ".20200101-000000"
	for _, p := range []string{fresh, stale} {
		if err := os.WriteFile(p, []byte("x"), 0o640); err != nil {
			t.Fatal(err)
		}
	}

	r := &Rotator{path: path, keep: 10, maxAge: 24 * time.Hour}
	r.prune()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expired archive should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh archive should survive: %v", err)
	}
}

func TestGzipAndReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotd.log.20240101-000000")
	if err := os.WriteFile(path, []byte("archived line\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	got := gzipAndReplace(path)
	if got != path+".gz" {
		t.Fatalf("gzipAndReplace returned %q", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original should be removed after compression")
	}

	f, err := os.Open(got)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("archive is not gzip: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil || string(data) != "archived line\n" {
		t.Errorf("decompressed %q, err %v", data, err)
	}
}

func TestCrashHandlerWritesReport(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(dir)
	h.SetVersion("1.2.3")

	h.Recover(func() { panic("draw loop exploded") })

	reports, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if len(reports) != 1 {
		t.Fatalf("got %d crash reports, want 1", len(reports))
	}
	data, err := os.ReadFile(reports[0])
	if err != nil {
		t.Fatal(err)
	}
	var rep CrashReport
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if rep.Panic != "draw loop exploded" || rep.Version != "1.2.3" {
		t.Errorf("unexpected report: %+v", rep)
	}
	if rep.Stack == "" {
		t.Error("report should carry the stack trace")
	}
}

func TestCrashHandlerQuietWithoutPanic(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(dir)

	h.Recover(func() {})

	reports, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if len(reports) != 0 {
		t.Errorf("got %d crash reports, want none", len(reports))
	}
}
