package pipeline

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"comic-index/internal/database"
	"comic-index/internal/scanqueue"
	"comic-index/internal/startup"
)

func newTestPipeline(t *testing.T) (*Pipeline, *database.Database, string) {
	t.Helper()

	libraryDir := t.TempDir()
	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &startup.Config{
		LibraryDir:    libraryDir,
		QuietPeriod:   time.Second,
		SweepInterval: time.Hour,
	}
	return New(cfg, db), db, libraryDir
}

func writeArchiveFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create parent dir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("page-001.jpg")
	if err != nil {
		t.Fatalf("failed to add entry: %v", err)
	}
	if _, err := w.Write([]byte("jpeg")); err != nil {
		t.Fatalf("failed to write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to finish archive: %v", err)
	}
}

func TestResolveLibraryPath(t *testing.T) {
	p, _, libraryDir := newTestPipeline(t)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{
			name: "relative path joins the root",
			path: "series/issue-01.cbz",
			want: filepath.Join(libraryDir, "series", "issue-01.cbz"),
		},
		{
			name: "absolute path inside the root passes through",
			path: filepath.Join(libraryDir, "issue-01.cbz"),
			want: filepath.Join(libraryDir, "issue-01.cbz"),
		},
		{
			name: "dot segments are cleaned",
			path: "series/../issue-01.cbz",
			want: filepath.Join(libraryDir, "issue-01.cbz"),
		},
		{
			name:    "empty path rejected",
			path:    "",
			wantErr: true,
		},
		{
			name:    "escape via dot segments rejected",
			path:    "../../etc/passwd",
			wantErr: true,
		},
		{
			name:    "absolute path outside root rejected",
			path:    "/etc/passwd",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.resolveLibraryPath(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolveLibraryPath(%q) = %q, want error", tt.path, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveLibraryPath(%q) error = %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("resolveLibraryPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestEnqueue_MarksScanJobsQueued(t *testing.T) {
	p, db, libraryDir := newTestPipeline(t)
	path := filepath.Join(libraryDir, "issue-01.cbz")

	p.Enqueue(scanqueue.Job{Path: path, Reason: scanqueue.ReasonCreate})

	status, err := db.Status(context.Background(), path)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.ScanState != database.ScanStateQueued {
		t.Errorf("state = %q, want queued", status.ScanState)
	}
	if p.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", p.QueueDepth())
	}
}

func TestEnqueue_DeleteSkipsQueuedMark(t *testing.T) {
	p, db, libraryDir := newTestPipeline(t)
	path := filepath.Join(libraryDir, "gone.cbz")

	p.Enqueue(scanqueue.Job{Path: path, Reason: scanqueue.ReasonDelete})

	if _, err := db.Status(context.Background(), path); err == nil {
		t.Error("delete job must not create a queued placeholder record")
	}
	if p.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", p.QueueDepth())
	}
}

func TestRescan(t *testing.T) {
	p, _, libraryDir := newTestPipeline(t)
	writeArchiveFile(t, filepath.Join(libraryDir, "issue-01.cbz"))

	t.Run("archive path accepted", func(t *testing.T) {
		if err := p.Rescan("issue-01.cbz"); err != nil {
			t.Fatalf("Rescan() error = %v", err)
		}
		if p.QueueDepth() != 1 {
			t.Errorf("queue depth = %d, want 1", p.QueueDepth())
		}
	})

	t.Run("non-archive rejected", func(t *testing.T) {
		if err := p.Rescan("notes.txt"); err == nil {
			t.Error("Rescan(non-archive) error = nil, want error")
		}
	})

	t.Run("escape rejected", func(t *testing.T) {
		if err := p.Rescan("../../outside.cbz"); err == nil {
			t.Error("Rescan(escaping path) error = nil, want error")
		}
	})
}

func TestFullSweep_Reconciles(t *testing.T) {
	p, db, libraryDir := newTestPipeline(t)

	// Two archives on disk, one stale index entry with no file behind it.
	writeArchiveFile(t, filepath.Join(libraryDir, "issue-01.cbz"))
	writeArchiveFile(t, filepath.Join(libraryDir, "series", "issue-02.cbz"))
	os.WriteFile(filepath.Join(libraryDir, "notes.txt"), []byte("x"), 0o644)

	stale := filepath.Join(libraryDir, "removed.cbz")
	if err := db.UpsertRecord(&database.FileRecord{
		Path:      stale,
		Size:      10,
		ModTime:   time.Now().UTC(),
		ScanState: database.ScanStateClean,
	}); err != nil {
		t.Fatalf("failed to seed stale record: %v", err)
	}

	p.FullSweep(context.Background())

	// Two sweep jobs for files on disk plus one delete for the stale entry.
	if depth := p.QueueDepth(); depth != 3 {
		t.Fatalf("queue depth = %d, want 3 after sweep", depth)
	}

	seen := map[string]scanqueue.Reason{}
	for i := 0; i < 3; i++ {
		job, err := p.queue.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		seen[job.Path] = job.Reason
	}

	// The delete bypasses debounce at the top tier, so it came out first,
	// but ordering aside every path must carry the right reason.
	if seen[stale] != scanqueue.ReasonDelete {
		t.Errorf("stale entry reason = %q, want delete", seen[stale])
	}
	if seen[filepath.Join(libraryDir, "issue-01.cbz")] != scanqueue.ReasonSweep {
		t.Errorf("on-disk file reason = %q, want sweep", seen[filepath.Join(libraryDir, "issue-01.cbz")])
	}
	if seen[filepath.Join(libraryDir, "series", "issue-02.cbz")] != scanqueue.ReasonSweep {
		t.Errorf("nested file reason = %q, want sweep", seen[filepath.Join(libraryDir, "series", "issue-02.cbz")])
	}
}

func TestFullSweep_SkipsHiddenDirectories(t *testing.T) {
	p, _, libraryDir := newTestPipeline(t)
	writeArchiveFile(t, filepath.Join(libraryDir, ".trash", "old.cbz"))
	writeArchiveFile(t, filepath.Join(libraryDir, "issue-01.cbz"))

	p.FullSweep(context.Background())

	if depth := p.QueueDepth(); depth != 1 {
		t.Errorf("queue depth = %d, want 1 (hidden tree skipped)", depth)
	}
}

func TestStats_Cached(t *testing.T) {
	p, db, libraryDir := newTestPipeline(t)

	if err := db.UpsertRecord(&database.FileRecord{
		Path:      filepath.Join(libraryDir, "issue-01.cbz"),
		Size:      10,
		ModTime:   time.Now().UTC(),
		ScanState: database.ScanStateClean,
	}); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	stats, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalFiles != 1 {
		t.Fatalf("totalFiles = %d, want 1", stats.TotalFiles)
	}

	// A second record lands while the cache is fresh; the cached answer wins.
	if err := db.UpsertRecord(&database.FileRecord{
		Path:      filepath.Join(libraryDir, "issue-02.cbz"),
		Size:      10,
		ModTime:   time.Now().UTC(),
		ScanState: database.ScanStateClean,
	}); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	stats, err = p.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalFiles != 1 {
		t.Errorf("totalFiles = %d, want cached 1", stats.TotalFiles)
	}

	// Dropping the cache forces a fresh count.
	p.dropCachedStats()
	stats, err = p.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalFiles != 2 {
		t.Errorf("totalFiles = %d, want 2 after cache drop", stats.TotalFiles)
	}
}

func TestHealthy_FalseBeforeStart(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	if p.Healthy() {
		t.Error("Healthy() = true before the change detector starts")
	}
	if p.MemoryTier() != "normal" {
		t.Errorf("MemoryTier() = %q, want normal", p.MemoryTier())
	}
}
