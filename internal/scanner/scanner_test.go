package scanner

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"comic-index/internal/database"
	"comic-index/internal/memory"
	"comic-index/internal/scanqueue"
)

// stubPressure is a fixed-tier pressure source.
type stubPressure struct {
	tier memory.Tier
}

func (s *stubPressure) CurrentTier() memory.Tier { return s.tier }

func newTestScanner(t *testing.T, tier memory.Tier) (*Scanner, *database.Database, *scanqueue.Queue) {
	t.Helper()

	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	queue := scanqueue.New()
	s := New(Config{Workers: 1, DeferDelay: 10 * time.Millisecond}, db, queue, &stubPressure{tier: tier})
	return s, db, queue
}

// writeComicArchive creates a cbz containing a descriptor with the given series.
func writeComicArchive(t *testing.T, dir, name, series string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("ComicInfo.xml")
	if err != nil {
		t.Fatalf("failed to create descriptor entry: %v", err)
	}
	if _, err := w.Write([]byte(`<ComicInfo><Series>` + series + `</Series><Year>2012</Year></ComicInfo>`)); err != nil {
		t.Fatalf("failed to write descriptor: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close archive: %v", err)
	}
	return path
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.cbz")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	fp1 := Fingerprint(path, info)
	fp2 := Fingerprint(path, info)
	if fp1 != fp2 {
		t.Errorf("Fingerprint not deterministic: %q vs %q", fp1, fp2)
	}

	// A different mtime yields a different fingerprint.
	newTime := info.ModTime().Add(time.Hour)
	if err := os.Chtimes(path, newTime, newTime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if Fingerprint(path, info2) == fp1 {
		t.Error("Fingerprint unchanged after mtime change")
	}

	// A different path yields a different fingerprint even for identical stats.
	other := filepath.Join(dir, "b.cbz")
	if err := os.WriteFile(other, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := os.Chtimes(other, newTime, newTime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	infoOther, err := os.Stat(other)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if Fingerprint(other, infoOther) == Fingerprint(path, info2) {
		t.Error("Fingerprint collision across paths with identical stats")
	}
}

func TestScanFile_ExtractsAndCommits(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	path := writeComicArchive(t, t.TempDir(), "saga-01.cbz", "Saga")

	if result := s.scanFile(ctx, path, scanqueue.ReasonCreate); result != "clean" {
		t.Fatalf("scanFile() = %q, want clean", result)
	}

	rec, err := db.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.ScanState != database.ScanStateClean {
		t.Errorf("ScanState = %q, want clean", rec.ScanState)
	}
	if got := rec.Metadata.GetString("Series"); got != "Saga" {
		t.Errorf("Series = %q, want Saga", got)
	}
	if got := rec.Metadata.GetInt("Year"); got != 2012 {
		t.Errorf("Year = %d, want 2012", got)
	}
	if rec.Fingerprint == "" {
		t.Error("Fingerprint not recorded")
	}
	if rec.LastScannedAt == nil {
		t.Error("LastScannedAt not set")
	}
}

func TestScanFile_UnchangedFileShortCircuits(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	path := writeComicArchive(t, t.TempDir(), "saga-01.cbz", "Saga")

	if result := s.scanFile(ctx, path, scanqueue.ReasonCreate); result != "clean" {
		t.Fatalf("first scanFile() = %q, want clean", result)
	}

	first, err := db.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Unchanged: second automatic scan keeps the stored record.
	if result := s.scanFile(ctx, path, scanqueue.ReasonModify); result != "clean" {
		t.Fatalf("second scanFile() = %q, want clean", result)
	}

	second, err := db.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("Fingerprint changed on unchanged file: %q -> %q", first.Fingerprint, second.Fingerprint)
	}
	if got := second.Metadata.GetString("Series"); got != "Saga" {
		t.Errorf("Series = %q, want Saga", got)
	}
}

func TestScanFile_VanishedFileRemovesRecord(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeComicArchive(t, dir, "saga-01.cbz", "Saga")

	if result := s.scanFile(ctx, path, scanqueue.ReasonCreate); result != "clean" {
		t.Fatalf("scanFile() = %q, want clean", result)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if result := s.scanFile(ctx, path, scanqueue.ReasonModify); result != "deleted" {
		t.Fatalf("scanFile(vanished) = %q, want deleted", result)
	}
	if _, err := db.Get(ctx, path); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Get() after vanish error = %v, want ErrNotFound", err)
	}
}

func TestScanFile_CorruptArchiveFails(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.cbz")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	// Record must exist before a failure can be marked against it.
	if err := db.MarkState(path, database.ScanStateQueued, ""); err != nil {
		t.Fatalf("MarkState() error = %v", err)
	}

	if result := s.scanFile(ctx, path, scanqueue.ReasonCreate); result != "failed" {
		t.Fatalf("scanFile(corrupt) = %q, want failed", result)
	}

	status, err := db.Status(ctx, path)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.ScanState != database.ScanStateFailed {
		t.Errorf("ScanState = %q, want failed", status.ScanState)
	}
	if status.LastError == "" {
		t.Error("LastError empty, want extraction error recorded")
	}
}

func TestScanFile_RepeatedFailuresSuppressed(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.cbz")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := db.MarkState(path, database.ScanStateQueued, ""); err != nil {
		t.Fatalf("MarkState() error = %v", err)
	}

	for i := 0; i < maxConsecutiveFailures; i++ {
		if result := s.scanFile(ctx, path, scanqueue.ReasonModify); result != "failed" {
			t.Fatalf("scanFile() #%d = %q, want failed", i, result)
		}
	}

	// Automatic rescans of the unchanged file are now suppressed.
	if result := s.scanFile(ctx, path, scanqueue.ReasonModify); result != "skipped" {
		t.Errorf("scanFile() after %d failures = %q, want skipped", maxConsecutiveFailures, result)
	}

	// A manual scan bypasses suppression and resets the count.
	if result := s.scanFile(ctx, path, scanqueue.ReasonManual); result != "failed" {
		t.Errorf("manual scanFile() = %q, want failed (runs despite suppression)", result)
	}
	if result := s.scanFile(ctx, path, scanqueue.ReasonModify); result != "failed" {
		t.Errorf("scanFile() after manual reset = %q, want failed (count restarted)", result)
	}
}

func TestScanFile_ChangedFileResetsSuppression(t *testing.T) {
	s, _, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "flaky.cbz")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	for i := 0; i < maxConsecutiveFailures; i++ {
		s.scanFile(ctx, path, scanqueue.ReasonModify)
	}

	// Rewrite the file: new fingerprint, suppression no longer applies and
	// the now-valid archive scans clean.
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("ComicInfo.xml")
	if _, err := w.Write([]byte(`<ComicInfo><Series>Fixed</Series></ComicInfo>`)); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	if result := s.scanFile(ctx, path, scanqueue.ReasonModify); result != "clean" {
		t.Errorf("scanFile(repaired) = %q, want clean", result)
	}
}

func TestProcessDelete(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	path := writeComicArchive(t, t.TempDir(), "saga-01.cbz", "Saga")

	if result := s.scanFile(ctx, path, scanqueue.ReasonCreate); result != "clean" {
		t.Fatalf("scanFile() = %q, want clean", result)
	}
	if result := s.processDelete(path); result != "deleted" {
		t.Fatalf("processDelete() = %q, want deleted", result)
	}
	if _, err := db.Get(ctx, path); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestProcessMove_PreservesMetadata(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	dir := t.TempDir()
	oldPath := writeComicArchive(t, dir, "saga-01.cbz", "Saga")

	if result := s.scanFile(ctx, oldPath, scanqueue.ReasonCreate); result != "clean" {
		t.Fatalf("scanFile() = %q, want clean", result)
	}

	newPath := filepath.Join(dir, "renamed.cbz")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	if result := s.processMove(ctx, oldPath, newPath); result != "moved" {
		t.Fatalf("processMove() = %q, want moved", result)
	}

	if _, err := db.Get(ctx, oldPath); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Get(old) error = %v, want ErrNotFound", err)
	}

	rec, err := db.Get(ctx, newPath)
	if err != nil {
		t.Fatalf("Get(new) error = %v", err)
	}
	if got := rec.Metadata.GetString("Series"); got != "Saga" {
		t.Errorf("Series after move = %q, want Saga (metadata preserved without rescan)", got)
	}
	if rec.Fingerprint == "" {
		t.Error("Fingerprint not refreshed for new location")
	}
}

func TestProcessMove_UnindexedSourceScansFresh(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	dir := t.TempDir()
	newPath := writeComicArchive(t, dir, "arrived.cbz", "Saga")

	result := s.processMove(ctx, filepath.Join(dir, "never-indexed.cbz"), newPath)
	if result != "clean" {
		t.Fatalf("processMove(unindexed source) = %q, want clean", result)
	}

	rec, err := db.Get(ctx, newPath)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := rec.Metadata.GetString("Series"); got != "Saga" {
		t.Errorf("Series = %q, want Saga", got)
	}
}

func TestProcess_CriticalMemoryDefersAutomaticScans(t *testing.T) {
	s, _, queue := newTestScanner(t, memory.TierCritical)
	path := writeComicArchive(t, t.TempDir(), "saga-01.cbz", "Saga")

	s.process(context.Background(), scanqueue.Job{
		Path:     path,
		Reason:   scanqueue.ReasonModify,
		Priority: scanqueue.PriorityChange,
	})

	// The job re-enters the queue after the defer delay instead of running.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if queue.Contains(path) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("deferred job never re-entered the queue")
}

func TestProcess_CriticalMemoryStillRunsManualAndDelete(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierCritical)
	ctx := context.Background()
	path := writeComicArchive(t, t.TempDir(), "saga-01.cbz", "Saga")

	s.process(ctx, scanqueue.Job{Path: path, Reason: scanqueue.ReasonManual, Priority: scanqueue.PriorityManual})
	if _, err := db.Get(ctx, path); err != nil {
		t.Fatalf("manual scan did not run under critical pressure: %v", err)
	}

	s.process(ctx, scanqueue.Job{Path: path, Reason: scanqueue.ReasonDelete, Priority: scanqueue.PriorityUrgent})
	if _, err := db.Get(ctx, path); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("delete did not run under critical pressure: %v", err)
	}
}

func TestWorkers_DrainQueueAndStopOnShutdown(t *testing.T) {
	s, db, queue := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	dir := t.TempDir()

	paths := []string{
		writeComicArchive(t, dir, "a.cbz", "Saga"),
		writeComicArchive(t, dir, "b.cbz", "Saga"),
		writeComicArchive(t, dir, "c.cbz", "Saga"),
	}

	s.Start(ctx)
	for _, p := range paths {
		queue.Enqueue(scanqueue.Job{Path: p, Reason: scanqueue.ReasonCreate})
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		done := 0
		for _, p := range paths {
			if rec, err := db.Get(ctx, p); err == nil && rec.ScanState == database.ScanStateClean {
				done++
			}
		}
		if done == len(paths) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	queue.Shutdown()
	if err := s.Wait(); err != nil {
		t.Errorf("Wait() error = %v", err)
	}

	for _, p := range paths {
		rec, err := db.Get(ctx, p)
		if err != nil {
			t.Errorf("Get(%s) error = %v", p, err)
			continue
		}
		if rec.ScanState != database.ScanStateClean {
			t.Errorf("ScanState(%s) = %q, want clean", p, rec.ScanState)
		}
	}
}

func TestProcess_SamePathParksWhileScanInFlight(t *testing.T) {
	s, db, queue := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	path := writeComicArchive(t, t.TempDir(), "saga-01.cbz", "Saga")

	// Simulate a scan of the path mid-flight on another worker.
	if !s.claim(path) {
		t.Fatal("claim() failed on an idle path")
	}

	s.process(ctx, scanqueue.Job{Path: path, Reason: scanqueue.ReasonManual})

	// The second job must not have scanned while the first held the path.
	if _, err := db.Get(ctx, path); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("record committed while path was in flight (Get error = %v)", err)
	}

	// The parked job re-enters the queue after the requeue delay.
	deadline := time.Now().Add(2 * time.Second)
	for !queue.Contains(path) {
		if time.Now().After(deadline) {
			t.Fatal("parked job never re-entered the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Once the first scan's commit completes, the parked job proceeds.
	s.release(path)
	job, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	s.process(ctx, job)

	rec, err := db.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.ScanState != database.ScanStateClean {
		t.Errorf("ScanState = %q, want clean after the parked job ran", rec.ScanState)
	}
}

func TestScanFile_PreviouslyFailedUnchangedFileReextracts(t *testing.T) {
	s, db, _ := newTestScanner(t, memory.TierNormal)
	ctx := context.Background()
	path := writeComicArchive(t, t.TempDir(), "saga-01.cbz", "Saga")

	if result := s.scanFile(ctx, path, scanqueue.ReasonCreate); result != "clean" {
		t.Fatalf("first scanFile() = %q, want clean", result)
	}

	// Corrupt the archive in place without changing size or mtime, so the
	// fingerprint still matches the committed record.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if err := os.WriteFile(path, make([]byte, info.Size()), 0o644); err != nil {
		t.Fatalf("failed to corrupt archive: %v", err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	// Walk the record through a failed scan and a re-queue.
	for _, step := range []struct {
		state   database.ScanState
		lastErr string
	}{
		{database.ScanStateQueued, ""},
		{database.ScanStateScanning, ""},
		{database.ScanStateFailed, "read error"},
		{database.ScanStateQueued, ""},
	} {
		if err := db.MarkState(path, step.state, step.lastErr); err != nil {
			t.Fatalf("MarkState(%s) error = %v", step.state, err)
		}
	}

	// An unchanged fingerprint must not mask the prior failure: the scan
	// re-reads the archive and reports the corruption.
	if result := s.scanFile(ctx, path, scanqueue.ReasonModify); result != "failed" {
		t.Errorf("scanFile() = %q, want failed after prior failure on unchanged file", result)
	}

	status, err := db.Status(ctx, path)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.ScanState != database.ScanStateFailed {
		t.Errorf("ScanState = %q, want failed", status.ScanState)
	}
}
