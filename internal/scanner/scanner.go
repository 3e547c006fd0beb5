// Package scanner drains the scan queue and turns jobs into index mutations:
// extracting descriptor metadata from archives, fingerprinting files, and
// committing results through the store.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"comic-index/internal/comicinfo"
	"comic-index/internal/database"
	"comic-index/internal/filesystem"
	"comic-index/internal/logging"
	"comic-index/internal/memory"
	"comic-index/internal/metrics"
	"comic-index/internal/scanqueue"
	"comic-index/internal/workers"
)

const (
	// defaultArchiveTimeout bounds a single descriptor extraction so one
	// file on a hung mount cannot wedge a worker.
	defaultArchiveTimeout = 30 * time.Second

	// defaultDeferDelay is how long a job deferred under critical memory
	// pressure waits before re-entering the queue.
	defaultDeferDelay = 10 * time.Second

	// maxConsecutiveFailures is the failure count after which automatic
	// rescans of an unchanged file are suppressed.
	maxConsecutiveFailures = 3

	// inflightRequeueDelay is how long a job for a path already being
	// scanned waits before re-entering the queue.
	inflightRequeueDelay = 50 * time.Millisecond
)

// Config holds scanner configuration.
type Config struct {
	// Workers is the pool size. Zero sizes the pool from available CPUs.
	Workers int

	// ArchiveTimeout bounds one descriptor extraction. Zero uses the default.
	ArchiveTimeout time.Duration

	// DeferDelay is the requeue delay for memory-deferred jobs. Zero uses
	// the default.
	DeferDelay time.Duration
}

// PressureSource reports the current memory pressure tier. Satisfied by
// *memory.Monitor.
type PressureSource interface {
	CurrentTier() memory.Tier
}

// failureRecord tracks consecutive scan failures for one path. The
// fingerprint pins the count to a file version: a changed file starts over.
type failureRecord struct {
	count       int
	fingerprint string
}

// Scanner is the metadata scan worker pool.
type Scanner struct {
	cfg      Config
	db       *database.Database
	queue    *scanqueue.Queue
	pressure PressureSource
	retry    filesystem.RetryConfig

	mu       sync.Mutex
	failures map[string]*failureRecord
	inflight map[string]bool

	group *errgroup.Group
}

// New creates a scanner draining queue into db, consulting pressure before
// each archive read.
func New(cfg Config, db *database.Database, queue *scanqueue.Queue, pressure PressureSource) *Scanner {
	if cfg.Workers <= 0 {
		// Extraction spends most of its time blocked on archive reads.
		cfg.Workers = workers.ForIO(8)
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaultArchiveTimeout
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = defaultDeferDelay
	}
	return &Scanner{
		cfg:      cfg,
		db:       db,
		queue:    queue,
		pressure: pressure,
		retry:    filesystem.DefaultRetryConfig(),
		failures: make(map[string]*failureRecord),
		inflight: make(map[string]bool),
	}
}

// Start launches the worker pool. Workers run until the queue shuts down.
func (s *Scanner) Start(ctx context.Context) {
	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	logging.Info("Starting %d scan workers", s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		group.Go(func() error {
			return s.workerLoop(ctx)
		})
	}
}

// Wait blocks until every worker has exited. Call after shutting down the
// queue.
func (s *Scanner) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

func (s *Scanner) workerLoop(ctx context.Context) error {
	for {
		job, err := s.queue.Dequeue()
		if err != nil {
			if errors.Is(err, scanqueue.ErrShutdown) {
				return nil
			}
			return err
		}

		s.process(ctx, job)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// process dispatches one job. Every outcome lands in the scans metric so a
// dashboard can account for all dequeued work.
func (s *Scanner) process(ctx context.Context, job scanqueue.Job) {
	// The queue dedupes pending jobs, but a path's next job can be dequeued
	// while its previous scan is still running. Park it until that scan's
	// commit lands so no path is ever scanned twice concurrently.
	if !s.claim(job.Path) {
		logging.Debug("Scan of %s already in flight, parking job", job.Path)
		time.AfterFunc(inflightRequeueDelay, func() {
			s.queue.Enqueue(job)
		})
		return
	}
	defer s.release(job.Path)

	// Deletes and moves are pure index mutations and stay cheap under
	// pressure; archive-reading scans yield until memory recovers.
	if s.pressure.CurrentTier() == memory.TierCritical &&
		job.Reason != scanqueue.ReasonManual &&
		job.Reason != scanqueue.ReasonDelete &&
		job.Reason != scanqueue.ReasonMove {
		s.deferJob(job)
		return
	}

	start := time.Now()
	var result string

	switch job.Reason {
	case scanqueue.ReasonDelete:
		result = s.processDelete(job.Path)
	case scanqueue.ReasonMove:
		result = s.processMove(ctx, job.OldPath, job.Path)
	default:
		result = s.scanFile(ctx, job.Path, job.Reason)
	}

	metrics.ScansTotal.WithLabelValues(string(job.Reason), result).Inc()
	metrics.ScanDuration.WithLabelValues(string(job.Reason)).Observe(time.Since(start).Seconds())
}

// deferJob pushes a job back into the queue after a delay so the pool keeps
// draining cheap work while archive reads wait out memory pressure.
func (s *Scanner) deferJob(job scanqueue.Job) {
	metrics.ScansDeferredTotal.Inc()
	logging.Debug("Deferring scan of %s under critical memory pressure", job.Path)
	time.AfterFunc(s.cfg.DeferDelay, func() {
		s.queue.Enqueue(job)
	})
}

func (s *Scanner) processDelete(path string) string {
	if err := s.db.Delete(path); err != nil {
		logging.Error("Failed to delete index entry for %s: %v", path, err)
		return "failed"
	}
	s.clearFailures(path)
	logging.Debug("Removed index entry for %s", path)
	return "deleted"
}

// processMove migrates the index entry from oldPath to newPath and refreshes
// the fingerprint for the new location. The extracted metadata survives the
// move without re-reading the archive.
func (s *Scanner) processMove(ctx context.Context, oldPath, newPath string) string {
	err := s.db.Rename(oldPath, newPath)
	if errors.Is(err, database.ErrNotFound) {
		// The vacated path was never indexed; treat the arrival as a create.
		logging.Debug("Move source %s not indexed, scanning %s fresh", oldPath, newPath)
		return s.scanFile(ctx, newPath, scanqueue.ReasonCreate)
	}
	if err != nil {
		logging.Error("Failed to move index entry %s -> %s: %v", oldPath, newPath, err)
		return "failed"
	}

	s.clearFailures(oldPath)

	info, statErr := filesystem.StatWithRetry(newPath, s.retry)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return s.processDelete(newPath)
		}
		logging.Warn("Failed to stat moved file %s: %v", newPath, statErr)
		if markErr := s.db.MarkState(newPath, database.ScanStateFailed, statErr.Error()); markErr != nil {
			logging.Error("Failed to mark %s failed: %v", newPath, markErr)
		}
		return "failed"
	}

	rec, getErr := s.db.Get(ctx, newPath)
	if getErr != nil {
		logging.Error("Failed to load moved record %s: %v", newPath, getErr)
		return "failed"
	}

	now := time.Now()
	rec.Size = info.Size()
	rec.ModTime = info.ModTime()
	rec.Fingerprint = Fingerprint(newPath, info)
	rec.LastScannedAt = &now
	if err := s.db.UpsertRecord(rec); err != nil {
		logging.Error("Failed to refresh moved record %s: %v", newPath, err)
		return "failed"
	}

	logging.Debug("Moved index entry %s -> %s", oldPath, newPath)
	return "moved"
}

// scanFile runs a full scan of one path: stat, fingerprint short-circuit,
// descriptor extraction, and commit.
func (s *Scanner) scanFile(ctx context.Context, path string, reason scanqueue.Reason) string {
	info, err := filesystem.StatWithRetry(path, s.retry)
	if err != nil {
		if os.IsNotExist(err) {
			// The file vanished between event and scan.
			return s.processDelete(path)
		}
		return s.recordFailure(path, "", fmt.Errorf("stat: %w", err))
	}

	fingerprint := Fingerprint(path, info)

	if reason != scanqueue.ReasonManual && s.isSuppressed(path, fingerprint) {
		metrics.ScansSuppressedTotal.Inc()
		logging.Debug("Suppressing automatic rescan of %s after %d failures", path, maxConsecutiveFailures)
		return "skipped"
	}
	if reason == scanqueue.ReasonManual {
		s.clearFailures(path)
	}

	// Read the record before marking scanning: a prior failure (state or a
	// lingering last_error from a re-queue) must force re-extraction, and
	// the scanning mark would hide it.
	var existing *database.FileRecord
	if reason != scanqueue.ReasonManual {
		existing, _ = s.db.Get(ctx, path)
	}

	if err := s.db.MarkState(path, database.ScanStateScanning, ""); err != nil {
		logging.Warn("Failed to mark %s scanning: %v", path, err)
	}

	// Unchanged files skip the archive read entirely. Manual scans always
	// read so a user can force a refresh.
	if existing != nil && existing.Fingerprint == fingerprint &&
		existing.ScanState != database.ScanStateFailed && existing.LastError == "" {
		if err := s.db.MarkState(path, database.ScanStateClean, ""); err != nil {
			logging.Warn("Failed to mark %s clean: %v", path, err)
		}
		logging.Debug("Fingerprint unchanged for %s, skipping extraction", path)
		return "clean"
	}

	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.ArchiveTimeout)
	md, err := comicinfo.Extract(extractCtx, path)
	cancel()
	if err != nil {
		return s.recordFailure(path, fingerprint, fmt.Errorf("extract: %w", err))
	}

	now := time.Now()
	rec := &database.FileRecord{
		Path:          path,
		Size:          info.Size(),
		ModTime:       info.ModTime(),
		Fingerprint:   fingerprint,
		ScanState:     database.ScanStateClean,
		LastScannedAt: &now,
		Metadata:      md,
	}
	if err := s.db.UpsertRecord(rec); err != nil {
		return s.recordFailure(path, fingerprint, fmt.Errorf("commit: %w", err))
	}

	s.clearFailures(path)
	return "clean"
}

// recordFailure marks the index entry failed and advances the consecutive
// failure count for the file version identified by fingerprint.
func (s *Scanner) recordFailure(path, fingerprint string, scanErr error) string {
	logging.Warn("Scan of %s failed: %v", path, scanErr)

	if err := s.db.MarkState(path, database.ScanStateFailed, scanErr.Error()); err != nil {
		logging.Error("Failed to mark %s failed: %v", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fr, ok := s.failures[path]
	if !ok || fr.fingerprint != fingerprint {
		s.failures[path] = &failureRecord{count: 1, fingerprint: fingerprint}
		return "failed"
	}
	fr.count++
	if fr.count == maxConsecutiveFailures {
		logging.Warn("File %s failed %d consecutive scans, automatic rescans suppressed until it changes",
			path, fr.count)
	}
	return "failed"
}

// isSuppressed reports whether automatic rescans of path are suppressed:
// the file has failed repeatedly and its fingerprint has not changed since.
func (s *Scanner) isSuppressed(path, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fr, ok := s.failures[path]
	return ok && fr.count >= maxConsecutiveFailures && fr.fingerprint == fingerprint
}

func (s *Scanner) clearFailures(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, path)
}

// claim marks a path as being scanned. Returns false if another worker holds
// it.
func (s *Scanner) claim(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[path] {
		return false
	}
	s.inflight[path] = true
	return true
}

func (s *Scanner) release(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, path)
}

// Workers returns the effective pool size after defaulting.
func (s *Scanner) Workers() int {
	return s.cfg.Workers
}

// Fingerprint derives a cheap identity for one file version from its path,
// size, and modification time. No file contents are read.
func Fingerprint(path string, info os.FileInfo) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())))
	return hex.EncodeToString(sum[:16])
}
