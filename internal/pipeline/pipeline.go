// Package pipeline wires the change detector, scan queue, worker pool,
// memory monitor, and index store into one lifecycle-managed unit.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"comic-index/internal/comictypes"
	"comic-index/internal/database"
	"comic-index/internal/logging"
	"comic-index/internal/memory"
	"comic-index/internal/scanner"
	"comic-index/internal/scanqueue"
	"comic-index/internal/startup"
	"comic-index/internal/watcher"
)

// statsCacheTTL bounds how stale the cached index stats may be.
const statsCacheTTL = 30 * time.Second

// Pipeline owns the indexing components and their shutdown ordering.
type Pipeline struct {
	cfg     *startup.Config
	db      *database.Database
	queue   *scanqueue.Queue
	monitor *memory.Monitor
	watcher *watcher.Watcher
	scanner *scanner.Scanner

	sweepMu         sync.Mutex
	sweepInProgress bool
	lastSweep       time.Time
	lastSweepTook   time.Duration

	statsMu      sync.Mutex
	cachedStats  *database.IndexStats
	statsFetched time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// New assembles a pipeline around an open index store.
func New(cfg *startup.Config, db *database.Database) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		db:       db,
		queue:    scanqueue.New(),
		monitor:  memory.NewMonitor(memory.DefaultConfig()),
		stopChan: make(chan struct{}),
	}

	p.watcher = watcher.New(watcher.Config{
		Root:        cfg.LibraryDir,
		QuietPeriod: cfg.QuietPeriod,
	}, p)
	p.scanner = scanner.New(scanner.Config{}, db, p.queue, p.monitor)

	// Cached stats are the only discretionary memory the pipeline holds.
	p.monitor.RegisterCacheDropHook(p.dropCachedStats)

	return p
}

// Enqueue implements the watcher's job sink. Paths headed for a scan are
// marked queued so their status is observable before a worker picks them up.
func (p *Pipeline) Enqueue(job scanqueue.Job) {
	if job.Reason != scanqueue.ReasonDelete && job.Reason != scanqueue.ReasonMove {
		if err := p.db.MarkState(job.Path, database.ScanStateQueued, ""); err != nil {
			logging.Warn("Failed to mark %s queued: %v", job.Path, err)
		}
	}
	p.queue.Enqueue(job)
}

// Start brings the components up: monitor, workers, watcher, then the
// periodic sweep loop. An unobservable library root fails startup.
func (p *Pipeline) Start(ctx context.Context) error {
	p.monitor.Start()

	startup.LogScannerInit(p.scanner.Workers())
	p.scanner.Start(ctx)

	p.watcher.SetOnRecovered(func() {
		// The index may have drifted while the root was unobservable.
		go p.FullSweep(context.Background())
	})
	if err := p.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start change detector: %w", err)
	}

	if p.cfg.SweepOnStartup {
		go p.FullSweep(ctx)
	}
	if p.cfg.SweepInterval > 0 {
		go p.sweepLoop(ctx)
	}

	return nil
}

// Stop drains the pipeline in dependency order: no new events, no new jobs,
// then wait for in-flight scans so their commits complete.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })

	startup.LogShutdownStep("Stopping change detector")
	p.watcher.Stop()
	startup.LogShutdownStepComplete("Change detector stopped")

	startup.LogShutdownStep("Shutting down scan queue")
	p.queue.Shutdown()
	if err := p.scanner.Wait(); err != nil {
		logging.Error("Scan workers exited with error: %v", err)
	}
	startup.LogShutdownStepComplete("Scan workers drained")

	p.monitor.Stop()
}

// Rescan enqueues a manual scan for one library path.
func (p *Pipeline) Rescan(path string) error {
	abs, err := p.resolveLibraryPath(path)
	if err != nil {
		return err
	}
	if !comictypes.IsArchive(abs) {
		return fmt.Errorf("not a comic archive: %s", path)
	}

	p.Enqueue(scanqueue.Job{Path: abs, Reason: scanqueue.ReasonManual})
	return nil
}

// FullSweep reconciles the index against the library tree: unindexed or
// changed files get sweep jobs, indexed paths missing from disk get deletes.
// Only one sweep runs at a time; a second request is a no-op.
func (p *Pipeline) FullSweep(ctx context.Context) {
	p.sweepMu.Lock()
	if p.sweepInProgress {
		p.sweepMu.Unlock()
		logging.Debug("Sweep already in progress, skipping")
		return
	}
	p.sweepInProgress = true
	p.sweepMu.Unlock()

	defer func() {
		p.sweepMu.Lock()
		p.sweepInProgress = false
		p.sweepMu.Unlock()
	}()

	start := time.Now()
	logging.Info("Starting full library sweep of %s", p.cfg.LibraryDir)

	onDisk := make(map[string]bool)
	enqueued := 0

	err := filepath.WalkDir(p.cfg.LibraryDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Warn("Sweep: error accessing %s: %v", path, err)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopChan:
			return fmt.Errorf("pipeline stopping")
		default:
		}
		if d.IsDir() {
			if path != p.cfg.LibraryDir && comictypes.IsHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if comictypes.IsHidden(d.Name()) || !comictypes.IsArchive(path) {
			return nil
		}
		onDisk[path] = true
		p.Enqueue(scanqueue.Job{Path: path, Reason: scanqueue.ReasonSweep})
		enqueued++
		return nil
	})
	if err != nil {
		logging.Warn("Sweep walk aborted: %v", err)
		return
	}

	// Index entries with no file behind them become delete jobs.
	removed := 0
	indexed, err := p.db.ListPaths(ctx)
	if err != nil {
		logging.Error("Sweep: failed to list indexed paths: %v", err)
	} else {
		for _, path := range indexed {
			if !onDisk[path] {
				p.Enqueue(scanqueue.Job{Path: path, Reason: scanqueue.ReasonDelete})
				removed++
			}
		}
	}

	took := time.Since(start)
	p.sweepMu.Lock()
	p.lastSweep = time.Now()
	p.lastSweepTook = took
	p.sweepMu.Unlock()

	p.dropCachedStats()
	logging.Info("Sweep complete: %d files enqueued, %d stale entries removed, took %v",
		enqueued, removed, took)
}

// sweepLoop runs FullSweep on the configured interval.
func (p *Pipeline) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.FullSweep(ctx)
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Get returns the full index record for one library path.
func (p *Pipeline) Get(ctx context.Context, path string) (*database.FileRecord, error) {
	abs, err := p.resolveLibraryPath(path)
	if err != nil {
		return nil, err
	}
	return p.db.Get(ctx, abs)
}

// Status returns the scan status for one library path.
func (p *Pipeline) Status(ctx context.Context, path string) (*database.ScanStatus, error) {
	abs, err := p.resolveLibraryPath(path)
	if err != nil {
		return nil, err
	}
	return p.db.Status(ctx, abs)
}

// Query returns index records matching a filter.
func (p *Pipeline) Query(ctx context.Context, filter database.QueryFilter) ([]database.FileRecord, error) {
	return p.db.Query(ctx, filter)
}

// Stats returns index statistics, cached briefly to keep the endpoint cheap.
func (p *Pipeline) Stats(ctx context.Context) (database.IndexStats, error) {
	p.statsMu.Lock()
	if p.cachedStats != nil && time.Since(p.statsFetched) < statsCacheTTL {
		stats := *p.cachedStats
		p.statsMu.Unlock()
		return stats, nil
	}
	p.statsMu.Unlock()

	stats, err := p.db.CalculateStats(ctx)
	if err != nil {
		return database.IndexStats{}, err
	}

	p.sweepMu.Lock()
	stats.LastSweep = p.lastSweep
	if p.lastSweepTook > 0 {
		stats.SweepDuration = p.lastSweepTook.Round(time.Millisecond).String()
	}
	p.sweepMu.Unlock()

	p.statsMu.Lock()
	p.cachedStats = &stats
	p.statsFetched = time.Now()
	p.statsMu.Unlock()

	return stats, nil
}

// QueueDepth returns the number of pending scan jobs.
func (p *Pipeline) QueueDepth() int {
	return p.queue.Len()
}

// Healthy reports whether the store's write path and the watcher are both
// functioning.
func (p *Pipeline) Healthy() bool {
	return p.db.Healthy() && p.watcher.Healthy()
}

// MemoryStats exposes the monitor's current sample for the status endpoint.
func (p *Pipeline) MemoryStats() (current, limit int64, usage float64) {
	return p.monitor.GetStats()
}

// MemoryTier returns the current memory pressure tier name.
func (p *Pipeline) MemoryTier() string {
	return p.monitor.CurrentTier().String()
}

// MemoryUsage returns heap usage as a fraction of the memory limit, 0 when
// no limit is configured.
func (p *Pipeline) MemoryUsage() float64 {
	return p.monitor.GetUsage()
}

func (p *Pipeline) dropCachedStats() {
	p.statsMu.Lock()
	p.cachedStats = nil
	p.statsMu.Unlock()
}

// resolveLibraryPath turns a request path (absolute or library-relative)
// into an absolute path confined to the library root.
func (p *Pipeline) resolveLibraryPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.cfg.LibraryDir, abs)
	}
	abs = filepath.Clean(abs)

	root := p.cfg.LibraryDir
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes library root: %s", path)
	}
	return abs, nil
}
