// Package watcher observes a library tree for archive changes and emits a
// debounced, deduplicated stream of scan jobs.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"comic-index/internal/comictypes"
	"comic-index/internal/logging"
	"comic-index/internal/metrics"
	"comic-index/internal/scanqueue"
)

const (
	// defaultQuietPeriod is how long a path must stay quiet before its
	// bucket flushes into a single scan job.
	defaultQuietPeriod = 2 * time.Second

	// flushInterval is how often the timer loop sweeps elapsed buckets.
	flushInterval = 250 * time.Millisecond

	// moveWindow is how long a rename-away event waits for its matching
	// create before degrading into a delete.
	moveWindow = 2 * time.Second

	// Backoff bounds for re-establishing a lost watch root.
	retryInitialBackoff = 1 * time.Second
	retryMaxBackoff     = 30 * time.Second
)

// JobSink receives the scan jobs the watcher emits.
type JobSink interface {
	Enqueue(job scanqueue.Job)
}

// Config holds watcher configuration.
type Config struct {
	// Root is the library directory observed recursively.
	Root string

	// QuietPeriod is the debounce window per path. Zero uses the default.
	QuietPeriod time.Duration
}

// bucket accumulates raw events for one path until its deadline elapses.
type bucket struct {
	reason   scanqueue.Reason
	deadline time.Time
}

// pendingRename is a rename-away event waiting to pair with a create into a
// move job.
type pendingRename struct {
	path    string
	seenAt  time.Time
	expired bool
}

// Watcher is the change detector. It owns the debounce bucket map; the
// fsnotify callback and the flush loop are its only writers.
type Watcher struct {
	cfg  Config
	sink JobSink

	mu       sync.Mutex
	buckets  map[string]*bucket
	renames  []*pendingRename
	fsw      *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	healthy  atomic.Bool

	// onRecovered runs after the watch root becomes observable again.
	onRecovered func()
}

// New creates a watcher emitting jobs into sink. Call Start to begin
// observation.
func New(cfg Config, sink JobSink) *Watcher {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = defaultQuietPeriod
	}
	return &Watcher{
		cfg:      cfg,
		sink:     sink,
		buckets:  make(map[string]*bucket),
		stopChan: make(chan struct{}),
	}
}

// SetOnRecovered sets a callback invoked after the watch root is
// re-established following loss. Used to trigger a reconciling sweep.
func (w *Watcher) SetOnRecovered(callback func()) {
	w.onRecovered = callback
}

// Healthy reports whether the library root is currently being observed.
func (w *Watcher) Healthy() bool {
	return w.healthy.Load()
}

// Start establishes the recursive watch and launches the event and flush
// loops. Returns an error only if the root is unobservable at startup.
func (w *Watcher) Start() error {
	if err := w.establish(); err != nil {
		return err
	}

	go w.flushLoop()
	return nil
}

// Stop halts observation and the flush loop. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })

	w.mu.Lock()
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	if fsw != nil {
		if err := fsw.Close(); err != nil {
			logging.Warn("Error closing filesystem watcher: %v", err)
		}
	}
	w.healthy.Store(false)
	metrics.WatcherHealthy.Set(0)
}

// establish creates the fsnotify watcher and registers every directory under
// the root.
func (w *Watcher) establish() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := 0
	err = filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Warn("Error accessing %s during watch setup: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.cfg.Root && comictypes.IsHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			logging.Warn("Failed to watch %s: %v", path, err)
			return nil
		}
		dirs++
		return nil
	})
	if err != nil || dirs == 0 {
		if closeErr := fsw.Close(); closeErr != nil {
			logging.Warn("Error closing filesystem watcher: %v", closeErr)
		}
		if err == nil {
			err = errors.New("watch root is not observable")
		}
		return err
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	w.healthy.Store(true)
	metrics.WatcherHealthy.Set(1)
	logging.Info("Watching %s (%d directories, quiet period %v)", w.cfg.Root, dirs, w.cfg.QuietPeriod)

	go w.eventLoop(fsw)
	return nil
}

// eventLoop drains fsnotify events until the watcher closes.
func (w *Watcher) eventLoop(fsw *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.observe(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logging.Error("Filesystem watch error: %v", err)
			w.handleWatchLoss()
			return
		case <-w.stopChan:
			return
		}
	}
}

// observe classifies one raw event. It must return promptly: all it does is
// update the bucket map or emit an urgent job; scanning happens elsewhere.
func (w *Watcher) observe(event fsnotify.Event) {
	name := filepath.Base(event.Name)

	switch {
	case event.Op.Has(fsnotify.Create):
		metrics.WatcherEventsTotal.WithLabelValues("create").Inc()
		w.handleCreate(event.Name, name)
	case event.Op.Has(fsnotify.Write):
		metrics.WatcherEventsTotal.WithLabelValues("modify").Inc()
		if comictypes.IsHidden(name) || !comictypes.IsArchive(event.Name) {
			return
		}
		w.touchBucket(event.Name, scanqueue.ReasonModify)
	case event.Op.Has(fsnotify.Remove):
		metrics.WatcherEventsTotal.WithLabelValues("delete").Inc()
		w.handleRemove(event.Name, name)
	case event.Op.Has(fsnotify.Rename):
		metrics.WatcherEventsTotal.WithLabelValues("move").Inc()
		w.handleRenameAway(event.Name, name)
	default:
		metrics.WatcherEventsTotal.WithLabelValues("other").Inc()
	}
}

func (w *Watcher) handleCreate(path, name string) {
	if comictypes.IsHidden(name) {
		return
	}

	// A new directory needs a watch, and files copied in before the watch
	// took effect need synthetic create events.
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		w.watchNewDirectory(path)
		return
	}

	if !comictypes.IsArchive(path) {
		return
	}

	// A create shortly after a rename-away is the second half of a move.
	if old := w.takePendingRename(path); old != "" {
		w.emit(scanqueue.Job{
			Path:    path,
			OldPath: old,
			Reason:  scanqueue.ReasonMove,
		})
		return
	}

	w.touchBucket(path, scanqueue.ReasonCreate)
}

func (w *Watcher) handleRemove(path, name string) {
	if path == w.cfg.Root {
		logging.Error("Watch root removed: %s", path)
		w.handleWatchLoss()
		return
	}
	if comictypes.IsHidden(name) || !comictypes.IsArchive(path) {
		return
	}

	// Deletes bypass debounce: stale index entries are worse than a
	// spurious scan.
	w.dropBucket(path)
	w.emit(scanqueue.Job{Path: path, Reason: scanqueue.ReasonDelete})
}

// handleRenameAway records the vacated path. If no matching create arrives
// within the move window, the flush loop degrades it to a delete.
func (w *Watcher) handleRenameAway(path, name string) {
	if path == w.cfg.Root {
		logging.Error("Watch root renamed: %s", path)
		w.handleWatchLoss()
		return
	}
	if comictypes.IsHidden(name) || !comictypes.IsArchive(path) {
		return
	}

	w.dropBucket(path)

	w.mu.Lock()
	w.renames = append(w.renames, &pendingRename{path: path, seenAt: time.Now()})
	w.mu.Unlock()
}

// watchNewDirectory registers a directory created after startup and emits
// create events for archives already inside it.
func (w *Watcher) watchNewDirectory(dir string) {
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil {
		return
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && comictypes.IsHidden(d.Name()) {
				return filepath.SkipDir
			}
			if addErr := fsw.Add(path); addErr != nil {
				logging.Warn("Failed to watch new directory %s: %v", path, addErr)
			}
			return nil
		}
		if !comictypes.IsHidden(d.Name()) && comictypes.IsArchive(path) {
			w.touchBucket(path, scanqueue.ReasonCreate)
		}
		return nil
	})
	if err != nil {
		logging.Warn("Error walking new directory %s: %v", dir, err)
	}
}

// touchBucket creates or resets the debounce bucket for a path.
func (w *Watcher) touchBucket(path string, reason scanqueue.Reason) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if b, ok := w.buckets[path]; ok {
		// A later modify never downgrades an unflushed create: the index
		// has not seen the file yet either way.
		if b.reason != scanqueue.ReasonCreate {
			b.reason = reason
		}
		b.deadline = time.Now().Add(w.cfg.QuietPeriod)
		return
	}

	w.buckets[path] = &bucket{
		reason:   reason,
		deadline: time.Now().Add(w.cfg.QuietPeriod),
	}
	metrics.WatcherBucketsActive.Set(float64(len(w.buckets)))
}

func (w *Watcher) dropBucket(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.buckets[path]; ok {
		delete(w.buckets, path)
		metrics.WatcherBucketsActive.Set(float64(len(w.buckets)))
	}
}

// takePendingRename consumes the oldest unexpired rename with the same
// extension as the created path, returning its vacated path.
func (w *Watcher) takePendingRename(createdPath string) string {
	ext := filepath.Ext(createdPath)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for _, pr := range w.renames {
		if pr.expired {
			continue
		}
		if now.Sub(pr.seenAt) > moveWindow {
			continue
		}
		if filepath.Ext(pr.path) == ext {
			pr.expired = true
			return pr.path
		}
	}
	return ""
}

// flushLoop periodically sweeps elapsed buckets into scan jobs and expires
// unmatched renames into deletes.
func (w *Watcher) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush(time.Now())
		case <-w.stopChan:
			return
		}
	}
}

// flush emits one job per bucket whose deadline elapsed, then destroys the
// bucket. Rapid event bursts on one path therefore collapse into exactly one
// job.
func (w *Watcher) flush(now time.Time) {
	var jobs []scanqueue.Job

	w.mu.Lock()
	for path, b := range w.buckets {
		if now.Before(b.deadline) {
			continue
		}
		jobs = append(jobs, scanqueue.Job{Path: path, Reason: b.reason})
		delete(w.buckets, path)
	}
	metrics.WatcherBucketsActive.Set(float64(len(w.buckets)))

	remaining := w.renames[:0]
	for _, pr := range w.renames {
		if pr.expired {
			continue
		}
		if now.Sub(pr.seenAt) > moveWindow {
			jobs = append(jobs, scanqueue.Job{Path: pr.path, Reason: scanqueue.ReasonDelete})
			continue
		}
		remaining = append(remaining, pr)
	}
	w.renames = remaining
	w.mu.Unlock()

	for _, job := range jobs {
		w.emit(job)
	}
}

func (w *Watcher) emit(job scanqueue.Job) {
	job.Priority = job.Reason.Priority()
	job.EnqueuedAt = time.Now()
	metrics.WatcherJobsEmitted.WithLabelValues(string(job.Reason)).Inc()
	w.sink.Enqueue(job)
}

// handleWatchLoss tears down the current watch and retries with backoff
// until the root becomes observable again. Emission stops in the interim;
// the condition is surfaced through Healthy, not a crash.
func (w *Watcher) handleWatchLoss() {
	w.healthy.Store(false)
	metrics.WatcherHealthy.Set(0)

	w.mu.Lock()
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	if fsw != nil {
		if err := fsw.Close(); err != nil {
			logging.Warn("Error closing filesystem watcher after loss: %v", err)
		}
	}

	go w.retryEstablish()
}

func (w *Watcher) retryEstablish() {
	backoff := retryInitialBackoff

	for {
		select {
		case <-time.After(backoff):
		case <-w.stopChan:
			return
		}

		if info, err := os.Stat(w.cfg.Root); err == nil && info.IsDir() {
			if err := w.establish(); err == nil {
				metrics.WatcherRestartsTotal.Inc()
				logging.Info("Watch root %s recovered", w.cfg.Root)
				if w.onRecovered != nil {
					w.onRecovered()
				}
				return
			}
		}

		logging.Warn("Watch root %s still unobservable, retrying in %v", w.cfg.Root, backoff)
		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
}
