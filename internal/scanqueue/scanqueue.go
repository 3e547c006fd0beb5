// Package scanqueue holds pending scan jobs, deduplicated by path and ordered
// by priority tier then enqueue order.
package scanqueue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"comic-index/internal/metrics"
)

// ErrShutdown is returned by Dequeue after the queue has been shut down.
var ErrShutdown = errors.New("scanqueue: shut down")

// Priority orders scan jobs. Higher values dequeue first.
type Priority int

const (
	// PrioritySweep is the background full-sweep tier, lowest priority.
	PrioritySweep Priority = iota
	// PriorityChange covers debounced filesystem change events.
	PriorityChange
	// PriorityManual covers explicit user re-scan requests.
	PriorityManual
	// PriorityUrgent covers delete and move events, which bypass debounce:
	// a stale index entry is worse than a spurious scan.
	PriorityUrgent
)

// String returns the priority label used in metrics.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityManual:
		return "manual"
	case PriorityChange:
		return "change"
	default:
		return "sweep"
	}
}

// Reason records why a scan job was created.
type Reason string

const (
	ReasonCreate Reason = "create"
	ReasonModify Reason = "modify"
	ReasonDelete Reason = "delete"
	ReasonMove   Reason = "move"
	ReasonManual Reason = "manual"
	ReasonSweep  Reason = "sweep"
)

// Priority maps a reason to its queue tier.
func (r Reason) Priority() Priority {
	switch r {
	case ReasonDelete, ReasonMove:
		return PriorityUrgent
	case ReasonManual:
		return PriorityManual
	case ReasonCreate, ReasonModify:
		return PriorityChange
	default:
		return PrioritySweep
	}
}

// Job is one pending unit of scan work.
type Job struct {
	Path       string
	OldPath    string // set for move jobs: the path being vacated
	Reason     Reason
	Priority   Priority
	EnqueuedAt time.Time
}

// item is a heap entry wrapping a Job with its ordering sequence.
type item struct {
	job   Job
	seq   uint64
	index int
}

// Queue is a path-deduplicated priority queue. Enqueue never blocks; Dequeue
// suspends the caller until a job arrives or Shutdown is called.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    jobHeap
	byPath  map[string]*item
	nextSeq uint64
	closed  bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{byPath: make(map[string]*item)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue inserts a job, or replaces the queued job for the same path when
// the new priority is at least as high. A lower-priority job for an
// already-queued path is dropped so its tier never downgrades.
func (q *Queue) Enqueue(job Job) {
	if job.Priority == 0 && job.Reason != "" {
		job.Priority = job.Reason.Priority()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if existing, ok := q.byPath[job.Path]; ok {
		if job.Priority < existing.job.Priority {
			return
		}
		existing.job = job
		existing.seq = q.nextSeq
		q.nextSeq++
		heap.Fix(&q.heap, existing.index)
		metrics.QueueReplacedTotal.Inc()
		q.cond.Signal()
		return
	}

	it := &item{job: job, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, it)
	q.byPath[job.Path] = it

	metrics.QueueEnqueuedTotal.WithLabelValues(job.Priority.String()).Inc()
	metrics.QueueDepth.Set(float64(q.heap.Len()))
	q.cond.Signal()
}

// Dequeue removes and returns the highest-priority, oldest-enqueued job,
// blocking until one is available. Returns ErrShutdown once the queue is
// closed and drained of waiters.
func (q *Queue) Dequeue() (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.closed {
		return Job{}, ErrShutdown
	}

	it := heap.Pop(&q.heap).(*item)
	delete(q.byPath, it.job.Path)
	metrics.QueueDepth.Set(float64(q.heap.Len()))
	return it.job, nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Contains reports whether a job for path is pending.
func (q *Queue) Contains(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byPath[path]
	return ok
}

// Shutdown wakes all waiting dequeuers with ErrShutdown. Idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// jobHeap orders items by priority descending, then sequence ascending
// (FIFO within a tier).
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
