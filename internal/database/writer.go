package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"comic-index/internal/logging"
	"comic-index/internal/metrics"
)

// ErrClosed is returned for writes submitted after Close.
var ErrClosed = errors.New("database: closed")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("database: record not found")

// writeRequest is a mutation intent submitted to the writer goroutine.
// apply runs inside the write transaction; reply receives the commit result.
type writeRequest struct {
	op    string
	apply func(tx *sql.Tx) error
	reply chan error
}

// writerLoop is the only goroutine that issues commits. Serializing here
// keeps readers lock-free and guarantees per-path updates apply in
// submission order.
func (d *Database) writerLoop() {
	defer close(d.done)

	for req := range d.writes {
		err := d.runWrite(req.op, req.apply)
		if err != nil && !isSentinel(err) {
			// One immediate retry; commit failures are usually transient
			// lock contention from external tooling.
			metrics.DBWriteRetriesTotal.Inc()
			logging.Warn("Write %s failed, retrying once: %v", req.op, err)
			err = d.runWrite(req.op, req.apply)
		}

		switch {
		case err == nil:
			d.degraded.Store(false)
		case isSentinel(err):
			// Sentinel errors are answers for the caller (the row does not
			// exist), not write-path failures; health is untouched.
		default:
			logging.Error("Write %s failed after retry: %v", req.op, err)
			d.degraded.Store(true)
		}

		req.reply <- err
	}
}

// isSentinel reports whether an apply error is an expected application-level
// result rather than a transaction failure.
func isSentinel(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// runWrite executes one transaction: begin, apply, commit.
func (d *Database) runWrite(op string, apply func(tx *sql.Tx) error) error {
	start := time.Now()

	tx, err := d.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}

	if err := apply(tx); err != nil {
		metrics.DBTransactionDuration.WithLabelValues("rollback").Observe(time.Since(start).Seconds())
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		metrics.DBTransactionDuration.WithLabelValues("rollback").Observe(time.Since(start).Seconds())
		return fmt.Errorf("commit %s: %w", op, err)
	}

	metrics.DBTransactionDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	return nil
}

// submit queues a mutation on the writer goroutine and waits for its commit.
func (d *Database) submit(op string, apply func(tx *sql.Tx) error) error {
	d.closeMu.RLock()
	if d.closed {
		d.closeMu.RUnlock()
		return ErrClosed
	}
	reply := make(chan error, 1)
	d.writes <- writeRequest{op: op, apply: apply, reply: reply}
	d.closeMu.RUnlock()

	return <-reply
}

// Healthy reports whether the last write committed successfully.
func (d *Database) Healthy() bool {
	return !d.degraded.Load()
}
