package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"comic-index/internal/logging"
	"comic-index/internal/metrics"
)

// Default timeout for read operations
const defaultTimeout = 5 * time.Second

// schemaVersion is the current on-disk schema version, recorded in the
// schema_info table for forward-compatible migration.
const schemaVersion = 2

// Database persists FileRecords with crash-durable commits and concurrent
// lock-free reads. All mutations are funneled through a single writer
// goroutine; see writer.go.
type Database struct {
	db     *sql.DB
	dbPath string

	writes chan writeRequest
	done   chan struct{}

	closeMu sync.RWMutex
	closed  bool

	// degraded is set after a write fails its retry, surfaced via Healthy().
	degraded atomic.Bool
}

// New opens (or creates) the index database at dbPath and starts the writer
// goroutine. dbPath must be the full path to the database file; the parent
// directory must exist and be writable.
func New(ctx context.Context, dbPath string) (*Database, error) {
	logging.Info("Index database path: %s", dbPath)

	// WAL lets readers proceed while the writer commits. busy_timeout guards
	// against transient lock errors from external tooling.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{
		db:     db,
		dbPath: dbPath,
		writes: make(chan writeRequest, 64),
		done:   make(chan struct{}),
	}

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	go d.writerLoop()

	logging.Info("Index database initialized at %s (schema v%d)", dbPath, schemaVersion)
	return d, nil
}

func (d *Database) initialize(ctx context.Context) error {
	schema := `
	-- Tracked archive files
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		scan_state TEXT NOT NULL DEFAULT 'unscanned',
		last_scanned_at INTEGER,
		last_error TEXT,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_files_scan_state ON files(scan_state);
	CREATE INDEX IF NOT EXISTS idx_files_mod_time ON files(mod_time);

	-- Open-schema metadata fields. Lists store one row per element,
	-- ordered by ord.
	CREATE TABLE IF NOT EXISTS file_metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL,
		field TEXT NOT NULL,
		kind TEXT NOT NULL,
		ord INTEGER NOT NULL DEFAULT 0,
		value TEXT NOT NULL,
		FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE,
		UNIQUE(file_id, field, ord)
	);

	CREATE INDEX IF NOT EXISTS idx_file_metadata_file ON file_metadata(file_id);
	CREATE INDEX IF NOT EXISTS idx_file_metadata_field ON file_metadata(field, value);

	-- Schema bookkeeping
	CREATE TABLE IF NOT EXISTS schema_info (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	return d.runMigrations(ctx)
}

// runMigrations applies schema migrations. Older databases gain new columns
// with empty defaults so existing records stay readable.
func (d *Database) runMigrations(ctx context.Context) error {
	// Migration 1: add last_error column if missing (pre-v2 databases)
	var columnExists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0
		FROM pragma_table_info('files')
		WHERE name='last_error'
	`).Scan(&columnExists)
	if err != nil {
		return fmt.Errorf("failed to check for last_error column: %w", err)
	}

	if !columnExists {
		logging.Info("Migrating database: adding last_error column to files table")
		if _, err := d.db.ExecContext(ctx, `ALTER TABLE files ADD COLUMN last_error TEXT`); err != nil {
			return fmt.Errorf("failed to add last_error column: %w", err)
		}
	}

	// Migration 2: add fingerprint column if missing
	var fpExists bool
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0
		FROM pragma_table_info('files')
		WHERE name='fingerprint'
	`).Scan(&fpExists)
	if err != nil {
		return fmt.Errorf("failed to check for fingerprint column: %w", err)
	}

	if !fpExists {
		logging.Info("Migrating database: adding fingerprint column to files table")
		if _, err := d.db.ExecContext(ctx, `ALTER TABLE files ADD COLUMN fingerprint TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to add fingerprint column: %w", err)
		}
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO schema_info (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fmt.Sprintf("%d", schemaVersion))
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return nil
}

// SchemaVersion reads the stored schema version.
func (d *Database) SchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var v int
	err := d.db.QueryRowContext(ctx, `SELECT value FROM schema_info WHERE key = 'version'`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Close drains the writer and closes the database. In-flight writes complete
// before the connection shuts down.
func (d *Database) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.writes)
	d.closeMu.Unlock()

	<-d.done
	return d.db.Close()
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}
