package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"comic-index/internal/logging"
)

// UpsertRecord commits a full record update (file stats, scan state, and
// metadata fields) as one atomic transaction. Existing metadata rows are
// replaced wholesale.
func (d *Database) UpsertRecord(rec *FileRecord) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("upsert_record", start, err) }()

	err = d.submit("upsert_record", func(tx *sql.Tx) error {
		var lastScanned interface{}
		if rec.LastScannedAt != nil {
			lastScanned = rec.LastScannedAt.Unix()
		}

		var lastError interface{}
		if rec.LastError != "" {
			lastError = rec.LastError
		}

		res, txErr := tx.Exec(`
			INSERT INTO files (path, size, mod_time, fingerprint, scan_state, last_scanned_at, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, strftime('%s', 'now'))
			ON CONFLICT(path) DO UPDATE SET
				size = excluded.size,
				mod_time = excluded.mod_time,
				fingerprint = excluded.fingerprint,
				scan_state = excluded.scan_state,
				last_scanned_at = excluded.last_scanned_at,
				last_error = excluded.last_error,
				updated_at = strftime('%s', 'now')
		`, rec.Path, rec.Size, rec.ModTime.Unix(), rec.Fingerprint, string(rec.ScanState), lastScanned, lastError)
		if txErr != nil {
			return txErr
		}

		fileID, txErr := upsertedFileID(tx, res, rec.Path)
		if txErr != nil {
			return txErr
		}

		return replaceMetadata(tx, fileID, rec.Metadata)
	})
	return err
}

// MarkState transitions a path's scan state. Illegal transitions are skipped
// silently so a late event cannot rewind an in-progress scan. Marking an
// unknown path as queued creates a placeholder row.
func (d *Database) MarkState(path string, state ScanState, lastError string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("mark_state", start, err) }()

	err = d.submit("mark_state", func(tx *sql.Tx) error {
		var current string
		txErr := tx.QueryRow(`SELECT scan_state FROM files WHERE path = ?`, path).Scan(&current)
		switch {
		case errors.Is(txErr, sql.ErrNoRows):
			if state != ScanStateQueued {
				return fmt.Errorf("mark %s for unknown path %s: %w", state, path, ErrNotFound)
			}
			_, txErr = tx.Exec(`
				INSERT INTO files (path, scan_state, mod_time) VALUES (?, ?, 0)
			`, path, string(ScanStateQueued))
			return txErr
		case txErr != nil:
			return txErr
		}

		if !ScanState(current).CanTransitionTo(state) {
			logging.Debug("Skipping illegal state transition %s -> %s for %s", current, state, path)
			return nil
		}

		var lastErrVal interface{}
		if lastError != "" {
			lastErrVal = lastError
		}

		if state == ScanStateClean || state == ScanStateFailed {
			_, txErr = tx.Exec(`
				UPDATE files SET scan_state = ?, last_error = ?, last_scanned_at = strftime('%s', 'now'),
					updated_at = strftime('%s', 'now')
				WHERE path = ?
			`, string(state), lastErrVal, path)
		} else {
			_, txErr = tx.Exec(`
				UPDATE files SET scan_state = ?, updated_at = strftime('%s', 'now') WHERE path = ?
			`, string(state), path)
		}
		return txErr
	})
	return err
}

// Delete removes a record and its metadata. Deleting an absent path is not an
// error.
func (d *Database) Delete(path string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete_record", start, err) }()

	err = d.submit("delete_record", func(tx *sql.Tx) error {
		_, txErr := tx.Exec(`DELETE FROM files WHERE path = ?`, path)
		return txErr
	})
	return err
}

// Rename migrates a record's key from oldPath to newPath, preserving its
// metadata and scan state. Any stale record already at newPath is replaced.
func (d *Database) Rename(oldPath, newPath string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("rename_record", start, err) }()

	err = d.submit("rename_record", func(tx *sql.Tx) error {
		if _, txErr := tx.Exec(`DELETE FROM files WHERE path = ? AND path != ?`, newPath, oldPath); txErr != nil {
			return txErr
		}

		res, txErr := tx.Exec(`
			UPDATE files SET path = ?, updated_at = strftime('%s', 'now') WHERE path = ?
		`, newPath, oldPath)
		if txErr != nil {
			return txErr
		}

		rows, txErr := res.RowsAffected()
		if txErr != nil {
			return txErr
		}
		if rows == 0 {
			return fmt.Errorf("rename %s: %w", oldPath, ErrNotFound)
		}
		return nil
	})
	return err
}

// Get retrieves a single record with its metadata. Returns ErrNotFound for
// untracked paths.
func (d *Database) Get(ctx context.Context, path string) (*FileRecord, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_record", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := d.db.QueryRowContext(ctx, `
		SELECT id, path, size, mod_time, fingerprint, scan_state, last_scanned_at, last_error
		FROM files WHERE path = ?
	`, path)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return nil, err
	}

	rec.Metadata, err = d.loadMetadata(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Status returns the per-path scan status for UI surfacing.
func (d *Database) Status(ctx context.Context, path string) (*ScanStatus, error) {
	rec, err := d.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return &ScanStatus{
		Path:          rec.Path,
		ScanState:     rec.ScanState,
		LastScannedAt: rec.LastScannedAt,
		LastError:     rec.LastError,
	}, nil
}

// Query returns records matching the filter, ordered by path. Each call runs
// against the latest committed state; re-querying after new commits reflects
// them.
func (d *Database) Query(ctx context.Context, filter QueryFilter) ([]FileRecord, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("query_records", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		SELECT id, path, size, mod_time, fingerprint, scan_state, last_scanned_at, last_error
		FROM files WHERE 1=1
	`
	args := []interface{}{}

	if filter.PathPrefix != "" {
		query += ` AND path LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(filter.PathPrefix)+"%")
	}
	if filter.State != "" {
		query += ` AND scan_state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Series != "" {
		query += ` AND EXISTS (SELECT 1 FROM file_metadata m WHERE m.file_id = files.id AND m.field = 'Series' AND m.value = ?)`
		args = append(args, filter.Series)
	}
	if filter.Publisher != "" {
		query += ` AND EXISTS (SELECT 1 FROM file_metadata m WHERE m.file_id = files.id AND m.field = 'Publisher' AND m.value = ?)`
		args = append(args, filter.Publisher)
	}

	query += ` ORDER BY path`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			err = scanErr
			return nil, err
		}
		records = append(records, *rec)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		records[i].Metadata, err = d.loadMetadata(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

// ListPaths returns every tracked path, for full-sweep enqueueing.
func (d *Database) ListPaths(ctx context.Context) ([]string, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_paths", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT path FROM files ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	err = rows.Err()
	return paths, err
}

// CalculateStats computes index summary counts.
func (d *Database) CalculateStats(ctx context.Context) (IndexStats, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("calculate_stats", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var stats IndexStats
	rows, err := d.db.QueryContext(ctx, `SELECT scan_state, COUNT(*) FROM files GROUP BY scan_state`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err = rows.Scan(&state, &count); err != nil {
			return stats, err
		}
		stats.TotalFiles += count
		switch ScanState(state) {
		case ScanStateClean:
			stats.TotalClean = count
		case ScanStateFailed:
			stats.TotalFailed = count
		case ScanStateUnscanned, ScanStateQueued, ScanStateScanning:
			stats.TotalPending += count
		}
	}
	err = rows.Err()
	return stats, err
}

// rowScanner abstracts sql.Row and sql.Rows for scanRecord.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*FileRecord, error) {
	var rec FileRecord
	var modTime int64
	var lastScanned sql.NullInt64
	var lastError sql.NullString
	var state string

	err := row.Scan(&rec.ID, &rec.Path, &rec.Size, &modTime, &rec.Fingerprint, &state, &lastScanned, &lastError)
	if err != nil {
		return nil, err
	}

	rec.ModTime = time.Unix(modTime, 0)
	rec.ScanState = ScanState(state)
	if lastScanned.Valid {
		t := time.Unix(lastScanned.Int64, 0)
		rec.LastScannedAt = &t
	}
	rec.LastError = lastError.String
	return &rec, nil
}

// loadMetadata reconstructs the tagged field mapping for one file.
func (d *Database) loadMetadata(ctx context.Context, fileID int64) (Metadata, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT field, kind, ord, value FROM file_metadata WHERE file_id = ? ORDER BY field, ord
	`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	md := Metadata{}
	type listEntry struct {
		ord   int
		value string
	}
	lists := map[string][]listEntry{}

	for rows.Next() {
		var field, kind, value string
		var ord int
		if err := rows.Scan(&field, &kind, &ord, &value); err != nil {
			return nil, err
		}
		switch FieldKind(kind) {
		case FieldString:
			md[field] = String(value)
		case FieldInt:
			var i int64
			if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
				md[field] = Int(i)
			}
		case FieldList:
			lists[field] = append(lists[field], listEntry{ord: ord, value: value})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for field, entries := range lists {
		sort.Slice(entries, func(i, j int) bool { return entries[i].ord < entries[j].ord })
		items := make([]string, len(entries))
		for i, e := range entries {
			items[i] = e.value
		}
		md[field] = List(items...)
	}

	if len(md) == 0 {
		return nil, nil
	}
	return md, nil
}

// replaceMetadata swaps all metadata rows for a file inside the caller's
// transaction.
func replaceMetadata(tx *sql.Tx, fileID int64, md Metadata) error {
	if _, err := tx.Exec(`DELETE FROM file_metadata WHERE file_id = ?`, fileID); err != nil {
		return err
	}

	for field, v := range md {
		switch v.Kind {
		case FieldString:
			if _, err := tx.Exec(`
				INSERT INTO file_metadata (file_id, field, kind, ord, value) VALUES (?, ?, ?, 0, ?)
			`, fileID, field, string(FieldString), v.Str); err != nil {
				return err
			}
		case FieldInt:
			if _, err := tx.Exec(`
				INSERT INTO file_metadata (file_id, field, kind, ord, value) VALUES (?, ?, ?, 0, ?)
			`, fileID, field, string(FieldInt), fmt.Sprintf("%d", v.Int)); err != nil {
				return err
			}
		case FieldList:
			for i, item := range v.List {
				if _, err := tx.Exec(`
					INSERT INTO file_metadata (file_id, field, kind, ord, value) VALUES (?, ?, ?, ?, ?)
				`, fileID, field, string(FieldList), i, item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// upsertedFileID resolves the row id after an upsert; LastInsertId is not
// reliable for the conflict-update path.
func upsertedFileID(tx *sql.Tx, res sql.Result, path string) (int64, error) {
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		// Verify the id actually belongs to this path (conflict updates can
		// report a stale id).
		var p string
		if err := tx.QueryRow(`SELECT path FROM files WHERE id = ?`, id).Scan(&p); err == nil && p == path {
			return id, nil
		}
	}

	var id int64
	err := tx.QueryRow(`SELECT id FROM files WHERE path = ?`, path).Scan(&id)
	return id, err
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
