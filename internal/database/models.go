package database

import "time"

// ScanState tracks where a file is in the scan lifecycle.
type ScanState string

const (
	ScanStateUnscanned ScanState = "unscanned"
	ScanStateQueued    ScanState = "queued"
	ScanStateScanning  ScanState = "scanning"
	ScanStateClean     ScanState = "clean"
	ScanStateFailed    ScanState = "failed"
)

// CanTransitionTo reports whether moving to next is a legal state change.
// States only move forward (unscanned -> queued -> scanning -> clean|failed);
// terminal states may re-enter queued when a new change event arrives.
func (s ScanState) CanTransitionTo(next ScanState) bool {
	switch s {
	case ScanStateUnscanned:
		return next == ScanStateQueued
	case ScanStateQueued:
		return next == ScanStateScanning || next == ScanStateQueued
	case ScanStateScanning:
		return next == ScanStateClean || next == ScanStateFailed
	case ScanStateClean, ScanStateFailed:
		return next == ScanStateQueued
	default:
		return false
	}
}

// FieldKind discriminates the typed values a metadata field can hold.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldInt    FieldKind = "int"
	FieldList   FieldKind = "list"
)

// FieldValue is a tagged metadata value. Exactly one of Str, Int, or List is
// meaningful, selected by Kind.
type FieldValue struct {
	Kind FieldKind `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Int  int64     `json:"int,omitempty"`
	List []string  `json:"list,omitempty"`
}

// String constructs a string-valued field.
func String(s string) FieldValue { return FieldValue{Kind: FieldString, Str: s} }

// Int constructs an int-valued field.
func Int(i int64) FieldValue { return FieldValue{Kind: FieldInt, Int: i} }

// List constructs a list-valued field.
func List(items ...string) FieldValue { return FieldValue{Kind: FieldList, List: items} }

// Metadata is an open mapping from descriptor field name to a tagged value.
// Unknown fields round-trip untouched; absent fields read as zero values.
type Metadata map[string]FieldValue

// GetString returns the string value of a field, or "" if absent or not a
// string.
func (m Metadata) GetString(field string) string {
	if v, ok := m[field]; ok && v.Kind == FieldString {
		return v.Str
	}
	return ""
}

// GetInt returns the int value of a field, or 0 if absent or not an int.
func (m Metadata) GetInt(field string) int64 {
	if v, ok := m[field]; ok && v.Kind == FieldInt {
		return v.Int
	}
	return 0
}

// GetList returns the list value of a field, or nil if absent or not a list.
func (m Metadata) GetList(field string) []string {
	if v, ok := m[field]; ok && v.Kind == FieldList {
		return v.List
	}
	return nil
}

// FileRecord is one tracked archive file with its extracted metadata.
type FileRecord struct {
	ID            int64      `json:"id"`
	Path          string     `json:"path"`
	Size          int64      `json:"size"`
	ModTime       time.Time  `json:"modTime"`
	Fingerprint   string     `json:"fingerprint"`
	ScanState     ScanState  `json:"scanState"`
	LastScannedAt *time.Time `json:"lastScannedAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	Metadata      Metadata   `json:"metadata,omitempty"`
}

// QueryFilter narrows a record query. Zero-valued fields do not filter.
type QueryFilter struct {
	PathPrefix string
	State      ScanState
	Series     string
	Publisher  string
	Limit      int
	Offset     int
}

// ScanStatus is the per-path status surfaced to the web layer.
type ScanStatus struct {
	Path          string     `json:"path"`
	ScanState     ScanState  `json:"scanState"`
	LastScannedAt *time.Time `json:"lastScannedAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// IndexStats is the cached summary of the index.
type IndexStats struct {
	TotalFiles    int       `json:"totalFiles"`
	TotalClean    int       `json:"totalClean"`
	TotalFailed   int       `json:"totalFailed"`
	TotalPending  int       `json:"totalPending"`
	LastSweep     time.Time `json:"lastSweep"`
	SweepDuration string    `json:"sweepDuration"`
}
