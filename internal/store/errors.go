package store

import "errors"

var (
	// ErrRecordNotFound wraps GORM's not found error for consistency
	ErrRecordNotFound = errors.New("record not found")

	// ErrStaleRecord is returned by SaveHealthStatus when another writer
	// updated the row first (version mismatch, 0 rows updated). Callers
	// re-read and retry.
	ErrStaleRecord = errors.New("health status was modified concurrently")

	// ErrDuplicateRecord is returned when a unique index rejects an insert.
	// GetOrCreate treats this as "someone else created it first".
	ErrDuplicateRecord = errors.New("record already exists")
)
