// Package storage defines the persistence layer for candle data and provides
// memory, Postgres and DuckDB implementations. The store is the single owner
// of persisted candle rows; it is also the engine's checkpoint: resumption is
// always derived from the latest persisted timestamp, never from a separate
// progress object that could drift from the rows actually written.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/candlesync/internal/models"
)

// RetentionPolicy bounds how much history a stream keeps. Zero values mean
// unlimited. When both are set, both are applied.
type RetentionPolicy struct {
	MaxRows int           // keep at most this many newest rows
	MaxAge  time.Duration // drop rows older than now - MaxAge
}

// Enabled reports whether the policy trims anything at all.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxRows > 0 || p.MaxAge > 0
}

// CandleStore is the persistence abstraction used by the ingestion engine.
// Implementations must support concurrent writers on different streams
// without serializing them against each other, and must resolve concurrent
// upserts of the same (symbol, timeframe, ts) atomically.
type CandleStore interface {
	// Initialize prepares the backend (schema, indexes). Idempotent.
	Initialize(ctx context.Context) error

	// Upsert writes a batch of candles idempotently and atomically: either
	// every row in the batch is visible afterwards or none is. A conflict on
	// (symbol, timeframe, ts) is a no-op for historical bars. When reviseLast
	// is true, the newest row in the batch may overwrite an existing bar;
	// callers set it only for the still-open trailing bar, which exchanges
	// revise until its bucket closes. Returns the number of newly inserted
	// rows (revisions do not count).
	Upsert(ctx context.Context, candles []models.Candle, reviseLast bool) (int, error)

	// LatestTimestamp returns the max persisted bar open time for a stream.
	// The boolean is false when the stream has no rows.
	LatestTimestamp(ctx context.Context, stream models.Stream) (time.Time, bool, error)

	// CountInWindow returns the number of persisted bars with
	// start <= ts < end.
	CountInWindow(ctx context.Context, stream models.Stream, start, end time.Time) (int, error)

	// Timestamps lists persisted bar open times with start <= ts < end in
	// ascending order; the gap detector compares them against the expected
	// cadence grid.
	Timestamps(ctx context.Context, stream models.Stream, start, end time.Time) ([]time.Time, error)

	// TrimRetention deletes the oldest rows beyond the policy, oldest first,
	// and returns how many were removed. Rows inside the retention window are
	// never touched, including under concurrent writes.
	TrimRetention(ctx context.Context, stream models.Stream, policy RetentionPolicy) (int, error)

	// RefreshDerived recomputes derived-timeframe aggregates (e.g. 3m/5m from
	// a 1m base) for the given window only. The window is expanded outwards
	// to full derived buckets; rows outside it are left alone, keeping the
	// refresh incremental as the base series grows. The derived bucket still
	// open at refresh time is skipped: a derived bar only materializes once
	// every base bar it aggregates can exist.
	RefreshDerived(ctx context.Context, base models.Stream, derived []models.Timeframe, window models.TimeRange) error

	// HealthCheck verifies the backend is reachable with a cheap operation.
	HealthCheck(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// StorageError wraps a failed storage operation with its context.
type StorageError struct {
	Op     string
	Stream string
	Err    error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Stream != "" {
		return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Stream, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError creates a StorageError for the given operation.
func NewStorageError(op, stream string, err error) *StorageError {
	return &StorageError{Op: op, Stream: stream, Err: err}
}

// validateBatch checks every candle before a write so a batch either passes
// validation whole or is rejected whole.
func validateBatch(candles []models.Candle) error {
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return fmt.Errorf("candle at index %d failed validation: %w", i, err)
		}
	}
	return nil
}

// newestIndex returns the index of the batch row with the greatest timestamp,
// or -1 for an empty batch. The revisable-bar rule applies to this row only.
func newestIndex(candles []models.Candle) int {
	idx := -1
	for i := range candles {
		if idx < 0 || candles[i].Timestamp.After(candles[idx].Timestamp) {
			idx = i
		}
	}
	return idx
}

// derivedWindow expands a refresh window outwards to whole buckets of the
// derived cadence so partially covered edge buckets are recomputed in full,
// then cuts the expansion off at the bucket open at now: aggregating that
// bucket would persist a bar built from partial base data. A zero range means
// no closed bucket intersects the window.
func derivedWindow(window models.TimeRange, cadence time.Duration, now time.Time) models.TimeRange {
	start := models.BucketStart(window.Start, cadence)
	end := models.BucketStart(window.End.Add(cadence-time.Nanosecond), cadence)
	if !end.After(start) {
		end = start.Add(cadence)
	}
	if open := models.BucketStart(now, cadence); end.After(open) {
		end = open
	}
	if !end.After(start) {
		return models.TimeRange{}
	}
	return models.TimeRange{Start: start, End: end}
}
