// Package gaps compares persisted candle timestamps against the expected
// cadence grid and reports the missing sub-ranges. Detection is a pure read:
// the detector never writes to storage, and a gap set is recomputed from rows
// on every call rather than cached, so it can never disagree with what was
// actually persisted.
package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/candlesync/internal/models"
	"github.com/quantfold/candlesync/internal/storage"
)

// DefaultLookback bounds how far back detection reaches when a stream has no
// persisted rows and the caller gives no explicit start.
const DefaultLookback = 24 * time.Hour

// Detector finds missing candle ranges for a stream.
type Detector struct {
	store    storage.CandleStore
	lookback time.Duration
	logger   *slog.Logger

	// now supplies the clock; tests override it.
	now func() time.Time
}

// Option customizes a Detector.
type Option func(*Detector)

// WithLookback overrides the default lookback used when a stream is empty
// and no start is given.
func WithLookback(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.lookback = d
		}
	}
}

// WithClock overrides the wall clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(det *Detector) { det.now = now }
}

// NewDetector creates a gap detector over the given store.
func NewDetector(store storage.CandleStore, opts ...Option) *Detector {
	d := &Detector{
		store:    store,
		lookback: DefaultLookback,
		logger:   slog.Default().With("component", "gap_detector"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FindGaps returns the missing bucket ranges for a stream inside [start, end),
// merged so that consecutive missing buckets form a single range, ordered
// chronologically.
//
// A zero start resolves to one cadence past the stream's latest persisted bar,
// or to now minus the lookback when the stream is empty. A zero end resolves
// to now. The currently open bucket is never part of a gap: its bar is still
// forming upstream, so the effective end is clamped to the open bucket's
// start.
func (d *Detector) FindGaps(ctx context.Context, stream models.Stream, start, end time.Time) (models.GapSet, error) {
	cadence, err := stream.Cadence()
	if err != nil {
		return nil, fmt.Errorf("find gaps for %s: %w", stream.Key(), err)
	}

	now := d.now()
	openBucket := models.BucketStart(now, cadence)

	if end.IsZero() {
		end = now
	}
	end = models.BucketStart(end, cadence)
	if end.After(openBucket) {
		end = openBucket
	}

	if start.IsZero() {
		latest, ok, err := d.store.LatestTimestamp(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("find gaps for %s: %w", stream.Key(), err)
		}
		if ok {
			start = latest.Add(cadence)
		} else {
			start = now.Add(-d.lookback)
		}
	}
	start = bucketCeil(start, cadence)

	if !start.Before(end) {
		return nil, nil
	}

	existing, err := d.store.Timestamps(ctx, stream, start, end)
	if err != nil {
		return nil, fmt.Errorf("find gaps for %s: %w", stream.Key(), err)
	}

	gaps := missingRanges(start, end, cadence, existing)
	if !gaps.Empty() {
		d.logger.Debug("gaps detected",
			"stream", stream.Key(),
			"window_start", start,
			"window_end", end,
			"gaps", len(gaps),
			"missing_bars", gaps.Bars(cadence),
		)
	}
	return gaps, nil
}

// bucketCeil aligns t up to the next bucket boundary. The window start uses
// it so only buckets that lie entirely inside the window count as expected; a
// bucket the window cuts into is not a gap.
func bucketCeil(t time.Time, cadence time.Duration) time.Time {
	aligned := models.BucketStart(t, cadence)
	if aligned.Before(t) {
		aligned = aligned.Add(cadence)
	}
	return aligned
}

// missingRanges walks the expected bucket grid across [start, end) and merges
// runs of absent buckets into half-open ranges. existing must be sorted
// ascending, as the store returns it.
func missingRanges(start, end time.Time, cadence time.Duration, existing []time.Time) models.GapSet {
	present := make(map[int64]struct{}, len(existing))
	for _, ts := range existing {
		present[ts.Unix()] = struct{}{}
	}

	var gaps models.GapSet
	var open *models.TimeRange

	for ts := start; ts.Before(end); ts = ts.Add(cadence) {
		if _, ok := present[ts.Unix()]; ok {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &models.TimeRange{Start: ts, End: ts.Add(cadence)}
		} else {
			open.End = ts.Add(cadence)
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}

	return gaps
}
