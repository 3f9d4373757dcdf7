package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quantfold/candlesync/internal/errs"
	"github.com/quantfold/candlesync/internal/exchange"
	"github.com/quantfold/candlesync/internal/gaps"
	"github.com/quantfold/candlesync/internal/models"
	"github.com/quantfold/candlesync/internal/ratelimit"
	"github.com/quantfold/candlesync/internal/retry"
	"github.com/quantfold/candlesync/internal/storage"
)

// reportFunc receives per-stream progress updates from a worker. The
// coordinator folds them into the run snapshot.
type reportFunc func(status models.StreamStatus, rowsWritten, expectedRows int64, lastErr error)

// StreamWorker fills the gaps of a single (symbol, timeframe) stream. It owns
// no state of its own beyond the loop variables: storage is the checkpoint,
// so a worker interrupted at any point leaves nothing to reconcile — the next
// run's gap detection starts from the rows that actually committed.
type StreamWorker struct {
	stream    models.Stream
	client    exchange.Client
	store     storage.CandleStore
	detector  *gaps.Detector
	limiter   *ratelimit.Limiter
	retry     retry.Policy
	batchSize int
	retention storage.RetentionPolicy
	derived   []models.Timeframe
	controls  *controls
	report    reportFunc
	logger    *slog.Logger
	now       func() time.Time
}

// Run detects and fills the stream's gaps inside window, oldest first.
// It returns the number of rows written; the error is ErrRunStopped when a
// stop request interrupted the stream, or the terminal failure that ended it.
func (w *StreamWorker) Run(ctx context.Context, window models.TimeRange) (int64, error) {
	cadence, err := w.stream.Cadence()
	if err != nil {
		w.report(models.StreamFailed, 0, 0, err)
		return 0, err
	}

	gapSet, err := w.detector.FindGaps(ctx, w.stream, window.Start, window.End)
	if err != nil {
		// Gap detection interrupted by shutdown is no different from a stop
		// between pages: the stream did not fail, it did not finish.
		if ctx.Err() != nil {
			w.reportInterrupted(0, 0, err)
		} else {
			w.report(models.StreamFailed, 0, 0, err)
		}
		return 0, err
	}

	expected := int64(gapSet.Bars(cadence))
	if gapSet.Empty() {
		w.report(models.StreamDone, 0, 0, nil)
		return 0, nil
	}

	w.logger.Info("stream has gaps to fill",
		"stream", w.stream.Key(),
		"gaps", len(gapSet),
		"missing_bars", expected,
	)

	var rows int64
	var written models.TimeRange

	for _, gap := range gapSet {
		if err := w.controls.checkpoint(ctx); err != nil {
			w.reportInterrupted(rows, expected, err)
			return rows, err
		}

		n, span, err := w.fillGap(ctx, gap, cadence, rows, expected)
		rows += n
		written = extendRange(written, span)
		if err != nil {
			if err == ErrRunStopped || ctx.Err() != nil {
				w.reportInterrupted(rows, expected, err)
			} else {
				w.report(models.StreamFailed, rows, expected, err)
			}
			return rows, err
		}
	}

	if err := w.finalize(ctx, written); err != nil {
		w.report(models.StreamFailed, rows, expected, err)
		return rows, err
	}

	w.report(models.StreamDone, rows, expected, nil)
	return rows, nil
}

// fillGap pages through one missing range in chronological order. Each page
// is fetched under the shared rate limit with retries, trimmed to closed
// buckets inside the gap, and written as one atomic batch before the cursor
// advances past the last persisted bar.
func (w *StreamWorker) fillGap(ctx context.Context, gap models.TimeRange, cadence time.Duration, rowsSoFar, expected int64) (int64, models.TimeRange, error) {
	var rows int64
	var written models.TimeRange

	since := gap.Start
	for since.Before(gap.End) {
		if err := w.controls.checkpoint(ctx); err != nil {
			return rows, written, err
		}

		w.report(models.StreamFetching, rowsSoFar+rows, expected, nil)

		var batch []models.Candle
		fetch := func() error {
			if err := w.limiter.Acquire(ctx); err != nil {
				return err
			}
			raw, err := w.client.FetchCandles(ctx, exchange.FetchRequest{
				Symbol:    w.stream.Symbol,
				Timeframe: w.stream.Timeframe,
				Since:     since,
				Limit:     w.batchSize,
			})
			if err != nil {
				return err
			}
			usable := w.usableBars(raw, since, gap.End, cadence)
			if len(usable) == 0 {
				// The gap says these buckets should exist; an empty page is
				// treated as transient so the retry budget applies before the
				// stream is failed.
				return errs.Transientf("exchange returned no usable bars for %s since %s", w.stream.Key(), since.Format(time.RFC3339))
			}
			batch = usable
			return nil
		}

		if err := w.retry.Execute(ctx, fetch); err != nil {
			return rows, written, err
		}

		w.report(models.StreamWriting, rowsSoFar+rows, expected, nil)

		inserted, err := w.store.Upsert(ctx, batch, false)
		if err != nil {
			return rows, written, err
		}
		rows += int64(inserted)

		last := batch[len(batch)-1].Timestamp
		written = extendRange(written, models.TimeRange{Start: batch[0].Timestamp, End: last.Add(cadence)})
		since = last.Add(cadence)
	}

	return rows, written, nil
}

// usableBars trims a fetched page to closed buckets inside [since, end):
// misaligned or otherwise invalid bars are dropped with a warning, anything
// at or past the currently open bucket is cut off, and the survivors come
// back sorted and deduplicated by timestamp.
func (w *StreamWorker) usableBars(raw []models.Candle, since, end time.Time, cadence time.Duration) []models.Candle {
	openBucket := models.BucketStart(w.now(), cadence)
	if end.After(openBucket) {
		end = openBucket
	}

	byBucket := make(map[int64]models.Candle, len(raw))
	for i := range raw {
		c := raw[i]
		if c.Timestamp.Before(since) || !c.Timestamp.Before(end) {
			continue
		}
		if err := c.Validate(); err != nil {
			w.logger.Warn("dropping invalid bar",
				"stream", w.stream.Key(),
				"timestamp", c.Timestamp,
				"error", err,
			)
			continue
		}
		byBucket[c.Timestamp.Unix()] = c
	}

	out := make([]models.Candle, 0, len(byBucket))
	for _, c := range byBucket {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// finalize applies retention and refreshes derived timeframes over the span
// written in this run. Both are skipped when nothing was written.
func (w *StreamWorker) finalize(ctx context.Context, written models.TimeRange) error {
	if written.IsZero() {
		return nil
	}

	if w.retention.Enabled() {
		removed, err := w.store.TrimRetention(ctx, w.stream, w.retention)
		if err != nil {
			return fmt.Errorf("trim retention: %w", err)
		}
		if removed > 0 {
			w.logger.Info("retention trimmed rows", "stream", w.stream.Key(), "removed", removed)
		}
	}

	if len(w.derived) > 0 {
		if err := w.store.RefreshDerived(ctx, w.stream, w.derived, written); err != nil {
			return fmt.Errorf("refresh derived timeframes: %w", err)
		}
	}

	return nil
}

// reportInterrupted records progress for a stream cut short by stop or
// context cancellation. The status stays non-terminal: the stream is neither
// done nor failed, it simply did not finish this run.
func (w *StreamWorker) reportInterrupted(rows, expected int64, err error) {
	w.logger.Info("stream interrupted",
		"stream", w.stream.Key(),
		"rows_written", rows,
		"reason", err,
	)
	w.report(models.StreamPending, rows, expected, nil)
}

// extendRange grows a running span to cover r.
func extendRange(span, r models.TimeRange) models.TimeRange {
	if r.IsZero() {
		return span
	}
	if span.IsZero() {
		return r
	}
	if r.Start.Before(span.Start) {
		span.Start = r.Start
	}
	if r.End.After(span.End) {
		span.End = r.End
	}
	return span
}
