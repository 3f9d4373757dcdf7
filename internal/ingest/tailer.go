package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/candlesync/internal/models"
)

// Tailer keeps a stream matrix current by re-running it on a fixed interval.
// Each pass is an ordinary incremental run with an open window: every stream
// resumes from its latest persisted bar, so a tick that finds nothing new is
// a cheap no-op and a daemon restart needs no special recovery path.
type Tailer struct {
	coord    *Coordinator
	req      RunRequest
	interval time.Duration
	logger   *slog.Logger
}

// NewTailer builds a tailer over the coordinator. A zero interval defaults to
// the shortest cadence in the request, which is the soonest any stream can
// have a newly closed bar.
func NewTailer(coord *Coordinator, req RunRequest, interval time.Duration) (*Tailer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !req.Window.IsZero() {
		return nil, fmt.Errorf("tail runs use an open window; a fixed window belongs to a backfill run")
	}

	if interval <= 0 {
		for _, tf := range req.Timeframes {
			cadence, err := tf.Cadence()
			if err != nil {
				return nil, err
			}
			if interval <= 0 || cadence < interval {
				interval = cadence
			}
		}
	}

	return &Tailer{
		coord:    coord,
		req:      req,
		interval: interval,
		logger:   coord.logger.With("component", "tailer"),
	}, nil
}

// Run executes passes until the context is done. The first pass starts
// immediately; it doubles as the catch-up backfill after downtime.
func (t *Tailer) Run(ctx context.Context) error {
	t.logger.Info("tailing started",
		"symbols", len(t.req.Symbols),
		"timeframes", len(t.req.Timeframes),
		"interval", t.interval,
	)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if err := t.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Error("tail pass failed", "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pass runs one incremental pass and waits for it to settle.
func (t *Tailer) pass(ctx context.Context) error {
	runID, err := t.coord.Start(ctx, t.req)
	if err != nil {
		return err
	}
	if err := t.coord.Wait(ctx); err != nil {
		return err
	}

	if snap, ok := t.coord.Status(); ok {
		_, _, done, failed := snap.Counts()
		t.logger.Debug("tail pass finished",
			"run_id", runID,
			"status", snap.Status,
			"streams_done", done,
			"streams_failed", failed,
			"rows_written", snap.RowsWritten,
		)
	}
	return nil
}

// Report summarizes per-stream coverage for status output: rows persisted in
// the window ending now, against the bar count the window implies.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Streams     []StreamReport `json:"streams"`
}

// StreamReport is one stream's coverage line.
type StreamReport struct {
	Stream       models.Stream `json:"stream"`
	Latest       time.Time     `json:"latest,omitempty"`
	RowsInWindow int           `json:"rows_in_window"`
	ExpectedBars int           `json:"expected_bars"`
}

// Coverage returns rows/expected as 0-100.
func (r StreamReport) Coverage() float64 {
	if r.ExpectedBars <= 0 {
		return 0
	}
	pct := float64(r.RowsInWindow) / float64(r.ExpectedBars) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// BuildReport reads per-stream counts for the trailing window of the given
// length. It is a pure storage read and safe to run alongside an active run.
func (c *Coordinator) BuildReport(ctx context.Context, symbols []string, timeframes []models.Timeframe, window time.Duration) (*Report, error) {
	now := c.now()
	report := &Report{GeneratedAt: now}

	for _, stream := range models.ExpandStreams(symbols, timeframes) {
		cadence, err := stream.Cadence()
		if err != nil {
			return nil, err
		}

		end := models.BucketStart(now, cadence)
		start := end.Add(-window.Truncate(cadence))
		if !start.Before(end) {
			start = end.Add(-cadence)
		}

		count, err := c.cfg.Store.CountInWindow(ctx, stream, start, end)
		if err != nil {
			return nil, err
		}

		entry := StreamReport{
			Stream:       stream,
			RowsInWindow: count,
			ExpectedBars: models.TimeRange{Start: start, End: end}.Bars(cadence),
		}
		if latest, ok, err := c.cfg.Store.LatestTimestamp(ctx, stream); err != nil {
			return nil, err
		} else if ok {
			entry.Latest = latest
		}

		report.Streams = append(report.Streams, entry)
	}

	return report, nil
}
