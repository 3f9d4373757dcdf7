// Package ingest runs candle ingestion: a coordinator fans a run's streams
// out over a bounded worker pool, each worker fills its stream's gaps through
// the shared rate limit, and progress is published as immutable snapshots.
// Persisted rows are the only durable state a run produces; the coordinator
// keeps no checkpoint of its own.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/candlesync/internal/exchange"
	"github.com/quantfold/candlesync/internal/gaps"
	"github.com/quantfold/candlesync/internal/models"
	"github.com/quantfold/candlesync/internal/ratelimit"
	"github.com/quantfold/candlesync/internal/retry"
	"github.com/quantfold/candlesync/internal/storage"
)

// Default coordinator settings.
const (
	DefaultMaxConcurrency    = 10
	DefaultRequestsPerSecond = 20.0
	DefaultBatchSize         = 1000
)

// Config wires a Coordinator. Store and Client are required; zero values
// elsewhere fall back to the package defaults.
type Config struct {
	Store  storage.CandleStore
	Client exchange.Client

	MaxConcurrency    int
	RequestsPerSecond float64
	BatchSize         int

	Retry    retry.Policy
	Lookback time.Duration

	// Retention holds the per-timeframe trim policy applied after a stream's
	// gaps are filled.
	Retention map[models.Timeframe]storage.RetentionPolicy

	// Derived maps a base timeframe to the timeframes aggregated from it.
	Derived map[models.Timeframe][]models.Timeframe

	Logger *slog.Logger

	// Clock overrides time.Now. Test hook.
	Clock func() time.Time
}

// RunRequest describes one ingestion run: the symbol x timeframe matrix and
// the window to reconcile. A zero window start falls back to per-stream
// resumption (latest persisted bar, or the lookback for empty streams); a
// zero end means "up to now".
type RunRequest struct {
	Symbols    []string
	Timeframes []models.Timeframe
	Window     models.TimeRange
}

// Validate rejects malformed requests before any worker starts.
func (r RunRequest) Validate() error {
	if len(r.Symbols) == 0 {
		return fmt.Errorf("run request has no symbols")
	}
	if len(r.Timeframes) == 0 {
		return fmt.Errorf("run request has no timeframes")
	}
	for _, sym := range r.Symbols {
		if sym == "" {
			return fmt.Errorf("run request has an empty symbol")
		}
	}
	for _, tf := range r.Timeframes {
		if !tf.Valid() {
			return fmt.Errorf("run request has invalid timeframe %q", tf)
		}
	}
	if !r.Window.Start.IsZero() && !r.Window.End.IsZero() && !r.Window.End.After(r.Window.Start) {
		return fmt.Errorf("run request window end %s is not after start %s", r.Window.End, r.Window.Start)
	}
	return nil
}

// Coordinator owns the run lifecycle. One run is active at a time; a new run
// can start once the previous one reaches a terminal status.
type Coordinator struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	detector  *gaps.Detector
	publisher *ProgressPublisher
	logger    *slog.Logger
	now       func() time.Time

	mu  sync.Mutex
	run *runState
}

// runState is the coordinator's mutable view of the active run. All access
// goes through the coordinator mutex; readers get copies via the publisher.
type runState struct {
	id        string
	status    models.RunStatus
	streams   []models.StreamProgress
	index     map[string]int
	active    int
	startedAt time.Time
	controls  *controls
	done      chan struct{}
}

// NewCoordinator builds a coordinator from the config, applying defaults and
// constructing the shared rate limiter and gap detector.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("coordinator requires a store")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("coordinator requires an exchange client")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = retry.NewPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	limiter, err := ratelimit.New(cfg.RequestsPerSecond)
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}

	detectorOpts := []gaps.Option{gaps.WithClock(cfg.Clock)}
	if cfg.Lookback > 0 {
		detectorOpts = append(detectorOpts, gaps.WithLookback(cfg.Lookback))
	}

	return &Coordinator{
		cfg:       cfg,
		limiter:   limiter,
		detector:  gaps.NewDetector(cfg.Store, detectorOpts...),
		publisher: NewProgressPublisher(),
		logger:    cfg.Logger.With("component", "coordinator"),
		now:       cfg.Clock,
	}, nil
}

// Start validates the request, creates the run and launches its workers.
// It returns the run ID immediately; progress is observed through Status.
// Starting fails while a previous run is still active.
func (c *Coordinator) Start(ctx context.Context, req RunRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	streams := models.ExpandStreams(req.Symbols, req.Timeframes)

	c.mu.Lock()
	if c.run != nil && !c.run.status.Terminal() {
		id := c.run.id
		c.mu.Unlock()
		return "", fmt.Errorf("run %s is still active", id)
	}

	now := c.now()
	run := &runState{
		id:        uuid.NewString(),
		status:    models.RunCreated,
		streams:   make([]models.StreamProgress, len(streams)),
		index:     make(map[string]int, len(streams)),
		startedAt: now,
		controls:  newControls(),
		done:      make(chan struct{}),
	}
	for i, s := range streams {
		run.streams[i] = models.StreamProgress{Stream: s, Status: models.StreamPending, UpdatedAt: now}
		run.index[s.Key()] = i
	}
	c.run = run
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("ingestion run created",
		"run_id", run.id,
		"streams", len(streams),
		"max_concurrency", c.cfg.MaxConcurrency,
	)

	go c.execute(ctx, run, streams, req.Window)

	return run.id, nil
}

// execute drives the worker pool for a run and settles the final status.
func (c *Coordinator) execute(ctx context.Context, run *runState, streams []models.Stream, window models.TimeRange) {
	defer close(run.done)

	c.setRunStatus(run, models.RunRunning)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)

	for _, stream := range streams {
		stream := stream
		g.Go(func() error {
			// A stop requested while this stream waited in the queue means it
			// never starts; its rows are simply absent and a later run picks
			// them up through gap detection.
			if err := run.controls.checkpoint(gctx); err != nil {
				return nil
			}

			c.workerStarted(run)
			defer c.workerFinished(run)

			worker := c.newWorker(run, stream)
			if _, err := worker.Run(gctx, window); err != nil {
				// Stream failures are isolated: the worker already reported
				// them, and sibling streams keep going.
				if err != ErrRunStopped && gctx.Err() == nil {
					c.logger.Error("stream failed",
						"run_id", run.id,
						"stream", stream.Key(),
						"error", err,
					)
				}
			}
			return nil
		})
	}

	_ = g.Wait()

	final := models.RunCompleted
	if run.controls.isStopped() || ctx.Err() != nil {
		final = models.RunStopped
	}
	c.setRunStatus(run, final)

	snap, _ := c.publisher.Snapshot()
	_, _, done, failed := snap.Counts()
	c.logger.Info("ingestion run finished",
		"run_id", run.id,
		"status", final,
		"streams_done", done,
		"streams_failed", failed,
		"rows_written", snap.RowsWritten,
	)
}

// newWorker builds the StreamWorker for one stream of a run.
func (c *Coordinator) newWorker(run *runState, stream models.Stream) *StreamWorker {
	return &StreamWorker{
		stream:    stream,
		client:    c.cfg.Client,
		store:     c.cfg.Store,
		detector:  c.detector,
		limiter:   c.limiter,
		retry:     c.cfg.Retry,
		batchSize: c.cfg.BatchSize,
		retention: c.cfg.Retention[stream.Timeframe],
		derived:   c.cfg.Derived[stream.Timeframe],
		controls:  run.controls,
		report: func(status models.StreamStatus, rows, expected int64, lastErr error) {
			c.updateStream(run, stream, status, rows, expected, lastErr)
		},
		logger: c.logger.With("stream", stream.Key()),
		now:    c.now,
	}
}

// Pause suspends the active run: workers finish the batch in flight and then
// block at their next checkpoint.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil || c.run.status.Terminal() {
		return fmt.Errorf("no active run to pause")
	}
	if c.run.status == models.RunPaused {
		return nil
	}
	c.run.controls.pause()
	c.run.status = models.RunPaused
	c.publishLocked()
	c.logger.Info("ingestion run paused", "run_id", c.run.id)
	return nil
}

// Resume releases a paused run's workers.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil || c.run.status != models.RunPaused {
		return fmt.Errorf("no paused run to resume")
	}
	c.run.controls.unpause()
	c.run.status = models.RunRunning
	c.publishLocked()
	c.logger.Info("ingestion run resumed", "run_id", c.run.id)
	return nil
}

// Stop requests a cooperative stop. Batches in flight complete and commit;
// the run settles to stopped once every worker has yielded. Stop does not
// wait; use Wait to block until the run is over.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil || c.run.status.Terminal() {
		return fmt.Errorf("no active run to stop")
	}
	c.run.controls.stop()
	c.logger.Info("ingestion run stop requested", "run_id", c.run.id)
	return nil
}

// Wait blocks until the current run reaches a terminal status, or the context
// is done. Returns immediately when no run was ever started.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()

	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest run snapshot, if any run was started.
func (c *Coordinator) Status() (models.RunSnapshot, bool) {
	return c.publisher.Snapshot()
}

// updateStream folds a worker report into the run state and publishes a fresh
// snapshot.
func (c *Coordinator) updateStream(run *runState, stream models.Stream, status models.StreamStatus, rows, expected int64, lastErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := run.index[stream.Key()]
	if !ok {
		return
	}

	sp := &run.streams[i]
	sp.Status = status
	sp.RowsWritten = rows
	sp.ExpectedRows = expected
	sp.UpdatedAt = c.now()
	if lastErr != nil {
		sp.LastError = lastErr.Error()
	}

	c.publishLocked()
}

func (c *Coordinator) setRunStatus(run *runState, status models.RunStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Pause may have landed while the pool was spinning up; running never
	// overwrites it.
	if status == models.RunRunning && run.status == models.RunPaused {
		return
	}
	run.status = status
	c.publishLocked()
}

func (c *Coordinator) workerStarted(run *runState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run.active++
	c.publishLocked()
}

func (c *Coordinator) workerFinished(run *runState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run.active--
	c.publishLocked()
}

// publishLocked snapshots the active run for readers. Caller holds c.mu.
func (c *Coordinator) publishLocked() {
	run := c.run
	if run == nil {
		return
	}

	streams := make([]models.StreamProgress, len(run.streams))
	copy(streams, run.streams)

	var rows int64
	for _, sp := range streams {
		rows += sp.RowsWritten
	}

	c.publisher.Publish(models.RunSnapshot{
		RunID:         run.id,
		Status:        run.status,
		Streams:       streams,
		RowsWritten:   rows,
		ActiveWorkers: run.active,
		StartedAt:     run.startedAt,
		UpdatedAt:     c.now(),
	})
}
