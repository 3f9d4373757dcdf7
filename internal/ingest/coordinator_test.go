package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/candlesync/internal/errs"
	"github.com/quantfold/candlesync/internal/exchange"
	"github.com/quantfold/candlesync/internal/models"
	"github.com/quantfold/candlesync/internal/retry"
	"github.com/quantfold/candlesync/internal/storage"
)

// testNow is mid-bucket so the 12:00 bar is still open.
var testNow = time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)

// countingClient counts fetch calls on its way to the inner client.
type countingClient struct {
	inner exchange.Client
	calls atomic.Int64
}

func (c *countingClient) Name() string { return c.inner.Name() }

func (c *countingClient) FetchCandles(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
	c.calls.Add(1)
	return c.inner.FetchCandles(ctx, req)
}

// failingClient fails terminally for one symbol and delegates otherwise.
type failingClient struct {
	inner      exchange.Client
	failSymbol string
}

func (c *failingClient) Name() string { return c.inner.Name() }

func (c *failingClient) FetchCandles(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
	if req.Symbol == c.failSymbol {
		return nil, errs.Terminalf("invalid symbol %q", req.Symbol)
	}
	return c.inner.FetchCandles(ctx, req)
}

// gateClient blocks every fetch until the gate channel yields.
type gateClient struct {
	inner exchange.Client
	gate  chan struct{}
	calls atomic.Int64
}

func (c *gateClient) Name() string { return c.inner.Name() }

func (c *gateClient) FetchCandles(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
	c.calls.Add(1)
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.inner.FetchCandles(ctx, req)
}

func fixedMock() *exchange.MockClient {
	client := exchange.NewMockClient()
	client.Now = func() time.Time { return testNow }
	return client
}

func fastRetry() retry.Policy {
	p := retry.NewPolicy()
	p.MaxRetries = 1
	p.BaseDelay = 5 * time.Millisecond
	return p
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Client == nil {
		cfg.Client = fixedMock()
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 500
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = 2 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return testNow }
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = fastRetry()
	}
	coord, err := NewCoordinator(cfg)
	require.NoError(t, err)
	return coord
}

func runToCompletion(t *testing.T, coord *Coordinator, req RunRequest) models.RunSnapshot {
	t.Helper()
	_, err := coord.Start(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, coord.Wait(ctx))

	snap, ok := coord.Status()
	require.True(t, ok)
	return snap
}

func TestBackfillScenarioTwoHourLookback(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &countingClient{inner: fixedMock()}
	coord := newTestCoordinator(t, Config{
		Store:     store,
		Client:    client,
		BatchSize: 60,
	})

	snap := runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	})

	assert.Equal(t, models.RunCompleted, snap.Status)
	assert.Equal(t, int64(119), snap.RowsWritten,
		"120 expected bars minus the trailing open bar")
	assert.Equal(t, int64(2), client.calls.Load(), "ceil(119/60) fetches")

	stream := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe1m}
	latest, ok, err := store.LatestTimestamp(context.Background(), stream)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, latest.Equal(time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)),
		"latest persisted bar is the last closed minute")

	require.Len(t, snap.Streams, 1)
	assert.Equal(t, models.StreamDone, snap.Streams[0].Status)
	assert.Equal(t, float64(100), snap.Percent())
}

func TestNoTrailingBarLeakage(t *testing.T) {
	store := storage.NewMemoryStore()
	coord := newTestCoordinator(t, Config{Store: store})

	runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	})

	stream := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe1m}
	openBucket := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	count, err := store.CountInWindow(context.Background(), stream, openBucket, openBucket.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count, "no bar at or past the open bucket is ever persisted")
}

func TestSecondRunIsNoopAndMonotonic(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &countingClient{inner: fixedMock()}
	coord := newTestCoordinator(t, Config{Store: store, Client: client, BatchSize: 60})

	req := RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	}
	stream := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe1m}

	first := runToCompletion(t, coord, req)
	require.Equal(t, int64(119), first.RowsWritten)
	firstLatest, _, err := store.LatestTimestamp(context.Background(), stream)
	require.NoError(t, err)
	callsAfterFirst := client.calls.Load()

	second := runToCompletion(t, coord, req)
	assert.Equal(t, models.RunCompleted, second.Status)
	assert.Equal(t, int64(0), second.RowsWritten, "a caught-up stream writes nothing")
	assert.Equal(t, callsAfterFirst, client.calls.Load(), "no gaps means no fetches")

	secondLatest, _, err := store.LatestTimestamp(context.Background(), stream)
	require.NoError(t, err)
	assert.False(t, secondLatest.Before(firstLatest), "latest timestamp never regresses")
}

func TestPartialFailureIsolation(t *testing.T) {
	store := storage.NewMemoryStore()
	coord := newTestCoordinator(t, Config{
		Store:  store,
		Client: &failingClient{inner: fixedMock(), failSymbol: "BAD/USDT"},
	})

	snap := runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT", "BAD/USDT", "ETH/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	})

	assert.Equal(t, models.RunCompleted, snap.Status,
		"a failed stream does not fail the run")

	failed := snap.FailedStreams()
	require.Len(t, failed, 1)
	assert.Equal(t, "BAD/USDT", failed[0].Stream.Symbol)
	assert.Contains(t, failed[0].LastError, "invalid symbol")

	_, _, done, _ := snap.Counts()
	assert.Equal(t, 2, done, "sibling streams complete normally")

	for _, sym := range []string{"BTC/USDT", "ETH/USDT"} {
		stream := models.Stream{Symbol: sym, Timeframe: models.Timeframe1m}
		count, err := store.CountInWindow(context.Background(), stream,
			testNow.Add(-2*time.Hour), testNow)
		require.NoError(t, err)
		assert.Equal(t, 119, count)
	}
}

func TestStopIsCooperative(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &gateClient{inner: fixedMock(), gate: make(chan struct{})}
	coord := newTestCoordinator(t, Config{Store: store, Client: client, BatchSize: 30})

	req := RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	}
	_, err := coord.Start(context.Background(), req)
	require.NoError(t, err)

	// Let the worker reach its first fetch, then stop while it is in flight.
	require.Eventually(t, func() bool { return client.calls.Load() >= 1 },
		5*time.Second, 5*time.Millisecond)
	require.NoError(t, coord.Stop())
	close(client.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, coord.Wait(ctx))

	snap, _ := coord.Status()
	assert.Equal(t, models.RunStopped, snap.Status)
	assert.Greater(t, snap.RowsWritten, int64(0),
		"the fetch in flight completes and its rows are written")
	assert.Less(t, snap.RowsWritten, int64(119))

	// A fresh run picks up exactly where the stopped one left off.
	coord2 := newTestCoordinator(t, Config{Store: store, BatchSize: 30})
	final := runToCompletion(t, coord2, req)
	assert.Equal(t, models.RunCompleted, final.Status)

	stream := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe1m}
	count, err := store.CountInWindow(context.Background(), stream, testNow.Add(-2*time.Hour), testNow)
	require.NoError(t, err)
	assert.Equal(t, 119, count, "stop plus rerun converges to full coverage")
}

func TestPauseAndResume(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &gateClient{inner: fixedMock(), gate: make(chan struct{})}
	coord := newTestCoordinator(t, Config{Store: store, Client: client, BatchSize: 30})

	req := RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	}
	_, err := coord.Start(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return client.calls.Load() >= 1 },
		5*time.Second, 5*time.Millisecond)
	require.NoError(t, coord.Pause())
	close(client.gate)

	// The in-flight page commits, then the worker parks at its checkpoint.
	require.Eventually(t, func() bool {
		snap, ok := coord.Status()
		return ok && snap.RowsWritten == 30
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	snap, _ := coord.Status()
	assert.Equal(t, models.RunPaused, snap.Status)
	assert.Equal(t, int64(30), snap.RowsWritten, "no progress while paused")

	require.NoError(t, coord.Resume())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, coord.Wait(ctx))

	final, _ := coord.Status()
	assert.Equal(t, models.RunCompleted, final.Status)
	assert.Equal(t, int64(119), final.RowsWritten)
}

func TestRunRequestValidation(t *testing.T) {
	coord := newTestCoordinator(t, Config{})

	tests := []struct {
		name string
		req  RunRequest
	}{
		{
			name: "no symbols",
			req:  RunRequest{Timeframes: []models.Timeframe{models.Timeframe1m}},
		},
		{
			name: "no timeframes",
			req:  RunRequest{Symbols: []string{"BTC/USDT"}},
		},
		{
			name: "empty symbol",
			req: RunRequest{
				Symbols:    []string{""},
				Timeframes: []models.Timeframe{models.Timeframe1m},
			},
		},
		{
			name: "invalid timeframe",
			req: RunRequest{
				Symbols:    []string{"BTC/USDT"},
				Timeframes: []models.Timeframe{"bogus"},
			},
		},
		{
			name: "inverted window",
			req: RunRequest{
				Symbols:    []string{"BTC/USDT"},
				Timeframes: []models.Timeframe{models.Timeframe1m},
				Window: models.TimeRange{
					Start: testNow,
					End:   testNow.Add(-time.Hour),
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coord.Start(context.Background(), tt.req)
			assert.Error(t, err, "the run must fail synchronously before any worker starts")

			_, ok := coord.Status()
			assert.False(t, ok, "no run state is created for a rejected request")
		})
	}
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	client := &gateClient{inner: fixedMock(), gate: make(chan struct{})}
	coord := newTestCoordinator(t, Config{Client: client})

	req := RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	}
	_, err := coord.Start(context.Background(), req)
	require.NoError(t, err)

	_, err = coord.Start(context.Background(), req)
	assert.Error(t, err, "only one active run at a time")

	require.NoError(t, coord.Stop())
	close(client.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, coord.Wait(ctx))

	_, err = coord.Start(context.Background(), req)
	assert.NoError(t, err, "a terminal run frees the slot")
}

func TestExplicitWindowBackfill(t *testing.T) {
	store := storage.NewMemoryStore()
	coord := newTestCoordinator(t, Config{Store: store, BatchSize: 1000})

	start := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	snap := runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
		Window:     models.TimeRange{Start: start, End: start.Add(30 * time.Minute)},
	})

	assert.Equal(t, models.RunCompleted, snap.Status)
	assert.Equal(t, int64(30), snap.RowsWritten)

	stream := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe1m}
	count, err := store.CountInWindow(context.Background(), stream, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 30, count)
}

func TestDerivedTimeframesRefreshedAfterRun(t *testing.T) {
	store := storage.NewMemoryStore()
	coord := newTestCoordinator(t, Config{
		Store:   store,
		Derived: map[models.Timeframe][]models.Timeframe{models.Timeframe1m: {models.Timeframe5m}},
	})

	start := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
		Window:     models.TimeRange{Start: start, End: start.Add(30 * time.Minute)},
	})

	derived := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe5m}
	count, err := store.CountInWindow(context.Background(), derived, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 6, count, "30 minutes of 1m bars roll up into six 5m bars")
}

func TestDerivedOpenBucketNotMaterialized(t *testing.T) {
	// 11:58:30 is mid-way through the 11:55 5m bucket: base bars exist for
	// 11:55-11:57 but the derived bar must not, until the bucket closes.
	midBucket := time.Date(2024, 5, 1, 11, 58, 30, 0, time.UTC)

	store := storage.NewMemoryStore()
	store.SetClock(func() time.Time { return midBucket })
	client := exchange.NewMockClient()
	client.Now = func() time.Time { return midBucket }

	coord := newTestCoordinator(t, Config{
		Store:   store,
		Client:  client,
		Clock:   func() time.Time { return midBucket },
		Derived: map[models.Timeframe][]models.Timeframe{models.Timeframe1m: {models.Timeframe5m}},
	})

	runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	})

	derived := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe5m}
	open := time.Date(2024, 5, 1, 11, 55, 0, 0, time.UTC)

	count, err := store.CountInWindow(context.Background(), derived, open, open.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count, "no 5m bar for the bucket still open at run time")

	count, err = store.CountInWindow(context.Background(), derived, open.Add(-5*time.Minute), open)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the last closed 5m bucket is materialized")
}

func TestRetentionAppliedAfterRun(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetClock(func() time.Time { return testNow })
	coord := newTestCoordinator(t, Config{
		Store: store,
		Retention: map[models.Timeframe]storage.RetentionPolicy{
			models.Timeframe1m: {MaxRows: 50},
		},
	})

	runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	})

	stream := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe1m}
	count, err := store.CountInWindow(context.Background(), stream, testNow.Add(-3*time.Hour), testNow)
	require.NoError(t, err)
	assert.Equal(t, 50, count)

	latest, _, err := store.LatestTimestamp(context.Background(), stream)
	require.NoError(t, err)
	assert.True(t, latest.Equal(time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)),
		"retention trims oldest-first, never the newest rows")
}

// emptyClient answers every fetch with zero bars.
type emptyClient struct {
	calls atomic.Int64
}

func (c *emptyClient) Name() string { return "empty" }

func (c *emptyClient) FetchCandles(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestEmptyUpstreamFailsStreamAfterRetries(t *testing.T) {
	client := &emptyClient{}
	coord := newTestCoordinator(t, Config{Client: client})

	snap := runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	})

	assert.Equal(t, models.RunCompleted, snap.Status)

	failed := snap.FailedStreams()
	require.Len(t, failed, 1, "a gap the upstream cannot fill fails the stream, not the run")
	assert.Contains(t, failed[0].LastError, "retries exhausted")
	assert.Equal(t, int64(2), client.calls.Load(), "initial attempt plus one retry")
}

func TestGapInMiddleIsFilled(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &countingClient{inner: fixedMock()}
	coord := newTestCoordinator(t, Config{Store: store, Client: client})

	// Seed a window with a 3-bar hole in the middle.
	start := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	var seeded []models.Candle
	for i := 0; i < 10; i++ {
		if i >= 4 && i <= 6 {
			continue
		}
		seeded = append(seeded, exchange.SyntheticCandle("BTC/USDT", models.Timeframe1m, start.Add(time.Duration(i)*time.Minute)))
	}
	_, err := store.Upsert(context.Background(), seeded, false)
	require.NoError(t, err)

	snap := runToCompletion(t, coord, RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
		Window:     models.TimeRange{Start: start, End: start.Add(10 * time.Minute)},
	})

	assert.Equal(t, int64(3), snap.RowsWritten, "only the missing bars are fetched and written")
	assert.Equal(t, int64(1), client.calls.Load(), "one merged gap means one fetch")

	stream := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe1m}
	count, err := store.CountInWindow(context.Background(), stream, start, start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}
