package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/candlesync/internal/exchange"
	"github.com/quantfold/candlesync/internal/ingest"
	"github.com/quantfold/candlesync/internal/models"
	"github.com/quantfold/candlesync/internal/retry"
	"github.com/quantfold/candlesync/internal/storage"
)

// blockingClient parks the first fetch on gate so the test can interrupt the
// run while a request is in flight.
type blockingClient struct {
	inner   exchange.Client
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (c *blockingClient) Name() string { return c.inner.Name() }

func (c *blockingClient) FetchCandles(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
	c.once.Do(func() { close(c.started) })
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.inner.FetchCandles(ctx, req)
}

func TestRunBackfillInterruptLetsInFlightFetchCommit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	clock := func() time.Time { return now }

	mock := exchange.NewMockClient()
	mock.Now = clock
	client := &blockingClient{inner: mock, started: make(chan struct{}), gate: make(chan struct{})}

	policy := retry.NewPolicy()
	policy.MaxRetries = 1
	policy.BaseDelay = 5 * time.Millisecond

	store := storage.NewMemoryStore()
	coord, err := ingest.NewCoordinator(ingest.Config{
		Store:             store,
		Client:            client,
		RequestsPerSecond: 500,
		BatchSize:         200,
		Lookback:          2 * time.Hour,
		Retry:             policy,
		Clock:             clock,
	})
	require.NoError(t, err)

	req := ingest.RunRequest{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []models.Timeframe{models.Timeframe1m},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- runBackfill(ctx, coord, req) }()

	// Interrupt while the fetch is in flight, then let it finish. The page
	// must still commit: only the signal context was cancelled, not the run.
	<-client.started
	cancel()
	close(client.gate)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runBackfill did not settle after the interrupt")
	}

	stream := models.Stream{Symbol: "BTC/USDT", Timeframe: models.Timeframe1m}
	count, err := store.CountInWindow(context.Background(), stream, now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 119, count, "the fetch in flight completed and its rows were written")

	snap, ok := coord.Status()
	require.True(t, ok)
	assert.True(t, snap.Status.Terminal())
}
