package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/candlesync/internal/models"
)

// MockClient generates deterministic synthetic candles. It serves the "mock"
// exchange type for local runs and gives tests an upstream whose contents are
// fully predictable: the bar at any timestamp is a pure function of that
// timestamp.
type MockClient struct {
	// Now supplies the wall clock; defaults to time.Now. Bars are generated
	// up to and including the currently open bucket, matching how real
	// exchanges return a provisional trailing bar.
	Now func() time.Time
}

// NewMockClient creates a synthetic exchange client.
func NewMockClient() *MockClient {
	return &MockClient{Now: time.Now}
}

// Name implements Client.
func (m *MockClient) Name() string { return "mock" }

// FetchCandles implements Client. Bars start at the bucket containing Since
// and advance one cadence per bar, stopping at the request limit or the
// currently open bucket, whichever comes first.
func (m *MockClient) FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cadence, err := req.Timeframe.Cadence()
	if err != nil {
		return nil, fmt.Errorf("mock fetch: %w", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = binanceMaxLimit
	}

	now := m.Now
	if now == nil {
		now = time.Now
	}
	openBucket := models.BucketStart(now(), cadence)

	start := models.BucketStart(req.Since, cadence)
	if req.Since.IsZero() {
		start = openBucket.Add(-time.Duration(limit) * cadence)
	}

	var candles []models.Candle
	for ts := start; len(candles) < limit && !ts.After(openBucket); ts = ts.Add(cadence) {
		candles = append(candles, SyntheticCandle(req.Symbol, req.Timeframe, ts))
	}

	return candles, nil
}

// SyntheticCandle builds the deterministic bar for a timestamp. Prices walk a
// small sawtooth around a base of 100 so OHLC invariants always hold.
func SyntheticCandle(symbol string, timeframe models.Timeframe, ts time.Time) models.Candle {
	step := ts.Unix() / 60 % 50
	base := decimal.NewFromInt(100).Add(decimal.NewFromInt(step).Div(decimal.NewFromInt(10)))
	spread := decimal.NewFromFloat(0.5)

	return models.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: ts.UTC(),
		Open:      base.String(),
		High:      base.Add(spread).String(),
		Low:       base.Sub(spread).String(),
		Close:     base.Add(decimal.NewFromFloat(0.1)).String(),
		Volume:    decimal.NewFromInt(1000 + step).String(),
	}
}
