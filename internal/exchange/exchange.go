// Package exchange provides the upstream data-source boundary. Raw exchange
// payloads are loosely typed; every client implementation normalizes them
// into strict models.Candle values here, at the fetch boundary, so nothing
// dynamic leaks into the rest of the engine.
package exchange

import (
	"context"
	"time"

	"github.com/quantfold/candlesync/internal/models"
)

// FetchRequest asks for up to Limit bars of one stream, starting at the
// bucket containing Since. Bars come back in ascending timestamp order.
type FetchRequest struct {
	Symbol    string
	Timeframe models.Timeframe
	Since     time.Time
	Limit     int
}

// Client fetches candles from an upstream source. Implementations classify
// failures through the errs package: transient errors are retryable, terminal
// errors (invalid symbol, auth failure) are not.
type Client interface {
	// Name identifies the upstream source, for logs and status output.
	Name() string

	// FetchCandles retrieves and normalizes bars for the request. Returned
	// candles are validated, UTC, and bucket-aligned; individual malformed
	// bars are dropped with a log line, and an all-malformed payload is a
	// terminal error.
	FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error)
}
