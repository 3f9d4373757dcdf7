package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantfold/candlesync/internal/errs"
	"github.com/quantfold/candlesync/internal/models"
)

// DefaultBinanceBaseURL is the public spot REST endpoint.
const DefaultBinanceBaseURL = "https://api.binance.com"

// binanceMaxLimit is the per-call cap of the klines endpoint.
const binanceMaxLimit = 1000

// BinanceClient fetches klines from the Binance spot REST API.
type BinanceClient struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// BinanceOption customizes a BinanceClient.
type BinanceOption func(*BinanceClient)

// WithBaseURL overrides the API endpoint, used by tests and mirrors.
func WithBaseURL(u string) BinanceOption {
	return func(c *BinanceClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) BinanceOption {
	return func(c *BinanceClient) { c.httpc = h }
}

// NewBinanceClient creates a Binance klines client.
func NewBinanceClient(opts ...BinanceOption) *BinanceClient {
	c := &BinanceClient{
		baseURL: DefaultBinanceBaseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default().With("component", "binance_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Client.
func (c *BinanceClient) Name() string { return "binance" }

// FetchCandles implements Client. It calls GET /api/v3/klines and normalizes
// the raw array-of-arrays payload into validated candles.
func (c *BinanceClient) FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	if req.Symbol == "" {
		return nil, errs.Terminalf("fetch request has empty symbol")
	}
	if !req.Timeframe.Valid() {
		return nil, errs.Terminalf("fetch request has invalid timeframe %q", req.Timeframe)
	}

	limit := req.Limit
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}

	query := url.Values{}
	query.Set("symbol", NormalizeBinanceSymbol(req.Symbol))
	query.Set("interval", string(req.Timeframe))
	query.Set("limit", strconv.Itoa(limit))
	if !req.Since.IsZero() {
		query.Set("startTime", strconv.FormatInt(req.Since.UnixMilli(), 10))
	}

	endpoint := c.baseURL + "/api/v3/klines?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.Terminal(fmt.Errorf("build klines request: %w", err))
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("klines request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("read klines response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Classify(&errs.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		})
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errs.Transient(fmt.Errorf("decode klines payload: %w", err))
	}

	return c.normalize(req, raw)
}

// normalize converts raw kline rows into validated candles. Malformed rows
// are dropped with a warning; a payload where every row is malformed counts
// as a terminal fetch error for the batch.
func (c *BinanceClient) normalize(req FetchRequest, raw [][]json.RawMessage) ([]models.Candle, error) {
	candles := make([]models.Candle, 0, len(raw))
	malformed := 0

	for i, row := range raw {
		candle, err := parseKline(req.Symbol, req.Timeframe, row)
		if err != nil {
			malformed++
			c.logger.Warn("dropping malformed kline",
				"symbol", req.Symbol,
				"timeframe", req.Timeframe,
				"row", i,
				"error", err,
			)
			continue
		}
		candles = append(candles, *candle)
	}

	if len(raw) > 0 && len(candles) == 0 {
		return nil, errs.Terminalf("all %d klines in payload malformed for %s@%s", len(raw), req.Symbol, req.Timeframe)
	}

	return candles, nil
}

// parseKline decodes one kline row:
// [openTimeMs, open, high, low, close, volume, closeTimeMs, ...].
// Prices and volume arrive as JSON strings; the open time is a number.
func parseKline(symbol string, timeframe models.Timeframe, row []json.RawMessage) (*models.Candle, error) {
	if len(row) < 6 {
		return nil, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}

	var openTimeMs int64
	if err := json.Unmarshal(row[0], &openTimeMs); err != nil {
		return nil, fmt.Errorf("invalid open time: %w", err)
	}

	fields := make([]string, 5)
	for i := 0; i < 5; i++ {
		if err := json.Unmarshal(row[i+1], &fields[i]); err != nil {
			return nil, fmt.Errorf("invalid kline field %d: %w", i+1, err)
		}
	}

	ts := time.UnixMilli(openTimeMs).UTC()
	return models.NewCandle(symbol, timeframe, ts, fields[0], fields[1], fields[2], fields[3], fields[4])
}

// NormalizeBinanceSymbol maps a "BTC/USDT" style pair to Binance's
// concatenated uppercase form "BTCUSDT".
func NormalizeBinanceSymbol(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(symbol))
}
