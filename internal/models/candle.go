// Package models provides data structures and validation for OHLCV market data.
// This package contains the core data models for the ingestion engine: candles,
// streams, timeframes, gap sets, and ingestion run state.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one trading pair at one
// timeframe bucket. Timestamp is the bar open time in UTC. Prices and volume
// are stored as decimal strings to avoid float drift; parse them on demand
// with the *Decimal accessors.
type Candle struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Timeframe Timeframe `json:"timeframe" db:"timeframe"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Open      string    `json:"open" db:"open"`
	High      string    `json:"high" db:"high"`
	Low       string    `json:"low" db:"low"`
	Close     string    `json:"close" db:"close"`
	Volume    string    `json:"volume" db:"volume"`
}

// ValidationError represents a candle validation error with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs comprehensive validation on the candle data.
// It checks that all price fields are finite non-negative decimals, volume is
// non-negative, OHLC relationships hold (high >= max(open, close),
// low <= min(open, close)), required fields are present, and the timestamp is
// aligned to the timeframe's bucket boundary.
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Timeframe == "" {
		return &ValidationError{Field: "timeframe", Message: "timeframe cannot be empty"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	cadence, err := c.Timeframe.Cadence()
	if err != nil {
		return &ValidationError{Field: "timeframe", Message: err.Error()}
	}
	if !c.Timestamp.Equal(BucketStart(c.Timestamp, cadence)) {
		return &ValidationError{
			Field:   "timestamp",
			Message: fmt.Sprintf("timestamp %s is not aligned to %s bucket boundary", c.Timestamp.Format(time.RFC3339), c.Timeframe),
		}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	closePrice, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThan(zero) {
		return &ValidationError{Field: "open", Message: "open price must not be negative"}
	}
	if high.LessThan(zero) {
		return &ValidationError{Field: "high", Message: "high price must not be negative"}
	}
	if low.LessThan(zero) {
		return &ValidationError{Field: "low", Message: "low price must not be negative"}
	}
	if closePrice.LessThan(zero) {
		return &ValidationError{Field: "close", Message: "close price must not be negative"}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must not be negative"}
	}

	maxOpenClose := decimal.Max(open, closePrice)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be >= max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, closePrice)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be <= min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// Stream returns the (symbol, timeframe) identity this candle belongs to.
func (c *Candle) Stream() Stream {
	return Stream{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// OpenDecimal returns the open price as a decimal.Decimal.
func (c *Candle) OpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Open)
}

// HighDecimal returns the high price as a decimal.Decimal.
func (c *Candle) HighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.High)
}

// LowDecimal returns the low price as a decimal.Decimal.
func (c *Candle) LowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Low)
}

// CloseDecimal returns the close price as a decimal.Decimal.
func (c *Candle) CloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Close)
}

// VolumeDecimal returns the volume as a decimal.Decimal.
func (c *Candle) VolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Volume)
}

// String returns a human-readable representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Timeframe: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.Timeframe, c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// NewCandle creates a new Candle and validates it. All price and volume values
// are decimal strings; the timestamp is the bar open time and must align to
// the timeframe's bucket boundary.
func NewCandle(symbol string, timeframe Timeframe, timestamp time.Time, open, high, low, closePrice, volume string) (*Candle, error) {
	candle := &Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: timestamp.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}

	if err := candle.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create candle: %w", err)
	}

	return candle, nil
}
