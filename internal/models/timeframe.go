package models

import (
	"fmt"
	"strconv"
	"time"
)

// Timeframe identifies the bucket duration of a candle series as an
// exchange-style string such as "1m", "3m", "5m", "1h" or "1d".
type Timeframe string

// Common timeframes supported out of the box. Any "<n><unit>" string with a
// unit of m, h or d parses as well.
const (
	Timeframe1m  Timeframe = "1m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Cadence returns the bucket duration implied by the timeframe.
func (tf Timeframe) Cadence() (time.Duration, error) {
	s := string(tf)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeframe format: %q", s)
	}

	unit := s[len(s)-1:]
	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid timeframe value: %q", s)
	}

	switch unit {
	case "s":
		return time.Duration(value) * time.Second, nil
	case "m":
		return time.Duration(value) * time.Minute, nil
	case "h":
		return time.Duration(value) * time.Hour, nil
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported timeframe unit: %q", unit)
	}
}

// Valid reports whether the timeframe parses to a positive cadence.
func (tf Timeframe) Valid() bool {
	_, err := tf.Cadence()
	return err == nil
}

// BucketStart truncates t down to the cadence boundary, measured from the
// Unix epoch in UTC. A "5m" candle timestamp is therefore always divisible by
// 300 seconds.
func BucketStart(t time.Time, cadence time.Duration) time.Time {
	if cadence <= 0 {
		return t.UTC()
	}
	secs := int64(cadence / time.Second)
	return time.Unix((t.Unix()/secs)*secs, 0).UTC()
}

// Stream is a (symbol, timeframe) ingestion unit.
type Stream struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
}

// Key returns a stable string identity for the stream, usable as a map key
// or log field.
func (s Stream) Key() string {
	return s.Symbol + "@" + string(s.Timeframe)
}

// Cadence returns the bucket duration of the stream's timeframe.
func (s Stream) Cadence() (time.Duration, error) {
	return s.Timeframe.Cadence()
}

// Validate checks that the stream names a symbol and a parseable timeframe.
func (s Stream) Validate() error {
	if s.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if _, err := s.Timeframe.Cadence(); err != nil {
		return &ValidationError{Field: "timeframe", Message: err.Error()}
	}
	return nil
}

// String implements fmt.Stringer.
func (s Stream) String() string {
	return s.Key()
}

// ExpandStreams builds the symbol x timeframe matrix in a deterministic order.
func ExpandStreams(symbols []string, timeframes []Timeframe) []Stream {
	streams := make([]Stream, 0, len(symbols)*len(timeframes))
	for _, sym := range symbols {
		for _, tf := range timeframes {
			streams = append(streams, Stream{Symbol: sym, Timeframe: tf})
		}
	}
	return streams
}
