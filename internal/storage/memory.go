package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/candlesync/internal/models"
)

// MemoryStore is an in-memory CandleStore used by tests and the "memory"
// storage type. It mirrors the SQL backends' semantics exactly, including
// batch atomicity and the revisable trailing bar.
type MemoryStore struct {
	mu sync.RWMutex

	// candles[symbol][timeframe][unix seconds] -> candle
	candles map[string]map[models.Timeframe]map[int64]models.Candle

	closed bool

	// now supplies the clock for retention trims and the open-bucket cutoff
	// of derived refreshes; tests override it.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles: make(map[string]map[models.Timeframe]map[int64]models.Candle),
		now:     time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Initialize implements CandleStore. The memory backend needs no setup.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	return ctx.Err()
}

// Upsert implements CandleStore.
func (m *MemoryStore) Upsert(ctx context.Context, candles []models.Candle, reviseLast bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("upsert", "", err)
	}
	if len(candles) == 0 {
		return 0, nil
	}

	// Validate before mutating anything so the batch stays atomic.
	if err := validateBatch(candles); err != nil {
		return 0, NewStorageError("upsert", candles[0].Stream().Key(), err)
	}

	revisable := -1
	if reviseLast {
		revisable = newestIndex(candles)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewStorageError("upsert", candles[0].Stream().Key(), errors.New("store is closed"))
	}

	inserted := 0
	for i := range candles {
		c := candles[i]
		bucket := m.streamBucket(c.Symbol, c.Timeframe)
		key := c.Timestamp.Unix()

		if _, exists := bucket[key]; exists {
			if i == revisable {
				bucket[key] = c
			}
			continue
		}

		bucket[key] = c
		inserted++
	}

	return inserted, nil
}

// LatestTimestamp implements CandleStore.
func (m *MemoryStore) LatestTimestamp(ctx context.Context, stream models.Stream) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, NewStorageError("latest_timestamp", stream.Key(), err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.candles[stream.Symbol][stream.Timeframe]
	if len(bucket) == 0 {
		return time.Time{}, false, nil
	}

	var latest int64
	for key := range bucket {
		if key > latest {
			latest = key
		}
	}
	return time.Unix(latest, 0).UTC(), true, nil
}

// CountInWindow implements CandleStore.
func (m *MemoryStore) CountInWindow(ctx context.Context, stream models.Stream, start, end time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("count_in_window", stream.Key(), err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for key := range m.candles[stream.Symbol][stream.Timeframe] {
		ts := time.Unix(key, 0)
		if !ts.Before(start) && ts.Before(end) {
			count++
		}
	}
	return count, nil
}

// Timestamps implements CandleStore.
func (m *MemoryStore) Timestamps(ctx context.Context, stream models.Stream, start, end time.Time) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("timestamps", stream.Key(), err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []time.Time
	for key := range m.candles[stream.Symbol][stream.Timeframe] {
		ts := time.Unix(key, 0).UTC()
		if !ts.Before(start) && ts.Before(end) {
			out = append(out, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// TrimRetention implements CandleStore.
func (m *MemoryStore) TrimRetention(ctx context.Context, stream models.Stream, policy RetentionPolicy) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("trim_retention", stream.Key(), err)
	}
	if !policy.Enabled() {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.candles[stream.Symbol][stream.Timeframe]
	if len(bucket) == 0 {
		return 0, nil
	}

	keys := make([]int64, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	removed := 0
	if policy.MaxAge > 0 {
		cutoff := m.now().Add(-policy.MaxAge).Unix()
		for len(keys) > 0 && keys[0] < cutoff {
			delete(bucket, keys[0])
			keys = keys[1:]
			removed++
		}
	}
	if policy.MaxRows > 0 {
		for len(keys) > policy.MaxRows {
			delete(bucket, keys[0])
			keys = keys[1:]
			removed++
		}
	}

	return removed, nil
}

// RefreshDerived implements CandleStore. Derived bars are always recomputed
// from the base series for the window, overwriting whatever was there; only
// buckets intersecting the window are touched.
func (m *MemoryStore) RefreshDerived(ctx context.Context, base models.Stream, derived []models.Timeframe, window models.TimeRange) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("refresh_derived", base.Key(), err)
	}
	if window.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	baseRows := m.candles[base.Symbol][base.Timeframe]

	for _, tf := range derived {
		cadence, err := tf.Cadence()
		if err != nil {
			return NewStorageError("refresh_derived", base.Key(), err)
		}

		span := derivedWindow(window, cadence, m.now())
		if span.IsZero() {
			continue
		}
		aggregates, err := aggregateBase(baseRows, base, tf, cadence, span)
		if err != nil {
			return NewStorageError("refresh_derived", base.Key(), err)
		}

		target := m.streamBucket(base.Symbol, tf)
		for key, candle := range aggregates {
			target[key] = candle
		}
	}

	return nil
}

// HealthCheck implements CandleStore.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Close implements CandleStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// streamBucket returns the timestamp map for a stream, creating it if needed.
// Caller must hold the write lock.
func (m *MemoryStore) streamBucket(symbol string, tf models.Timeframe) map[int64]models.Candle {
	if m.candles[symbol] == nil {
		m.candles[symbol] = make(map[models.Timeframe]map[int64]models.Candle)
	}
	if m.candles[symbol][tf] == nil {
		m.candles[symbol][tf] = make(map[int64]models.Candle)
	}
	return m.candles[symbol][tf]
}

// aggregateBase rolls base rows inside span up into derived-cadence bars.
func aggregateBase(baseRows map[int64]models.Candle, base models.Stream, tf models.Timeframe, cadence time.Duration, span models.TimeRange) (map[int64]models.Candle, error) {
	type bucketAgg struct {
		first, last models.Candle
		high, low   decimal.Decimal
		volume      decimal.Decimal
		seen        bool
	}

	buckets := make(map[int64]*bucketAgg)
	for key, candle := range baseRows {
		ts := time.Unix(key, 0).UTC()
		if ts.Before(span.Start) || !ts.Before(span.End) {
			continue
		}

		high, err := candle.HighDecimal()
		if err != nil {
			return nil, err
		}
		low, err := candle.LowDecimal()
		if err != nil {
			return nil, err
		}
		volume, err := candle.VolumeDecimal()
		if err != nil {
			return nil, err
		}

		bucketKey := models.BucketStart(ts, cadence).Unix()
		agg := buckets[bucketKey]
		if agg == nil {
			agg = &bucketAgg{}
			buckets[bucketKey] = agg
		}

		if !agg.seen {
			agg.first, agg.last = candle, candle
			agg.high, agg.low, agg.volume = high, low, volume
			agg.seen = true
			continue
		}

		if candle.Timestamp.Before(agg.first.Timestamp) {
			agg.first = candle
		}
		if candle.Timestamp.After(agg.last.Timestamp) {
			agg.last = candle
		}
		agg.high = decimal.Max(agg.high, high)
		agg.low = decimal.Min(agg.low, low)
		agg.volume = agg.volume.Add(volume)
	}

	out := make(map[int64]models.Candle, len(buckets))
	for bucketKey, agg := range buckets {
		out[bucketKey] = models.Candle{
			Symbol:    base.Symbol,
			Timeframe: tf,
			Timestamp: time.Unix(bucketKey, 0).UTC(),
			Open:      agg.first.Open,
			High:      agg.high.String(),
			Low:       agg.low.String(),
			Close:     agg.last.Close,
			Volume:    agg.volume.String(),
		}
	}
	return out, nil
}
