package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/candlesync/internal/models"
)

// Postgres statements. The schema mirrors a TimescaleDB-style layout: one
// candles table keyed by (symbol, timeframe, ts), with derived timeframes
// stored as ordinary rows under their own timeframe value.
const (
	pgCreateCandlesTable = `
		CREATE TABLE IF NOT EXISTS candles (
			symbol    text        NOT NULL,
			timeframe text        NOT NULL,
			ts        timestamptz NOT NULL,
			open      numeric     NOT NULL,
			high      numeric     NOT NULL,
			low       numeric     NOT NULL,
			close     numeric     NOT NULL,
			volume    numeric     NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts)
		)`

	pgCreateCandlesIndex = `
		CREATE INDEX IF NOT EXISTS idx_candles_stream_ts_desc
		ON candles (symbol, timeframe, ts DESC)`

	pgInsertCandle = `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, ts) DO NOTHING`

	pgReviseCandle = `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`

	pgLatestTimestamp = `
		SELECT ts FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY ts DESC LIMIT 1`

	pgCountInWindow = `
		SELECT count(*) FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4`

	pgTimestamps = `
		SELECT ts FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts ASC`

	pgTrimByAge = `
		DELETE FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts < $3`

	pgTrimByCount = `
		DELETE FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts IN (
			SELECT ts FROM candles
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY ts DESC OFFSET $3
		)`

	pgRefreshDerived = `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		SELECT agg.symbol, $2, agg.bucket, f.open, agg.high, agg.low, l.close, agg.volume
		FROM (
			SELECT symbol,
			       to_timestamp(floor(extract(epoch FROM ts) / $3) * $3) AS bucket,
			       max(high)  AS high,
			       min(low)   AS low,
			       sum(volume) AS volume,
			       min(ts)    AS first_ts,
			       max(ts)    AS last_ts
			FROM candles
			WHERE symbol = $1 AND timeframe = $4 AND ts >= $5 AND ts < $6
			GROUP BY symbol, bucket
		) agg
		JOIN candles f ON f.symbol = agg.symbol AND f.timeframe = $4 AND f.ts = agg.first_ts
		JOIN candles l ON l.symbol = agg.symbol AND l.timeframe = $4 AND l.ts = agg.last_ts
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`
)

// PgxPool is the subset of pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool through it.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements CandleStore on a Postgres (or TimescaleDB)
// backend via pgx. Row-level conflict resolution on the primary key gives
// atomic same-row upserts without serializing unrelated streams.
type PostgresStore struct {
	pool   PgxPool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore connects a pool to the given DSN.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, NewStorageError("connect", "", fmt.Errorf("create pgx pool: %w", err))
	}
	return NewPostgresStoreWithPool(pool, logger), nil
}

// NewPostgresStoreWithPool wraps an existing pool; tests pass a pgxmock pool.
func NewPostgresStoreWithPool(pool PgxPool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "postgres_store"),
		now:    time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (p *PostgresStore) SetClock(now func() time.Time) { p.now = now }

// Initialize implements CandleStore.
func (p *PostgresStore) Initialize(ctx context.Context) error {
	for _, stmt := range []string{pgCreateCandlesTable, pgCreateCandlesIndex} {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return NewStorageError("initialize", "", err)
		}
	}
	p.logger.Info("postgres storage initialized")
	return nil
}

// Upsert implements CandleStore. The batch runs inside one transaction so
// either all rows become visible or none do.
func (p *PostgresStore) Upsert(ctx context.Context, candles []models.Candle, reviseLast bool) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	streamKey := candles[0].Stream().Key()

	if err := validateBatch(candles); err != nil {
		return 0, NewStorageError("upsert", streamKey, err)
	}

	revisable := -1
	if reviseLast {
		revisable = newestIndex(candles)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, NewStorageError("upsert", streamKey, fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for i := range candles {
		c := candles[i]
		stmt := pgInsertCandle
		if i == revisable {
			stmt = pgReviseCandle
		}

		tag, err := tx.Exec(ctx, stmt,
			c.Symbol, string(c.Timeframe), c.Timestamp,
			c.Open, c.High, c.Low, c.Close, c.Volume,
		)
		if err != nil {
			return 0, NewStorageError("upsert", streamKey, err)
		}
		if i != revisable {
			inserted += int(tag.RowsAffected())
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, NewStorageError("upsert", streamKey, fmt.Errorf("commit transaction: %w", err))
	}

	return inserted, nil
}

// LatestTimestamp implements CandleStore.
func (p *PostgresStore) LatestTimestamp(ctx context.Context, stream models.Stream) (time.Time, bool, error) {
	var ts time.Time
	err := p.pool.QueryRow(ctx, pgLatestTimestamp, stream.Symbol, string(stream.Timeframe)).Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, NewStorageError("latest_timestamp", stream.Key(), err)
	}
	return ts.UTC(), true, nil
}

// CountInWindow implements CandleStore.
func (p *PostgresStore) CountInWindow(ctx context.Context, stream models.Stream, start, end time.Time) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, pgCountInWindow, stream.Symbol, string(stream.Timeframe), start, end).Scan(&count)
	if err != nil {
		return 0, NewStorageError("count_in_window", stream.Key(), err)
	}
	return count, nil
}

// Timestamps implements CandleStore.
func (p *PostgresStore) Timestamps(ctx context.Context, stream models.Stream, start, end time.Time) ([]time.Time, error) {
	rows, err := p.pool.Query(ctx, pgTimestamps, stream.Symbol, string(stream.Timeframe), start, end)
	if err != nil {
		return nil, NewStorageError("timestamps", stream.Key(), err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, NewStorageError("timestamps", stream.Key(), err)
		}
		out = append(out, ts.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("timestamps", stream.Key(), err)
	}
	return out, nil
}

// TrimRetention implements CandleStore.
func (p *PostgresStore) TrimRetention(ctx context.Context, stream models.Stream, policy RetentionPolicy) (int, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	removed := 0
	if policy.MaxAge > 0 {
		cutoff := p.now().Add(-policy.MaxAge)
		tag, err := p.pool.Exec(ctx, pgTrimByAge, stream.Symbol, string(stream.Timeframe), cutoff)
		if err != nil {
			return removed, NewStorageError("trim_retention", stream.Key(), err)
		}
		removed += int(tag.RowsAffected())
	}
	if policy.MaxRows > 0 {
		tag, err := p.pool.Exec(ctx, pgTrimByCount, stream.Symbol, string(stream.Timeframe), policy.MaxRows)
		if err != nil {
			return removed, NewStorageError("trim_retention", stream.Key(), err)
		}
		removed += int(tag.RowsAffected())
	}

	return removed, nil
}

// RefreshDerived implements CandleStore. One set-based statement per derived
// timeframe recomputes only the buckets intersecting the window.
func (p *PostgresStore) RefreshDerived(ctx context.Context, base models.Stream, derived []models.Timeframe, window models.TimeRange) error {
	if window.IsZero() {
		return nil
	}

	for _, tf := range derived {
		cadence, err := tf.Cadence()
		if err != nil {
			return NewStorageError("refresh_derived", base.Key(), err)
		}

		span := derivedWindow(window, cadence, p.now())
		if span.IsZero() {
			continue
		}
		_, err = p.pool.Exec(ctx, pgRefreshDerived,
			base.Symbol, string(tf), int64(cadence/time.Second),
			string(base.Timeframe), span.Start, span.End,
		)
		if err != nil {
			return NewStorageError("refresh_derived", base.Key(), err)
		}
	}

	return nil
}

// HealthCheck implements CandleStore.
func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

// Close implements CandleStore.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
