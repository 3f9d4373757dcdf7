package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/quantfold/candlesync/internal/models"
)

// DuckDB statements. Same table shape as the Postgres backend; DuckDB
// accepts the numbered placeholder syntax, so only the epoch-bucketing
// expression differs.
const (
	duckCreateCandlesTable = `
		CREATE TABLE IF NOT EXISTS candles (
			symbol    VARCHAR   NOT NULL,
			timeframe VARCHAR   NOT NULL,
			ts        TIMESTAMP NOT NULL,
			open      DECIMAL(38, 18) NOT NULL,
			high      DECIMAL(38, 18) NOT NULL,
			low       DECIMAL(38, 18) NOT NULL,
			close     DECIMAL(38, 18) NOT NULL,
			volume    DECIMAL(38, 18) NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts)
		)`

	duckInsertCandle = `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, ts) DO NOTHING`

	duckReviseCandle = `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`

	duckLatestTimestamp = `
		SELECT ts FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY ts DESC LIMIT 1`

	duckCountInWindow = `
		SELECT count(*) FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4`

	duckTimestamps = `
		SELECT ts FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts ASC`

	duckTrimByAge = `
		DELETE FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts < $3`

	duckTrimByCount = `
		DELETE FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts IN (
			SELECT ts FROM candles
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY ts DESC OFFSET $3
		)`

	duckRefreshDerived = `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		SELECT agg.symbol, $2, agg.bucket, f.open, agg.high, agg.low, l.close, agg.volume
		FROM (
			SELECT symbol,
			       to_timestamp(floor(epoch(ts) / $3) * $3) AS bucket,
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

// DuckDBStore implements CandleStore on an embedded DuckDB database. It
// suits single-process runs and local backfills where standing up Postgres
// is overkill.
type DuckDBStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewDuckDBStore opens (or creates) a DuckDB database at path. An empty
// path opens an in-memory database.
func NewDuckDBStore(path string, logger *slog.Logger) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, NewStorageError("connect", "", fmt.Errorf("open duckdb at %q: %w", path, err))
	}

	// DuckDB is a single-writer engine; funnel all statements through one
	// connection so concurrent stream workers queue instead of erroring.
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDBStore{
		db:     db,
		logger: logger.With("component", "duckdb_store"),
		now:    time.Now,
	}, nil
}

// SetClock overrides the store clock. Test hook.
func (d *DuckDBStore) SetClock(now func() time.Time) { d.now = now }

// Initialize implements CandleStore.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, duckCreateCandlesTable); err != nil {
		return NewStorageError("initialize", "", err)
	}
	d.logger.Info("duckdb storage initialized")
	return nil
}

// Upsert implements CandleStore.
func (d *DuckDBStore) Upsert(ctx context.Context, candles []models.Candle, reviseLast bool) (int, error) {
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

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewStorageError("upsert", streamKey, fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for i := range candles {
		c := candles[i]
		stmt := duckInsertCandle
		if i == revisable {
			stmt = duckReviseCandle
		}

		res, err := tx.ExecContext(ctx, stmt,
			c.Symbol, string(c.Timeframe), c.Timestamp.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume,
		)
		if err != nil {
			return 0, NewStorageError("upsert", streamKey, err)
		}
		if i != revisable {
			n, err := res.RowsAffected()
			if err != nil {
				return 0, NewStorageError("upsert", streamKey, err)
			}
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewStorageError("upsert", streamKey, fmt.Errorf("commit transaction: %w", err))
	}

	return inserted, nil
}

// LatestTimestamp implements CandleStore.
func (d *DuckDBStore) LatestTimestamp(ctx context.Context, stream models.Stream) (time.Time, bool, error) {
	var ts time.Time
	err := d.db.QueryRowContext(ctx, duckLatestTimestamp, stream.Symbol, string(stream.Timeframe)).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, NewStorageError("latest_timestamp", stream.Key(), err)
	}
	return ts.UTC(), true, nil
}

// CountInWindow implements CandleStore.
func (d *DuckDBStore) CountInWindow(ctx context.Context, stream models.Stream, start, end time.Time) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, duckCountInWindow,
		stream.Symbol, string(stream.Timeframe), start.UTC(), end.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, NewStorageError("count_in_window", stream.Key(), err)
	}
	return count, nil
}

// Timestamps implements CandleStore.
func (d *DuckDBStore) Timestamps(ctx context.Context, stream models.Stream, start, end time.Time) ([]time.Time, error) {
	rows, err := d.db.QueryContext(ctx, duckTimestamps,
		stream.Symbol, string(stream.Timeframe), start.UTC(), end.UTC(),
	)
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
func (d *DuckDBStore) TrimRetention(ctx context.Context, stream models.Stream, policy RetentionPolicy) (int, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	removed := 0
	if policy.MaxAge > 0 {
		cutoff := d.now().Add(-policy.MaxAge).UTC()
		res, err := d.db.ExecContext(ctx, duckTrimByAge, stream.Symbol, string(stream.Timeframe), cutoff)
		if err != nil {
			return removed, NewStorageError("trim_retention", stream.Key(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, NewStorageError("trim_retention", stream.Key(), err)
		}
		removed += int(n)
	}
	if policy.MaxRows > 0 {
		res, err := d.db.ExecContext(ctx, duckTrimByCount, stream.Symbol, string(stream.Timeframe), policy.MaxRows)
		if err != nil {
			return removed, NewStorageError("trim_retention", stream.Key(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, NewStorageError("trim_retention", stream.Key(), err)
		}
		removed += int(n)
	}

	return removed, nil
}

// RefreshDerived implements CandleStore.
func (d *DuckDBStore) RefreshDerived(ctx context.Context, base models.Stream, derived []models.Timeframe, window models.TimeRange) error {
	if window.IsZero() {
		return nil
	}

	for _, tf := range derived {
		cadence, err := tf.Cadence()
		if err != nil {
			return NewStorageError("refresh_derived", base.Key(), err)
		}

		span := derivedWindow(window, cadence, d.now())
		if span.IsZero() {
			continue
		}
		_, err = d.db.ExecContext(ctx, duckRefreshDerived,
			base.Symbol, string(tf), int64(cadence/time.Second),
			string(base.Timeframe), span.Start.UTC(), span.End.UTC(),
		)
		if err != nil {
			return NewStorageError("refresh_derived", base.Key(), err)
		}
	}

	return nil
}

// HealthCheck implements CandleStore.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

// Close implements CandleStore.
func (d *DuckDBStore) Close() error {
	return d.db.Close()
}
