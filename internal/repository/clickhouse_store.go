package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/domain/repository"
	pkgch "CandleCast/pkg/clickhouse"
	applogger "CandleCast/pkg/logger"
)

// ClickHouseSchema uses ReplacingMergeTree for candles, so a redelivered interval
// collapses to its newest version under FINAL. Predictions are append-only and
// the first row written for an (issue, horizon) wins.
func ClickHouseSchema(database string) []string {
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.candles (
			symbol       LowCardinality(String),
			open_time    Int64,
			open         Float64,
			high         Float64,
			low          Float64,
			close        Float64,
			volume       Float64,
			trade_count  Int64,
			quote_volume Float64,
			updated_at   DateTime64(3)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (symbol, open_time)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.filter_states (
			symbol         LowCardinality(String),
			created_at     DateTime64(3),
			last_open_time Int64,
			state_json     String
		) ENGINE = MergeTree
		ORDER BY (symbol, created_at)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.predictions (
			symbol          LowCardinality(String),
			issued_at       Int64,
			horizon_minutes Int32,
			y_hat           Float64,
			pi68_lo         Float64,
			pi68_hi         Float64,
			pi95_lo         Float64,
			pi95_hi         Float64,
			created_at      DateTime64(3)
		) ENGINE = MergeTree
		ORDER BY (symbol, issued_at, horizon_minutes)`, database),
	}
}

// ClickHouseStore implements repository.Store for a shared ClickHouse server.
type ClickHouseStore struct {
	db       *sql.DB
	database string
	symbol   string
	interval models.Interval
	l        *applogger.Logger
}

func NewClickHouseStore(ctx context.Context, ch *pkgch.Client, symbol string, iv models.Interval, l *applogger.Logger) (*ClickHouseStore, error) {
	if err := ch.InitSchema(ctx, ClickHouseSchema(ch.Database())); err != nil {
		return nil, err
	}
	return newClickHouseStore(ch.DB(), ch.Database(), symbol, iv, l), nil
}

func newClickHouseStore(db *sql.DB, database, symbol string, iv models.Interval, l *applogger.Logger) *ClickHouseStore {
	return &ClickHouseStore{db: db, database: database, symbol: symbol, interval: iv, l: l}
}

var _ repository.Store = (*ClickHouseStore)(nil)

func (s *ClickHouseStore) table(name string) string { return s.database + "." + name }

func (s *ClickHouseStore) Upsert(ctx context.Context, c models.Candle) error {
	return s.UpsertBatch(ctx, []models.Candle{c})
}

// UpsertBatch uses the driver's prepared-batch path: one block per transaction.
func (s *ClickHouseStore) UpsertBatch(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (symbol, open_time, open, high, low, close, volume, trade_count, quote_volume, updated_at)`,
		s.table("candles")))
	if err != nil {
		return fmt.Errorf("prepare candles batch: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, s.symbol, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, c.QuoteVolume, now); err != nil {
			return fmt.Errorf("append candle %d: %w", c.OpenTime, err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.l.Error("clickhouse candle batch failed", applogger.Int("count", len(candles)), applogger.Error(err))
		return fmt.Errorf("commit candles batch: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) Latest(ctx context.Context) (int64, bool, error) {
	var n uint64
	var max int64
	q := fmt.Sprintf(`SELECT count(), max(open_time) FROM %s WHERE symbol = ?`, s.table("candles"))
	if err := s.db.QueryRowContext(ctx, q, s.symbol).Scan(&n, &max); err != nil {
		return 0, false, fmt.Errorf("latest open time: %w", err)
	}
	return max, n > 0, nil
}

func (s *ClickHouseStore) Count(ctx context.Context) (int64, error) {
	var n uint64
	q := fmt.Sprintf(`SELECT count() FROM %s FINAL WHERE symbol = ?`, s.table("candles"))
	if err := s.db.QueryRowContext(ctx, q, s.symbol).Scan(&n); err != nil {
		return 0, fmt.Errorf("count candles: %w", err)
	}
	return int64(n), nil
}

func (s *ClickHouseStore) ScanContinuity(ctx context.Context) ([]models.Gap, error) {
	q := fmt.Sprintf(`SELECT DISTINCT open_time FROM %s WHERE symbol = ? ORDER BY open_time`, s.table("candles"))
	rows, err := s.db.QueryContext(ctx, q, s.symbol)
	if err != nil {
		return nil, fmt.Errorf("scan continuity: %w", err)
	}
	defer rows.Close()

	var times []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan open time: %w", err)
		}
		times = append(times, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return models.FindGaps(s.interval, times), nil
}

func (s *ClickHouseStore) Recent(ctx context.Context, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`
		SELECT open_time, open, high, low, close, volume, trade_count, quote_volume FROM (
			SELECT * FROM %s FINAL WHERE symbol = ? ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC`, s.table("candles"))
	return s.queryCandles(ctx, q, s.symbol, limit)
}

func (s *ClickHouseStore) Range(ctx context.Context, from, to int64) ([]models.Candle, error) {
	q := fmt.Sprintf(`
		SELECT open_time, open, high, low, close, volume, trade_count, quote_volume
		FROM %s FINAL WHERE symbol = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC`, s.table("candles"))
	return s.queryCandles(ctx, q, s.symbol, from, to)
}

func (s *ClickHouseStore) queryCandles(ctx context.Context, q string, args ...interface{}) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse candle query failed", applogger.String("symbol", s.symbol), applogger.Error(err))
		return nil, fmt.Errorf("query candles: %w", err)
	}
	return scanCandles(rows)
}

func (s *ClickHouseStore) SaveState(ctx context.Context, st models.FilterState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (symbol, created_at, last_open_time, state_json) VALUES (?, ?, ?, ?)`, s.table("filter_states"))
	if _, err := s.db.ExecContext(ctx, q, s.symbol, time.Now().UTC(), st.LastOpenTime, string(b)); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) LatestState(ctx context.Context) (*models.FilterState, error) {
	var raw string
	q := fmt.Sprintf(`SELECT state_json FROM %s WHERE symbol = ? ORDER BY created_at DESC LIMIT 1`, s.table("filter_states"))
	err := s.db.QueryRowContext(ctx, q, s.symbol).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var st models.FilterState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// SavePredictions writes an issue once; a later set with the same issue time is
// dropped so already published rows never change.
func (s *ClickHouseStore) SavePredictions(ctx context.Context, set *models.PredictionSet) error {
	if set == nil || len(set.Horizons) == 0 {
		return nil
	}
	var n uint64
	q := fmt.Sprintf(`SELECT count() FROM %s WHERE symbol = ? AND issued_at = ?`, s.table("predictions"))
	if err := s.db.QueryRowContext(ctx, q, s.symbol, set.IssuedAt).Scan(&n); err != nil {
		return fmt.Errorf("check issue %d: %w", set.IssuedAt, err)
	}
	if n > 0 {
		s.l.Debug("prediction issue already stored", applogger.Int64("issued_at", set.IssuedAt))
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (symbol, issued_at, horizon_minutes, y_hat, pi68_lo, pi68_hi, pi95_lo, pi95_hi, created_at)`,
		s.table("predictions")))
	if err != nil {
		return fmt.Errorf("prepare predictions batch: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range set.Horizons {
		if _, err := stmt.ExecContext(ctx, s.symbol, p.IssuedAt, int32(p.HorizonMinutes), p.YHat, p.Lo68, p.Hi68, p.Lo95, p.Hi95, now); err != nil {
			return fmt.Errorf("append prediction: %w", err)
		}
	}
	return tx.Commit()
}

func (s *ClickHouseStore) LatestPredictions(ctx context.Context, issues int) ([]models.Prediction, error) {
	if issues <= 0 {
		issues = 1
	}
	// concurrent writers can race past the existence check; keep the first row
	q := fmt.Sprintf(`
		SELECT issued_at, horizon_minutes, y_hat, pi68_lo, pi68_hi, pi95_lo, pi95_hi FROM (
			SELECT * FROM %[1]s
			WHERE symbol = ? AND issued_at IN (
				SELECT DISTINCT issued_at FROM %[1]s WHERE symbol = ? ORDER BY issued_at DESC LIMIT ?
			)
			ORDER BY created_at ASC
			LIMIT 1 BY issued_at, horizon_minutes
		)
		ORDER BY issued_at DESC, horizon_minutes ASC`, s.table("predictions"))
	rows, err := s.db.QueryContext(ctx, q, s.symbol, s.symbol, issues)
	if err != nil {
		return nil, fmt.Errorf("latest predictions: %w", err)
	}
	defer rows.Close()

	var out []models.Prediction
	for rows.Next() {
		var p models.Prediction
		var h int32
		if err := rows.Scan(&p.IssuedAt, &h, &p.YHat, &p.Lo68, &p.Hi68, &p.Lo95, &p.Hi95); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		p.HorizonMinutes = int(h)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool is owned by pkg/clickhouse.Client.
func (s *ClickHouseStore) Close() error { return nil }
