package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/domain/repository"
	applogger "CandleCast/pkg/logger"
	"CandleCast/pkg/sqlite"
)

// SQLiteSchema is the embedded-store layout. Candle rows are keyed by open time so
// redelivery of the same interval overwrites instead of duplicating.
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		open_time    INTEGER PRIMARY KEY,
		open         REAL    NOT NULL,
		high         REAL    NOT NULL,
		low          REAL    NOT NULL,
		close        REAL    NOT NULL,
		volume       REAL    NOT NULL,
		trade_count  INTEGER NOT NULL DEFAULT 0,
		quote_volume REAL    NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS filter_states (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		last_open_time INTEGER NOT NULL,
		state_json     TEXT    NOT NULL,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS predictions (
		issued_at       INTEGER NOT NULL,
		horizon_minutes INTEGER NOT NULL,
		y_hat           REAL    NOT NULL,
		pi68_lo         REAL    NOT NULL,
		pi68_hi         REAL    NOT NULL,
		pi95_lo         REAL    NOT NULL,
		pi95_hi         REAL    NOT NULL,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (issued_at, horizon_minutes)
	)`,
}

const upsertCandleSQL = `
	INSERT INTO candles (open_time, open, high, low, close, volume, trade_count, quote_volume, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(open_time) DO UPDATE SET
		open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close,
		volume = excluded.volume, trade_count = excluded.trade_count,
		quote_volume = excluded.quote_volume, updated_at = excluded.updated_at`

// SQLiteStore implements repository.Store on an embedded SQLite file.
type SQLiteStore struct {
	db       *sql.DB
	interval models.Interval
	logger   *applogger.Logger
	now      func() time.Time
}

// NewSQLiteStore creates the schema and returns the store.
func NewSQLiteStore(ctx context.Context, client *sqlite.Client, iv models.Interval, logger *applogger.Logger) (*SQLiteStore, error) {
	if err := client.InitSchema(ctx, SQLiteSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: client.DB(), interval: iv, logger: logger, now: time.Now}, nil
}

var _ repository.Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Upsert(ctx context.Context, c models.Candle) error {
	_, err := s.db.ExecContext(ctx, upsertCandleSQL,
		c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, c.QuoteVolume, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert candle %d: %w", c.OpenTime, err)
	}
	return nil
}

// UpsertBatch writes all candles in one transaction.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixMilli()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, c.QuoteVolume, now); err != nil {
			return fmt.Errorf("upsert candle %d: %w", c.OpenTime, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite batch upserted", applogger.Int("count", len(candles)))
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (int64, bool, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(open_time) FROM candles`).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("latest open time: %w", err)
	}
	return v.Int64, v.Valid, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count candles: %w", err)
	}
	return n, nil
}

// ScanContinuity reports every adjacent pair of stored candles further than one interval apart.
func (s *SQLiteStore) ScanContinuity(ctx context.Context) ([]models.Gap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prev, open_time FROM (
			SELECT open_time, LAG(open_time) OVER (ORDER BY open_time) AS prev FROM candles
		) WHERE prev IS NOT NULL AND open_time - prev <> ?
		ORDER BY open_time`, s.interval.Ms())
	if err != nil {
		return nil, fmt.Errorf("scan continuity: %w", err)
	}
	defer rows.Close()

	var gaps []models.Gap
	for rows.Next() {
		var g models.Gap
		if err := rows.Scan(&g.Prev, &g.Next); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		g.Missing = (g.Next-g.Prev)/s.interval.Ms() - 1
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, trade_count, quote_volume FROM (
			SELECT * FROM candles ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent candles: %w", err)
	}
	return scanCandles(rows)
}

func (s *SQLiteStore) Range(ctx context.Context, from, to int64) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, trade_count, quote_volume
		FROM candles WHERE open_time >= ? AND open_time < ? ORDER BY open_time ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("range candles: %w", err)
	}
	return scanCandles(rows)
}

func scanCandles(rows *sql.Rows) ([]models.Candle, error) {
	defer rows.Close()
	var out []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount, &c.QuoteVolume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveState(ctx context.Context, st models.FilterState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO filter_states (last_open_time, state_json, created_at) VALUES (?, ?, ?)`,
		st.LastOpenTime, string(b), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestState(ctx context.Context) (*models.FilterState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM filter_states ORDER BY id DESC LIMIT 1`).Scan(&raw)
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

func (s *SQLiteStore) SavePredictions(ctx context.Context, set *models.PredictionSet) error {
	if set == nil || len(set.Horizons) == 0 {
		return nil
	}
	values := make([]string, 0, len(set.Horizons))
	args := make([]interface{}, 0, len(set.Horizons)*8)
	now := s.now().UnixMilli()
	for _, p := range set.Horizons {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, p.IssuedAt, p.HorizonMinutes, p.YHat, p.Lo68, p.Hi68, p.Lo95, p.Hi95, now)
	}
	q := `INSERT INTO predictions (issued_at, horizon_minutes, y_hat, pi68_lo, pi68_hi, pi95_lo, pi95_hi, created_at)
		VALUES ` + strings.Join(values, ",") + `
		ON CONFLICT(issued_at, horizon_minutes) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("save predictions: %w", err)
	}
	return nil
}

// LatestPredictions returns every horizon of the newest issues, newest issue first.
func (s *SQLiteStore) LatestPredictions(ctx context.Context, issues int) ([]models.Prediction, error) {
	if issues <= 0 {
		issues = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT issued_at, horizon_minutes, y_hat, pi68_lo, pi68_hi, pi95_lo, pi95_hi
		FROM predictions
		WHERE issued_at IN (SELECT DISTINCT issued_at FROM predictions ORDER BY issued_at DESC LIMIT ?)
		ORDER BY issued_at DESC, horizon_minutes ASC`, issues)
	if err != nil {
		return nil, fmt.Errorf("latest predictions: %w", err)
	}
	defer rows.Close()

	var out []models.Prediction
	for rows.Next() {
		var p models.Prediction
		if err := rows.Scan(&p.IssuedAt, &p.HorizonMinutes, &p.YHat, &p.Lo68, &p.Hi68, &p.Lo95, &p.Hi95); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
