package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/domain/repository"
)

const snapshotColumns = "product_id, generated_at, best_bid, best_bid_qty, best_ask, best_ask_qty, mid, max_spread, " +
	"avg_1m, avg_5m, avg_15m, forecast, err_1m, err_5m, err_15m, reliable, integrity_faults, model_state, fit_quality"

const snapshotPlaceholders = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

// SnapshotSchema returns the DDL for the snapshot table.
func SnapshotSchema(database, table string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	product_id       LowCardinality(String),
	generated_at     DateTime64(3, 'UTC'),
	best_bid         Float64,
	best_bid_qty     Float64,
	best_ask         Float64,
	best_ask_qty     Float64,
	mid              Nullable(Float64),
	max_spread       Nullable(Float64),
	avg_1m           Nullable(Float64),
	avg_5m           Nullable(Float64),
	avg_15m          Nullable(Float64),
	forecast         Nullable(Float64),
	err_1m           Nullable(Float64),
	err_5m           Nullable(Float64),
	err_15m          Nullable(Float64),
	reliable         UInt8,
	integrity_faults UInt32,
	model_state      LowCardinality(String),
	fit_quality      Nullable(Float64)
) ENGINE = MergeTree
ORDER BY (product_id, generated_at)
TTL toDateTime(generated_at) + INTERVAL 30 DAY`, database, table),
	}
}

// ClickHouseSnapshotStore implements Storage for ClickHouse.
type ClickHouseSnapshotStore struct {
	db       *sql.DB
	database string
	table    string
}

// NewClickHouseSnapshotStore creates ClickHouse storage.
func NewClickHouseSnapshotStore(db *sql.DB, database, table string) repository.Storage {
	return &ClickHouseSnapshotStore{db: db, database: database, table: table}
}

func (s *ClickHouseSnapshotStore) qualified() string { return s.database + "." + s.table }

func (s *ClickHouseSnapshotStore) Init(ctx context.Context) error {
	for _, stmt := range SnapshotSchema(s.database, s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init snapshot schema: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseSnapshotStore) Store(ctx context.Context, snap *models.StatsSnapshot) error {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.qualified(), snapshotColumns, snapshotPlaceholders)
	_, err := s.db.ExecContext(ctx, q, snapshotRow(snap)...)
	return err
}

func (s *ClickHouseSnapshotStore) StoreBatch(ctx context.Context, snaps []*models.StatsSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	// multi-row VALUES in chunks to bound statement size
	const chunkSize = 500
	for start := 0; start < len(snaps); start += chunkSize {
		end := min(start+chunkSize, len(snaps))

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*19)
		for _, snap := range snaps[start:end] {
			if snap == nil || snap.ProductID == "" {
				continue
			}
			values = append(values, snapshotPlaceholders)
			args = append(args, snapshotRow(snap)...)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.qualified(), snapshotColumns, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *ClickHouseSnapshotStore) Query(ctx context.Context, productID string, from, to time.Time, limit int) ([]models.HistoryPoint, error) {
	q := fmt.Sprintf(`SELECT product_id, generated_at, best_bid, best_ask, mid, max_spread, avg_1m, avg_5m, avg_15m, forecast, reliable
FROM %s WHERE product_id = ? AND generated_at >= ? AND generated_at <= ? ORDER BY generated_at DESC LIMIT ?`, s.qualified())
	rows, err := s.db.QueryContext(ctx, q, productID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.HistoryPoint
	for rows.Next() {
		var (
			p                                  models.HistoryPoint
			mid, spread, a1, a5, a15, forecast sql.NullFloat64
			reliable                           uint8
		)
		if err := rows.Scan(&p.ProductID, &p.GeneratedAt, &p.BestBid, &p.BestAsk,
			&mid, &spread, &a1, &a5, &a15, &forecast, &reliable); err != nil {
			return nil, err
		}
		p.Mid, p.MaxSpread = nullable(mid), nullable(spread)
		p.Avg1m, p.Avg5m, p.Avg15m = nullable(a1), nullable(a5), nullable(a15)
		p.Forecast = nullable(forecast)
		p.Reliable = reliable == 1
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *ClickHouseSnapshotStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseSnapshotStore) Close() error {
	return nil // pool owned by pkg/clickhouse
}

// snapshotRow flattens a snapshot into insert arguments in column order.
func snapshotRow(s *models.StatsSnapshot) []interface{} {
	var bid, bidQty, ask, askQty float64
	if s.BestBid != nil {
		bid, bidQty = s.BestBid.Price, s.BestBid.Quantity
	}
	if s.BestAsk != nil {
		ask, askQty = s.BestAsk.Price, s.BestAsk.Quantity
	}
	var spread *float64
	if s.MaxSpread != nil {
		spread = &s.MaxSpread.Spread
	}
	var reliable uint8
	if s.Reliable {
		reliable = 1
	}
	return []interface{}{
		s.ProductID,
		s.GeneratedAt.UTC(),
		bid, bidQty, ask, askQty,
		nullArg(s.Mid),
		nullArg(spread),
		nullArg(windowAt(s.MidAverages, 60)),
		nullArg(windowAt(s.MidAverages, 300)),
		nullArg(windowAt(s.MidAverages, 900)),
		nullArg(s.Forecast),
		nullArg(windowAt(s.ForecastErrors, 60)),
		nullArg(windowAt(s.ForecastErrors, 300)),
		nullArg(windowAt(s.ForecastErrors, 900)),
		reliable,
		uint32(s.IntegrityFaults),
		s.Model.State.String(),
		nullArg(s.Model.FitQuality),
	}
}

func windowAt(ws []models.WindowValue, seconds int) *float64 {
	for _, w := range ws {
		if w.Seconds == seconds {
			return w.Value
		}
	}
	return nil
}

func nullArg(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
