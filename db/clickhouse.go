// Package db persists relayed bars, and optionally ticks, to ClickHouse.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	barsTable  = "market_bars"
	ticksTable = "market_ticks"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS market_bars (
    market LowCardinality(String),
    symbol String,
    interval LowCardinality(String),
    start DateTime64(3, 'UTC'),
    open Float64,
    high Float64,
    low Float64,
    close Float64,
    volume Float64,
    vwap Float64,
    ticks UInt32,
    session LowCardinality(String),
    ext UInt8,
    provider LowCardinality(String),
    inserted_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (symbol, interval, start)
`, `
CREATE TABLE IF NOT EXISTS market_ticks (
    timestamp DateTime64(3, 'UTC'),
    market LowCardinality(String),
    symbol String,
    ltp Float64,
    size Float64,
    volume Nullable(Float64),
    change Float64,
    change_pct Float64,
    oi Nullable(Float64),
    provider LowCardinality(String)
) ENGINE = MergeTree()
ORDER BY (symbol, timestamp)
`}

type Options struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// ClickHouseDB writes row batches over the native protocol.
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB connects and creates the tables when missing.
func NewClickHouseDB(ctx context.Context, opts Options) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Protocol:    clickhouse.Native,
		Debug:       opts.Debug,
		DialTimeout: 10 * time.Second,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	db := &ClickHouseDB{conn: conn}
	if err := db.createTables(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *ClickHouseDB) createTables(ctx context.Context) error {
	for _, ddl := range schema {
		if err := db.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("clickhouse create table: %w", err)
		}
	}
	return nil
}

// Insert appends rows to table in one batch.
func (db *ClickHouseDB) Insert(ctx context.Context, table string, rows [][]any) error {
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			batch.Abort()
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", table, err)
	}
	return nil
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}
