package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the recorder tables. Each statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		tid         BIGINT      NOT NULL,
		coin        TEXT        NOT NULL,
		exchange_ts BIGINT      NOT NULL,
		received_at BIGINT      NOT NULL,
		side        BOOLEAN     NOT NULL,
		price       NUMERIC     NOT NULL,
		size        NUMERIC     NOT NULL,
		hash        TEXT        NOT NULL,
		session_id  TEXT        NOT NULL,
		PRIMARY KEY (coin, tid, exchange_ts)
	)`,
	`CREATE TABLE IF NOT EXISTS mids (
		coin        TEXT    NOT NULL,
		received_at BIGINT  NOT NULL,
		mid         NUMERIC NOT NULL,
		PRIMARY KEY (coin, received_at)
	)`,
}

// hypertables are converted when the timescaledb extension is present.
var hypertables = []struct {
	table  string
	column string
}{
	{"trades", "exchange_ts"},
	{"mids", "received_at"},
}

// EnsureSchema creates the recorder tables if they are missing and, when
// TimescaleDB is installed, turns them into hypertables.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	batch := &pgx.Batch{}
	for _, stmt := range schema {
		batch.Queue(stmt)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var timescale bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`,
	).Scan(&timescale)
	if err != nil {
		return fmt.Errorf("check timescaledb: %w", err)
	}
	if !timescale {
		return nil
	}

	for _, h := range hypertables {
		// Microsecond timestamps; one day per chunk.
		_, err := pool.Exec(ctx,
			`SELECT create_hypertable($1::regclass, $2::name, chunk_time_interval => 86400000000::bigint, if_not_exists => TRUE)`,
			h.table, h.column,
		)
		if err != nil {
			return fmt.Errorf("create hypertable %s: %w", h.table, err)
		}
	}
	return nil
}
