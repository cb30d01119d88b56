package writer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rickgao/venuesync/internal/model"
)

// Errors
var (
	ErrNilDB      = errors.New("writer: database is required")
	ErrNilInput   = errors.New("writer: input buffer is required")
	ErrRunning    = errors.New("writer: already running")
	ErrBadPrice   = errors.New("price must be a finite non-negative decimal")
	ErrEmptyField = errors.New("required field is empty")
)

// DB is the part of pgxpool.Pool the writers use.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config controls batching.
type Config struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// Stats tracks writer activity.
type Stats struct {
	Inserts   int64 `json:"inserts"`   // Rows inserted
	Conflicts int64 `json:"conflicts"` // Rows skipped as duplicates
	Errors    int64 `json:"errors"`    // Failed batch inserts
	Rejected  int64 `json:"rejected"`  // Items that could not be converted to rows
	Flushes   int64 `json:"flushes"`   // Successful batch inserts
}

// tradeRow represents a row to be inserted into the trades table.
type tradeRow struct {
	TID        int64
	Coin       string
	ExchangeTs int64 // Microseconds
	ReceivedAt int64 // Microseconds
	Side       bool  // TRUE = taker bought
	Price      pgtype.Numeric
	Size       pgtype.Numeric
	Hash       string
	SessionID  string
}

// midRow represents a row for the mids table.
type midRow struct {
	Coin       string
	ReceivedAt int64 // Microseconds
	Mid        pgtype.Numeric
}

// toNumeric converts a venue decimal string to NUMERIC.
func toNumeric(s string) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	f, err := model.ParsePrice(s)
	if err != nil {
		return n, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return n, fmt.Errorf("%w: %q", ErrBadPrice, s)
	}
	if err := n.Scan(s); err != nil {
		return n, fmt.Errorf("numeric %q: %w", s, err)
	}
	return n, nil
}
