package writer

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/venuesync/internal/buffer"
	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/model"
)

const insertTrade = `
	INSERT INTO trades (tid, coin, exchange_ts, received_at, side, price, size, hash, session_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (coin, tid, exchange_ts) DO NOTHING`

// TradeWriter consumes received trades and writes them to the trades table.
type TradeWriter struct {
	*batcher[model.ReceivedTrade, tradeRow]
}

// NewTradeWriter creates a TradeWriter. clk drives the flush interval; nil
// means the real clock.
func NewTradeWriter(
	cfg Config,
	input *buffer.Growable[model.ReceivedTrade],
	db DB,
	clk clock.Clock,
	logger *slog.Logger,
) (*TradeWriter, error) {
	b, err := newBatcher("trades", cfg, input, db, clk, logger, transformTrade, queueTrade)
	if err != nil {
		return nil, err
	}
	return &TradeWriter{batcher: b}, nil
}

// transformTrade converts a received trade to a tradeRow.
func transformTrade(t model.ReceivedTrade) (tradeRow, error) {
	if t.Coin == "" {
		return tradeRow{}, fmt.Errorf("trade %d coin: %w", t.TID, ErrEmptyField)
	}
	price, err := toNumeric(t.Px)
	if err != nil {
		return tradeRow{}, fmt.Errorf("trade %d: %w", t.TID, err)
	}
	size, err := toNumeric(t.Sz)
	if err != nil {
		return tradeRow{}, fmt.Errorf("trade %d: %w", t.TID, err)
	}
	return tradeRow{
		TID:        t.TID,
		Coin:       t.Coin,
		ExchangeTs: t.Time * 1000,
		ReceivedAt: t.ReceivedAt.UnixMicro(),
		Side:       t.IsBuy(),
		Price:      price,
		Size:       size,
		Hash:       t.Hash,
		SessionID:  t.SessionID,
	}, nil
}

func queueTrade(b *pgx.Batch, r tradeRow) {
	b.Queue(insertTrade, r.TID, r.Coin, r.ExchangeTs, r.ReceivedAt, r.Side, r.Price, r.Size, r.Hash, r.SessionID)
}
