package writer

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/venuesync/internal/buffer"
	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/model"
)

const insertMid = `
	INSERT INTO mids (coin, received_at, mid)
	VALUES ($1, $2, $3)
	ON CONFLICT (coin, received_at) DO NOTHING`

// MidWriter consumes mid samples and writes them to the mids table.
type MidWriter struct {
	*batcher[model.MidSample, midRow]
}

// NewMidWriter creates a MidWriter.
func NewMidWriter(
	cfg Config,
	input *buffer.Growable[model.MidSample],
	db DB,
	clk clock.Clock,
	logger *slog.Logger,
) (*MidWriter, error) {
	b, err := newBatcher("mids", cfg, input, db, clk, logger, transformMid, queueMid)
	if err != nil {
		return nil, err
	}
	return &MidWriter{batcher: b}, nil
}

func transformMid(s model.MidSample) (midRow, error) {
	if s.Coin == "" {
		return midRow{}, fmt.Errorf("mid coin: %w", ErrEmptyField)
	}
	mid, err := toNumeric(s.Mid)
	if err != nil {
		return midRow{}, fmt.Errorf("mid %s: %w", s.Coin, err)
	}
	return midRow{
		Coin:       s.Coin,
		ReceivedAt: s.ReceivedAt.UnixMicro(),
		Mid:        mid,
	}, nil
}

func queueMid(b *pgx.Batch, r midRow) {
	b.Queue(insertMid, r.Coin, r.ReceivedAt, r.Mid)
}
