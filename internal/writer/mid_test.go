package writer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/venuesync/internal/buffer"
	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/model"
)

func TestTransformMid(t *testing.T) {
	row, err := transformMid(model.MidSample{Coin: "ETH", Mid: "2301.25", ReceivedAt: receivedAt})
	if err != nil {
		t.Fatalf("transformMid: %v", err)
	}
	if row.Coin != "ETH" {
		t.Errorf("Coin = %s, want ETH", row.Coin)
	}
	if row.ReceivedAt != receivedAt.UnixMicro() {
		t.Errorf("ReceivedAt = %d, want %d", row.ReceivedAt, receivedAt.UnixMicro())
	}
	mid, err := row.Mid.Float64Value()
	if err != nil || mid.Float64 != 2301.25 {
		t.Errorf("Mid = %v (%v), want 2301.25", mid.Float64, err)
	}

	if _, err := transformMid(model.MidSample{Mid: "1"}); !errors.Is(err, ErrEmptyField) {
		t.Errorf("empty coin error = %v, want ErrEmptyField", err)
	}
	if _, err := transformMid(model.MidSample{Coin: "ETH", Mid: "-3"}); !errors.Is(err, ErrBadPrice) {
		t.Errorf("negative mid error = %v, want ErrBadPrice", err)
	}
}

func TestMidWriter_Records(t *testing.T) {
	input := buffer.New[model.MidSample](16, 0)
	db := newFakeDB()

	w, err := NewMidWriter(Config{BatchSize: 3, FlushInterval: time.Hour}, input, db, clock.NewMock(receivedAt), nil)
	if err != nil {
		t.Fatalf("NewMidWriter: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, coin := range []string{"BTC", "ETH", "SOL"} {
		input.Send(model.MidSample{Coin: coin, Mid: "1.5", ReceivedAt: receivedAt})
	}
	waitFor(t, "batch", func() bool { return db.rows() == 3 })

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stats := w.Stats(); stats.Inserts != 3 || stats.Flushes != 1 {
		t.Errorf("Stats = %+v", stats)
	}
	if sql := db.batches[0][0].SQL; !strings.Contains(sql, "INSERT INTO mids") {
		t.Errorf("unexpected statement: %s", sql)
	}
}
