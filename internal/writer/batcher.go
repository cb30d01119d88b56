package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/venuesync/internal/buffer"
	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/metrics"
)

// batcher drains input, converts items to rows and inserts them in batches.
// The trade and mid writers differ only in table, conversion and statement.
type batcher[T, R any] struct {
	table  string
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	// Input from the stream bridge
	input *buffer.Growable[T]

	// Database
	db        DB
	transform func(T) (R, error)
	queue     func(b *pgx.Batch, row R)

	// Batching
	batch   []R
	batchMu sync.Mutex

	// Lifecycle
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// Metrics
	stats Stats
}

func newBatcher[T, R any](
	table string,
	cfg Config,
	input *buffer.Growable[T],
	db DB,
	clk clock.Clock,
	logger *slog.Logger,
	transform func(T) (R, error),
	queue func(*pgx.Batch, R),
) (*batcher[T, R], error) {
	if input == nil {
		return nil, ErrNilInput
	}
	if db == nil {
		return nil, ErrNilDB
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &batcher[T, R]{
		table:     table,
		cfg:       cfg,
		logger:    logger.With("component", "writer", "table", table),
		clock:     clock.OrReal(clk),
		input:     input,
		db:        db,
		transform: transform,
		queue:     queue,
		batch:     make([]R, 0, cfg.BatchSize),
	}, nil
}

// Start begins consuming items and writing to the database.
func (w *batcher[T, R]) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrRunning
	}
	w.running = true

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop(ctx)
	go w.flushLoop(ctx)

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the loops down, drains what is left in the input and writes a
// final batch using ctx.
func (w *batcher[T, R]) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer")

	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
		return ctx.Err()
	}

	for _, item := range w.input.DrainTo(0) {
		w.add(item)
	}
	err := w.flush(ctx)
	w.logger.Info("writer stopped")
	return err
}

// Stats returns current counters.
func (w *batcher[T, R]) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *batcher[T, R]) consumeLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		items, err := w.input.ReceiveBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			if !errors.Is(err, buffer.ErrClosed) && ctx.Err() == nil {
				w.logger.Warn("input receive failed", "error", err)
			}
			return
		}

		full := false
		for _, item := range items {
			full = w.add(item) || full
		}
		if full {
			w.flush(ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *batcher[T, R]) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	for clock.Sleep(w.clock, w.cfg.FlushInterval, ctx.Done()) {
		w.flush(ctx)
	}
}

// add transforms item and appends it to the batch. It reports whether the
// batch reached BatchSize.
func (w *batcher[T, R]) add(item T) bool {
	row, err := w.transform(item)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	if err != nil {
		w.stats.Rejected++
		w.logger.Debug("rejecting item", "error", err)
		return false
	}
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch to the database.
func (w *batcher[T, R]) flush(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]R, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		metrics.WriterErrors.WithLabelValues(w.table).Inc()
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return err
	}

	inserted := len(batch) - conflicts
	metrics.WriterInserts.WithLabelValues(w.table).Add(float64(inserted))

	w.batchMu.Lock()
	w.stats.Inserts += int64(inserted)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed batch",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *batcher[T, R]) batchInsert(ctx context.Context, rows []R) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		w.queue(batch, r)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
