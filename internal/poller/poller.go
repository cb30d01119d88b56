package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/venuesync/internal/cache"
	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/connection"
	"github.com/rickgao/venuesync/internal/feed"
	"github.com/rickgao/venuesync/internal/metrics"
	"github.com/rickgao/venuesync/internal/model"
)

// Errors
var (
	ErrNilFetcher = errors.New("poller: fetcher is required")
	ErrNilSource  = errors.New("poller: source is required")
	ErrRunning    = errors.New("poller: already running")
)

// Fetcher is the part of api.Client the poller reads from.
type Fetcher interface {
	AllMids(ctx context.Context) (model.Mids, error)
	L2Book(ctx context.Context, coin string) (*model.L2Book, error)
}

// StreamState reports the stream connection state.
type StreamState interface {
	State() connection.State
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 1m)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
	TTL         time.Duration // TTL of refreshed entries (0 = store default)
	Coins       []string      // Coins whose books are refreshed
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Stats counts refresh outcomes since the poller was created.
type Stats struct {
	Cycles    int64     `json:"cycles"`
	Refreshed int64     `json:"refreshed"`
	Skipped   int64     `json:"skipped"`
	Errors    int64     `json:"errors"`
	LastCycle time.Time `json:"last_cycle,omitzero"`
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock sets the clock driving the poll interval.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStream lets the poller skip entries the stream is keeping fresh.
func WithStream(s StreamState) Option {
	return func(p *Poller) {
		p.stream = s
	}
}

// Poller periodically refreshes cache entries from the REST API.
type Poller struct {
	cfg     Config
	fetcher Fetcher
	source  *feed.Source
	stream  StreamState
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	cycles    atomic.Int64
	refreshed atomic.Int64
	skipped   atomic.Int64
	failures  atomic.Int64
	lastCycle atomic.Int64 // UnixNano of the last completed cycle
}

// New creates a Poller.
func New(cfg Config, fetcher Fetcher, source *feed.Source, opts ...Option) (*Poller, error) {
	if fetcher == nil {
		return nil, ErrNilFetcher
	}
	if source == nil {
		return nil, ErrNilSource
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	p := &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		source:  source,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.OrReal(p.clock)
	p.logger = p.logger.With("component", "poller")
	return p, nil
}

// Start begins the polling loop. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrRunning
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
		"coins", len(p.cfg.Coins),
	)
	return nil
}

// Stop cancels the loop and waits for the running cycle to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns refresh counters.
func (p *Poller) Stats() Stats {
	s := Stats{
		Cycles:    p.cycles.Load(),
		Refreshed: p.refreshed.Load(),
		Skipped:   p.skipped.Load(),
		Errors:    p.failures.Load(),
	}
	if ns := p.lastCycle.Load(); ns != 0 {
		s.LastCycle = time.Unix(0, ns).UTC()
	}
	return s
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		p.PollOnce(ctx)
		if !clock.Sleep(p.clock, p.cfg.Interval, ctx.Done()) {
			return
		}
	}
}

type refreshJob struct {
	key   string
	fetch feed.FetchFunc
	tags  []string
}

// PollOnce runs one refresh cycle and returns the joined refresh errors.
func (p *Poller) PollOnce(ctx context.Context) error {
	start := time.Now()

	jobs := make([]refreshJob, 0, len(p.cfg.Coins)+1)
	jobs = append(jobs, refreshJob{
		key: feed.MidsKey,
		fetch: func(ctx context.Context) (any, error) {
			return p.fetcher.AllMids(ctx)
		},
		tags: []string{feed.TagMarket},
	})
	for _, coin := range p.cfg.Coins {
		jobs = append(jobs, refreshJob{
			key: feed.BookKey(coin),
			fetch: func(ctx context.Context) (any, error) {
				book, err := p.fetcher.L2Book(ctx, coin)
				if err != nil {
					return nil, err
				}
				return *book, nil
			},
			tags: []string{feed.TagBook, feed.CoinTag(coin)},
		})
	}

	streaming := p.stream != nil && p.stream.State() == connection.StateConnected

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if streaming {
			if _, live := p.source.Store().Peek(job.key); live {
				p.skipped.Add(1)
				metrics.PollerRefreshes.WithLabelValues("skipped").Inc()
				continue
			}
		}
		g.Go(func() error {
			if err := p.refresh(ctx, job); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.cycles.Add(1)
	p.lastCycle.Store(p.clock.Now().UnixNano())
	metrics.PollerCycleDuration.Observe(time.Since(start).Seconds())

	p.logger.Debug("poll cycle complete",
		"jobs", len(jobs),
		"errors", len(errs),
		"streaming", streaming,
		"duration", time.Since(start),
	)
	return errors.Join(errs...)
}

func (p *Poller) refresh(ctx context.Context, job refreshJob) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	_, err := p.source.Refresh(ctx, job.key, job.fetch,
		cache.WithTTL(p.cfg.TTL),
		cache.WithTags(job.tags...),
	)
	if err != nil {
		p.failures.Add(1)
		metrics.PollerRefreshes.WithLabelValues("error").Inc()
		p.logger.Warn("refresh failed", "key", job.key, "error", err)
		return fmt.Errorf("refresh %s: %w", job.key, err)
	}
	p.refreshed.Add(1)
	metrics.PollerRefreshes.WithLabelValues("ok").Inc()
	return nil
}
