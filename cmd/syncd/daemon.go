package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/venuesync/internal/api"
	"github.com/rickgao/venuesync/internal/buffer"
	"github.com/rickgao/venuesync/internal/cache"
	"github.com/rickgao/venuesync/internal/config"
	"github.com/rickgao/venuesync/internal/connection"
	"github.com/rickgao/venuesync/internal/database"
	"github.com/rickgao/venuesync/internal/feed"
	"github.com/rickgao/venuesync/internal/model"
	"github.com/rickgao/venuesync/internal/netmon"
	"github.com/rickgao/venuesync/internal/poller"
	"github.com/rickgao/venuesync/internal/ratelimit"
	"github.com/rickgao/venuesync/internal/retry"
	"github.com/rickgao/venuesync/internal/version"
	"github.com/rickgao/venuesync/internal/writer"
)

const (
	shutdownTimeout = 10 * time.Second
	queueCapacity   = 1024
)

// daemon holds every component of a running syncd instance.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *cache.Store[any]
	limiter  *ratelimit.Limiter
	monitor  *netmon.Monitor
	executor *retry.Executor
	client   *api.Client
	manager  *connection.Manager
	bridge   *feed.Bridge
	source   *feed.Source
	poller   *poller.Poller
	subs     []connection.Subscription

	// Recorder, nil unless a database is configured
	pool   *pgxpool.Pool
	trades *writer.TradeWriter
	mids   *writer.MidWriter
}

func runDaemon(cctx *cli.Context) error {
	cfg, err := config.LoadAndValidate(cctx.String("config"))
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	logger = logger.With("instance", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting syncd",
		"version", version.String(),
		"rest_url", cfg.API.RestURL,
		"ws_url", cfg.API.WSURL,
		"recorder", cfg.Database.Enabled(),
	)

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// newDaemon builds every component once and wires them together.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	subs, err := parseSubscriptions(cfg.Stream.Subscriptions, cfg.API.User)
	if err != nil {
		return nil, err
	}
	d.subs = subs

	d.store, err = cache.New[any](cache.Options{
		Name:          "venue",
		MaxSize:       cfg.Cache.MaxSize,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	d.limiter, err = ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, nil)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	probeClient := &http.Client{Timeout: cfg.Network.ProbeTimeout}
	d.monitor, err = netmon.New(netmon.Config{
		ProbeInterval:  cfg.Network.ProbeInterval,
		ProbeTimeout:   cfg.Network.ProbeTimeout,
		ExcellentBelow: cfg.Network.ExcellentBelow,
		GoodBelow:      cfg.Network.GoodBelow,
	}, netmon.HTTPProbe(probeClient, cfg.Network.ProbeURL), nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create network monitor: %w", err)
	}

	d.executor = retry.NewExecutor(
		retry.WithConnectivity(d.monitor),
		retry.WithRateLimiter(d.limiter),
		retry.WithLogger(logger),
	)
	d.client = api.NewClient(cfg.API.RestURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithLogger(logger),
		api.WithExecutor(d.executor),
		api.WithRateLimiter(d.limiter),
		api.WithPolicy(retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff: retry.Backoff{
				Base:       cfg.Retry.BaseDelay,
				Max:        cfg.Retry.MaxDelay,
				Multiplier: cfg.Retry.Multiplier,
				Jitter:     cfg.Retry.Jitter,
			},
			IsRetryable: retry.IsRetryable,
		}),
	)

	dial := connection.WebsocketDialer(connection.ClientConfig{
		URL:            cfg.API.WSURL,
		ConnectTimeout: cfg.Stream.ConnectTimeout,
		WriteTimeout:   cfg.Stream.WriteTimeout,
		BufferSize:     cfg.Stream.BufferSize,
	}, logger)
	d.manager, err = connection.NewManager(connection.ManagerConfig{
		ConnectTimeout:       cfg.Stream.ConnectTimeout,
		HeartbeatInterval:    cfg.Stream.HeartbeatInterval,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		Backoff: retry.Backoff{
			Base:       cfg.Stream.ReconnectBaseDelay,
			Max:        cfg.Stream.ReconnectMaxDelay,
			Multiplier: retry.DefaultMultiplier,
			Jitter:     retry.DefaultJitter,
		},
	}, dial, connection.WithNetwork(d.monitor), connection.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create stream manager: %w", err)
	}

	bridgeOpts := []feed.BridgeOption{feed.WithBridgeLogger(logger)}
	if cfg.Database.Enabled() {
		tradeQueue := buffer.New[model.ReceivedTrade](queueCapacity, cfg.Writers.BufferSize)
		midQueue := buffer.New[model.MidSample](queueCapacity, cfg.Writers.BufferSize)
		if err := d.openRecorder(ctx, tradeQueue, midQueue); err != nil {
			return nil, err
		}
		bridgeOpts = append(bridgeOpts, feed.WithTradeQueue(tradeQueue), feed.WithMidQueue(midQueue))
	}

	d.bridge, err = feed.NewBridge(d.manager, d.store, feed.BridgeConfig{TTL: cfg.Cache.StreamTTL}, bridgeOpts...)
	if err != nil {
		return nil, fmt.Errorf("create bridge: %w", err)
	}

	// The api client already retries, so the source does not wrap fetches.
	d.source, err = feed.NewSource(d.store,
		feed.WithFetchTimeout(cfg.Poller.Timeout),
		feed.WithSourceLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}

	d.poller, err = poller.New(poller.Config{
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
		Timeout:     cfg.Poller.Timeout,
		Coins:       cfg.Poller.Coins,
	}, d.client, d.source, poller.WithStream(d.manager), poller.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	return d, nil
}

// openRecorder connects to the database, creates the schema and builds the
// writers that drain the bridge queues.
func (d *daemon) openRecorder(
	ctx context.Context,
	tradeQueue *buffer.Growable[model.ReceivedTrade],
	midQueue *buffer.Growable[model.MidSample],
) error {
	pool, err := database.Connect(ctx, d.cfg.Database.Timescale)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("ensure schema: %w", err)
	}

	wcfg := writer.Config{
		BatchSize:     d.cfg.Writers.BatchSize,
		FlushInterval: d.cfg.Writers.FlushInterval,
	}
	trades, err := writer.NewTradeWriter(wcfg, tradeQueue, pool, nil, d.logger)
	if err != nil {
		pool.Close()
		return err
	}
	mids, err := writer.NewMidWriter(wcfg, midQueue, pool, nil, d.logger)
	if err != nil {
		pool.Close()
		return err
	}

	d.pool = pool
	d.trades = trades
	d.mids = mids
	d.logger.Info("recorder ready",
		"host", d.cfg.Database.Timescale.Host,
		"database", d.cfg.Database.Timescale.Name,
	)
	return nil
}

// run starts every component, serves HTTP until ctx is done, then shuts
// down in reverse order.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := d.start(gctx); err != nil {
		d.shutdown()
		return err
	}

	g.Go(func() error {
		d.monitor.Watch(gctx, d.cfg.Network.WatchInterval, netmon.InterfacesUp)
		return nil
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", d.cfg.Metrics.Port),
		Handler:           newServer(d).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		d.logger.Info("starting http server",
			"port", d.cfg.Metrics.Port,
			"health_url", fmt.Sprintf("http://localhost:%d/health", d.cfg.Metrics.Port),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	d.logger.Info("shutting down")
	d.shutdown()
	d.logger.Info("shutdown complete")
	return err
}

// start launches the background components. The stream is subscribed
// before it connects, so the first connect sends the whole set.
func (d *daemon) start(ctx context.Context) error {
	if err := d.store.Start(ctx); err != nil {
		return fmt.Errorf("start cache sweeper: %w", err)
	}
	if err := d.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start network monitor: %w", err)
	}

	if d.trades != nil {
		if err := d.trades.Start(ctx); err != nil {
			return fmt.Errorf("start trade writer: %w", err)
		}
		if err := d.mids.Start(ctx); err != nil {
			return fmt.Errorf("start mid writer: %w", err)
		}
	}

	if err := d.bridge.Start(d.subs); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	d.manager.OnExhausted(func(err error) {
		d.logger.Error("stream reconnection exhausted; serving REST data only", "error", err)
	})
	if err := d.manager.Connect(ctx); err != nil {
		// The manager keeps retrying in the background.
		d.logger.Warn("initial stream connect failed", "error", err)
	}

	if err := d.poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	return nil
}

// shutdown stops components in reverse dependency order. Writers stop after
// the bridge so their final flush sees every forwarded item.
func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.poller.Stop(ctx); err != nil {
		d.logger.Warn("poller stop", "error", err)
	}
	d.bridge.Stop()
	if err := d.manager.Close(); err != nil {
		d.logger.Warn("stream close", "error", err)
	}

	if d.trades != nil {
		if err := d.trades.Stop(ctx); err != nil {
			d.logger.Warn("trade writer stop", "error", err)
		}
		if err := d.mids.Stop(ctx); err != nil {
			d.logger.Warn("mid writer stop", "error", err)
		}
		d.pool.Close()
	}

	d.monitor.Stop()
	d.store.Stop()
}

// parseSubscriptions parses the configured short forms. User channels
// listed without an address are bound to user.
func parseSubscriptions(entries []string, user string) ([]connection.Subscription, error) {
	subs := make([]connection.Subscription, 0, len(entries))
	for _, s := range entries {
		sub, err := connection.ParseSubscription(s)
		if err != nil {
			return nil, err
		}
		if connection.IsUserChannel(sub.Type) && sub.Param("user") == "" {
			if user == "" {
				return nil, fmt.Errorf("subscription %q needs api.user", s)
			}
			sub = connection.NewSubscription(sub.Type, "user", user)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
