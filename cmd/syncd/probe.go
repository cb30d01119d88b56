package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/venuesync/internal/connection"
	"github.com/rickgao/venuesync/internal/feed"
)

// probeReport summarizes one probe run.
type probeReport struct {
	frames    atomic.Int64
	pongs     atomic.Int64
	latencyNs atomic.Int64 // Most recent heartbeat round trip
	minNs     atomic.Int64
	maxNs     atomic.Int64
}

func (p *probeReport) observe(d time.Duration) {
	ns := int64(d)
	p.pongs.Add(1)
	p.latencyNs.Store(ns)
	for {
		cur := p.minNs.Load()
		if cur != 0 && cur <= ns {
			break
		}
		if p.minNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := p.maxNs.Load()
		if cur >= ns {
			break
		}
		if p.maxNs.CompareAndSwap(cur, ns) {
			break
		}
	}
}

func runProbe(cctx *cli.Context) error {
	wsURL := cctx.String("ws-url")
	duration := cctx.Duration("duration")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = wsURL
	mgrCfg := connection.DefaultManagerConfig()
	mgrCfg.HeartbeatInterval = cctx.Duration("heartbeat")

	mgr, err := connection.NewManager(mgrCfg, connection.WebsocketDialer(clientCfg, logger), connection.WithLogger(logger))
	if err != nil {
		return err
	}
	defer mgr.Close()

	var report probeReport
	mgr.Handle(feed.ChannelAllMids, func(connection.Message) {
		report.frames.Add(1)
	})
	mgr.OnLatency(report.observe)
	mgr.OnStateChange(func(from, to connection.State) {
		fmt.Printf("%s  state %s -> %s\n", time.Now().Format(time.TimeOnly), from, to)
	})

	if err := mgr.Subscribe(connection.NewSubscription(feed.ChannelAllMids)); err != nil {
		return err
	}

	start := time.Now()
	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	fmt.Printf("connected to %s in %s, probing for %s\n", wsURL, time.Since(start).Round(time.Millisecond), duration)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			printProbeReport(&report, mgr.Stats(), time.Since(start))
			return nil
		case <-ticker.C:
			fmt.Printf("%s  frames=%d latency=%s\n",
				time.Now().Format(time.TimeOnly),
				report.frames.Load(),
				time.Duration(report.latencyNs.Load()),
			)
		}
	}
}

func printProbeReport(r *probeReport, stats connection.ManagerStats, elapsed time.Duration) {
	frames := r.frames.Load()
	fmt.Println("---")
	fmt.Printf("elapsed:       %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("allMids:       %d frames (%.1f/s)\n", frames, float64(frames)/elapsed.Seconds())
	fmt.Printf("all frames:    %d\n", stats.MessagesReceived)
	fmt.Printf("heartbeats:    %d\n", r.pongs.Load())
	fmt.Printf("latency:       last %s, min %s, max %s\n",
		time.Duration(r.latencyNs.Load()),
		time.Duration(r.minNs.Load()),
		time.Duration(r.maxNs.Load()),
	)
	fmt.Printf("reconnects:    %d\n", stats.Reconnects)
	fmt.Printf("proto errors:  %d\n", stats.ProtocolErrors)
}
