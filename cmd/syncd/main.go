// syncd keeps a local cache of venue market and account data in sync over an
// unreliable network and serves it over HTTP.
//
// Usage:
//
//	syncd run --config configs/syncd.example.yaml
//	syncd probe --ws-url wss://api.hyperliquid.xyz/ws --duration 30s
//
// Variables in a .env file in the working directory are loaded before the
// config is read, so the YAML may reference them as ${VAR}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/rickgao/venuesync/internal/config"
	"github.com/rickgao/venuesync/internal/version"
)

func main() {
	app := &cli.App{
		Name:    "syncd",
		Usage:   "venue market data sync daemon",
		Version: version.String(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the sync daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "path to config file",
						Value:   "configs/syncd.example.yaml",
						EnvVars: []string{"SYNCD_CONFIG"},
					},
				},
				Action: runDaemon,
			},
			{
				Name:  "probe",
				Usage: "connect to the stream, subscribe to allMids and report latency",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "ws-url",
						Usage: "stream endpoint",
						Value: config.DefaultWSURL,
					},
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "how long to stay connected",
						Value: 30 * time.Second,
					},
					&cli.DurationFlag{
						Name:  "heartbeat",
						Usage: "ping interval",
						Value: 5 * time.Second,
					},
				},
				Action: runProbe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("syncd failed", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log config.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
