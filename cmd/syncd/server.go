package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/venuesync/internal/cache"
	"github.com/rickgao/venuesync/internal/connection"
	"github.com/rickgao/venuesync/internal/feed"
	"github.com/rickgao/venuesync/internal/model"
	"github.com/rickgao/venuesync/internal/netmon"
	"github.com/rickgao/venuesync/internal/poller"
	"github.com/rickgao/venuesync/internal/version"
	"github.com/rickgao/venuesync/internal/writer"
)

const healthTimeout = 2 * time.Second

// Health states reported by /health.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

type streamStatus interface {
	Stats() connection.ManagerStats
}

type networkStatus interface {
	Status() netmon.Status
}

type venue interface {
	AllMids(ctx context.Context) (model.Mids, error)
	L2Book(ctx context.Context, coin string) (*model.L2Book, error)
	AccountState(ctx context.Context, user string) (*model.AccountState, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// server exposes health, debug and cached data over HTTP.
type server struct {
	store       *cache.Store[any]
	source      *feed.Source
	venue       venue
	stream      streamStatus
	network     networkStatus
	bridge      func() feed.BridgeStats
	poller      func() poller.Stats
	writers     map[string]func() writer.Stats
	db          pinger
	metricsPath string
	logger      *slog.Logger
}

func newServer(d *daemon) *server {
	s := &server{
		store:       d.store,
		source:      d.source,
		venue:       d.client,
		stream:      d.manager,
		network:     d.monitor,
		bridge:      d.bridge.Stats,
		poller:      d.poller.Stats,
		writers:     make(map[string]func() writer.Stats),
		metricsPath: d.cfg.Metrics.Path,
		logger:      d.logger.With("component", "http"),
	}
	if d.pool != nil {
		s.db = d.pool
		s.writers["trades"] = d.trades.Stats
		s.writers["mids"] = d.mids.Stats
	}
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /debug/cache", s.handleCache)
	mux.HandleFunc("GET /debug/stream", s.handleStream)
	mux.HandleFunc("GET /data/{key}", s.handleData)
	if s.metricsPath != "" {
		mux.Handle(s.metricsPath, promhttp.Handler())
	}
	return mux
}

// handleHealth reports component state. Only a failing database makes the
// instance unhealthy; a dropped stream or poor network is degraded since
// REST data is still served.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status     string         `json:"status"`
		Version    version.Info   `json:"version"`
		Components map[string]any `json:"components"`
	}{
		Status:     statusHealthy,
		Version:    version.Get(),
		Components: make(map[string]any),
	}

	stream := s.stream.Stats()
	health.Components["stream"] = map[string]any{
		"state":              stream.State,
		"latency":            stream.Latency.String(),
		"reconnect_attempts": stream.ReconnectAttempts,
	}
	if stream.State != connection.StateConnected {
		health.Status = statusDegraded
	}

	network := s.network.Status()
	health.Components["network"] = network
	if !network.Online || network.Quality == netmon.QualityPoor {
		health.Status = statusDegraded
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			health.Status = statusUnhealthy
			health.Components["timescaledb"] = map[string]string{
				"status": "error",
				"error":  err.Error(),
			}
		} else {
			health.Components["timescaledb"] = "connected"
		}
	}

	code := http.StatusOK
	if health.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *server) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": s.store.Stats(),
		"keys":  s.store.Keys(),
	})
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"stream": s.stream.Stats(),
		"bridge": s.bridge(),
		"poller": s.poller(),
	}
	if len(s.writers) > 0 {
		writers := make(map[string]writer.Stats, len(s.writers))
		for table, stats := range s.writers {
			writers[table] = stats()
		}
		resp["writers"] = writers
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleData returns the cached value for key. Keys the REST API can
// produce are fetched and cached on a miss.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var value any
	if fetch, opts, ok := s.fetcher(key); ok {
		v, err := s.source.Get(r.Context(), key, fetch, opts...)
		if err != nil {
			s.logger.Warn("read-through failed", "key", key, "error", err)
			writeError(w, http.StatusBadGateway, err)
			return
		}
		value = v
	} else {
		v, ok := s.store.Get(key)
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("no live entry for "+key))
			return
		}
		value = v
	}

	resp := map[string]any{"key": key, "value": value}
	if info, ok := s.store.Info(key); ok {
		resp["entry"] = info
	}
	writeJSON(w, http.StatusOK, resp)
}

// fetcher maps a cache key to the REST call that produces its value and
// the tags the stream would store it under.
func (s *server) fetcher(key string) (feed.FetchFunc, []cache.SetOption, bool) {
	if s.venue == nil {
		return nil, nil, false
	}
	if key == feed.MidsKey {
		fetch := func(ctx context.Context) (any, error) {
			return s.venue.AllMids(ctx)
		}
		return fetch, []cache.SetOption{cache.WithTags(feed.TagMarket)}, true
	}
	if coin, ok := strings.CutPrefix(key, feed.BookKey("")); ok && coin != "" {
		fetch := func(ctx context.Context) (any, error) {
			book, err := s.venue.L2Book(ctx, coin)
			if err != nil {
				return nil, err
			}
			return *book, nil
		}
		return fetch, []cache.SetOption{cache.WithTags(feed.TagBook, feed.CoinTag(coin))}, true
	}
	if user, ok := strings.CutPrefix(key, feed.ClearinghouseKey("")); ok && user != "" {
		fetch := func(ctx context.Context) (any, error) {
			return s.venue.AccountState(ctx, user)
		}
		return fetch, []cache.SetOption{cache.WithTags(feed.TagAccount, feed.UserTag(user))}, true
	}
	return nil, nil, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
