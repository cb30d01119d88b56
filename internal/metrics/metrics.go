package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "venuesync"

// Cache metrics, labelled by cache name.
var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Total number of cache lookups that returned a live entry",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of cache lookups that found no live entry",
	}, []string{"cache"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Total number of entries evicted to stay under the size cap",
	}, []string{"cache"})

	CacheExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_expirations_total",
		Help:      "Total number of entries removed because their TTL elapsed",
	}, []string{"cache"})

	CacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Current number of entries held by the cache",
	}, []string{"cache"})
)

// Stream metrics.
var (
	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_state",
		Help:      "Current stream connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closing)",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnect_attempts_total",
		Help:      "Total number of reconnection attempts",
	})

	StreamExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnect_exhausted_total",
		Help:      "Total number of times reconnection gave up",
	})

	StreamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_messages_total",
		Help:      "Total number of data frames received, by channel",
	}, []string{"channel"})

	StreamProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_protocol_errors_total",
		Help:      "Total number of malformed or unexpected frames dropped",
	})

	StreamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_dropped_frames_total",
		Help:      "Total number of frames dropped because the read buffer was full",
	})

	StreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stream_heartbeat_latency_seconds",
		Help:      "Round-trip time between ping and pong",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

// Retry and rate limit metrics.
var (
	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_attempts_total",
		Help:      "Total number of retried operation attempts",
	})

	RetryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_exhausted_total",
		Help:      "Total number of operations that ran out of attempts",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Total number of requests pre-empted or rejected by rate limiting",
	})

	RESTRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rest_requests_total",
		Help:      "Total number of REST requests, by outcome",
	}, []string{"outcome"})
)

// Network metrics.
var (
	NetworkQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_quality",
		Help:      "Current network quality (0=offline 1=poor 2=good 3=excellent)",
	})

	ProbeRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "network_probe_rtt_seconds",
		Help:      "Round-trip time of network quality probes",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

// Writer metrics.
var (
	WriterInserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "writer_inserts_total",
		Help:      "Total number of rows inserted, by table",
	}, []string{"table"})

	WriterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "writer_errors_total",
		Help:      "Total number of failed batch inserts, by table",
	}, []string{"table"})
)

// Poller metrics.
var (
	PollerRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poller_refreshes_total",
		Help:      "Total number of poller key refreshes, by outcome (ok, error, skipped)",
	}, []string{"outcome"})

	PollerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poller_cycle_duration_seconds",
		Help:      "Wall time of one poll cycle",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
