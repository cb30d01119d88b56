package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "https://api.hyperliquid.xyz"
	DefaultWSURL                = "wss://api.hyperliquid.xyz/ws"
	DefaultAPITimeout           = 10 * time.Second
	DefaultCacheMaxSize         = 1000
	DefaultCacheTTL             = 5 * time.Minute
	DefaultSweepInterval        = 30 * time.Second
	DefaultStreamTTL            = time.Minute
	DefaultRateLimitRequests    = 100
	DefaultRateLimitWindow      = time.Minute
	DefaultRetryAttempts        = 3
	DefaultRetryBaseDelay       = 1 * time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultRetryMultiplier      = 2.0
	DefaultRetryJitter          = 0.25
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultStreamBufferSize     = 10000
	DefaultProbeInterval        = 30 * time.Second
	DefaultProbeTimeout         = 5 * time.Second
	DefaultExcellentBelow       = 100 * time.Millisecond
	DefaultGoodBelow            = 300 * time.Millisecond
	DefaultWatchInterval        = 5 * time.Second
	DefaultPollInterval         = time.Minute
	DefaultPollTimeout          = 10 * time.Second
	DefaultPollConcurrency      = 4
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultBatchSize            = 1000
	DefaultFlushInterval        = 1 * time.Second
	DefaultBufferSize           = 10000
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// DefaultSubscriptions is used when stream.subscriptions is empty.
var DefaultSubscriptions = []string{"allMids"}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued optional field.
func (c *Config) ApplyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}

	// Cache defaults
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = DefaultCacheMaxSize
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = DefaultCacheTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultSweepInterval
	}
	if c.Cache.StreamTTL == 0 {
		c.Cache.StreamTTL = DefaultStreamTTL
	}

	// Rate limit defaults
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = DefaultRateLimitRequests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
	}

	// Retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = DefaultRetryMultiplier
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = DefaultRetryJitter
	}

	// Stream defaults
	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = DefaultStreamBufferSize
	}
	if len(c.Stream.Subscriptions) == 0 {
		c.Stream.Subscriptions = append([]string(nil), DefaultSubscriptions...)
	}

	// Network defaults
	if c.Network.ProbeURL == "" {
		c.Network.ProbeURL = c.API.RestURL + "/info"
	}
	if c.Network.ProbeInterval == 0 {
		c.Network.ProbeInterval = DefaultProbeInterval
	}
	if c.Network.ProbeTimeout == 0 {
		c.Network.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Network.ExcellentBelow == 0 {
		c.Network.ExcellentBelow = DefaultExcellentBelow
	}
	if c.Network.GoodBelow == 0 {
		c.Network.GoodBelow = DefaultGoodBelow
	}
	if c.Network.WatchInterval == 0 {
		c.Network.WatchInterval = DefaultWatchInterval
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}

	// Database defaults
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database.Timescale)
	}

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
