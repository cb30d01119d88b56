package config

import "time"

// Config is the root configuration for a syncd instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	API       APIConfig       `yaml:"api"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	Stream    StreamConfig    `yaml:"stream"`
	Network   NetworkConfig   `yaml:"network"`
	Poller    PollerConfig    `yaml:"poller"`
	Database  DatabaseConfig  `yaml:"database"`
	Writers   WritersConfig   `yaml:"writers"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds venue endpoint settings.
type APIConfig struct {
	RestURL string        `yaml:"rest_url"`
	WSURL   string        `yaml:"ws_url"`
	Timeout time.Duration `yaml:"timeout"`
	User    string        `yaml:"user"` // Account address for account snapshots and user channels
}

// CacheConfig holds cache store settings.
type CacheConfig struct {
	MaxSize       int           `yaml:"max_size"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StreamTTL     time.Duration `yaml:"stream_ttl"` // TTL for entries written from stream frames
}

// RateLimitConfig bounds outbound REST requests.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// RetryConfig is the REST retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// StreamConfig holds stream connection settings.
type StreamConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	BufferSize           int           `yaml:"buffer_size"`
	Subscriptions        []string      `yaml:"subscriptions"` // e.g. "allMids", "trades:BTC"
}

// NetworkConfig holds network monitor settings.
type NetworkConfig struct {
	ProbeURL       string        `yaml:"probe_url"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ExcellentBelow time.Duration `yaml:"excellent_below"`
	GoodBelow      time.Duration `yaml:"good_below"`
	WatchInterval  time.Duration `yaml:"watch_interval"` // Interface polling for the online/offline signal
}

// PollerConfig holds REST refresh settings.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	Coins       []string      `yaml:"coins"`
}

// DatabaseConfig holds the TimescaleDB connection used by the trade recorder.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// Enabled reports whether a recorder database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Timescale.Host != ""
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds the HTTP listener settings. The same listener serves
// the data and debug endpoints.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
