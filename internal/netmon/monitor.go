// Package netmon tracks connectivity and classifies connection quality from
// the round-trip time of a lightweight periodic probe.
//
// Only the host connectivity signal (SetOnline) can declare the network
// offline. A failed probe while online degrades quality to poor.
package netmon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/metrics"
)

// Quality buckets derived from probe round-trip time.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

// String returns a human-readable quality name.
func (q Quality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// Status is the observable network state.
type Status struct {
	Online    bool          `json:"online"`
	Quality   Quality       `json:"quality"`
	RTT       time.Duration `json:"rtt"`
	LastProbe time.Time     `json:"last_probe,omitzero"`
}

func (s Status) sameState(o Status) bool {
	return s.Online == o.Online && s.Quality == o.Quality
}

// ProbeFunc performs one lightweight round trip. Its duration is the RTT.
type ProbeFunc func(ctx context.Context) error

// Config configures a Monitor.
type Config struct {
	ProbeInterval  time.Duration // Period between probes while online
	ProbeTimeout   time.Duration // Deadline for a single probe
	ExcellentBelow time.Duration // RTT below this is excellent
	GoodBelow      time.Duration // RTT below this is good, otherwise poor
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
		ExcellentBelow: 100 * time.Millisecond,
		GoodBelow:      300 * time.Millisecond,
	}
}

// Errors
var (
	ErrNilProbe          = errors.New("netmon: probe func is required")
	ErrInvalidThresholds = errors.New("netmon: thresholds must satisfy 0 < excellent_below <= good_below")
)

// Monitor tracks online/offline transitions and connection quality.
type Monitor struct {
	cfg    Config
	probe  ProbeFunc
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	status       Status
	lastNotified Status
	subs         []subscriber // Registration order
	nextSubID    uint64

	// Serializes notifications so subscribers see transitions in order.
	notifyMu sync.Mutex
	// Serializes probes.
	probeMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Monitor. The network is assumed online until told otherwise.
func New(cfg Config, probe ProbeFunc, clk clock.Clock, logger *slog.Logger) (*Monitor, error) {
	if probe == nil {
		return nil, ErrNilProbe
	}
	if cfg.ExcellentBelow <= 0 || cfg.GoodBelow < cfg.ExcellentBelow {
		return nil, ErrInvalidThresholds
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	initial := Status{Online: true, Quality: QualityGood}
	return &Monitor{
		cfg:          cfg,
		probe:        probe,
		clock:        clock.OrReal(clk),
		logger:       logger.With("component", "netmon"),
		status:       initial,
		lastNotified: initial,
	}, nil
}

// Status returns the current network status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOnline reports the host connectivity signal.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Online
}

type subscriber struct {
	id uint64
	fn func(Status)
}

// Subscribe registers fn for status changes. Subscribers are notified in
// registration order. Call the returned func to stop receiving
// notifications.
func (m *Monitor) Subscribe(fn func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

// SetOnline feeds the host connectivity signal. Going online runs an
// immediate probe before subscribers are notified, so they see a single
// transition carrying the fresh quality.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.status.Online == online {
		m.mu.Unlock()
		return
	}

	if !online {
		m.status = Status{Online: false, Quality: QualityOffline, LastProbe: m.status.LastProbe}
		m.mu.Unlock()
		m.logger.Warn("network offline")
		metrics.NetworkQuality.Set(float64(QualityOffline))
		m.publish()
		return
	}

	m.status.Online = true
	m.status.Quality = QualityPoor
	m.mu.Unlock()

	m.logger.Info("network online, probing quality")
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	m.Probe(ctx)
}

// Probe runs one quality probe and returns the resulting status. While
// offline it returns immediately without probing.
func (m *Monitor) Probe(ctx context.Context) Status {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	if !m.IsOnline() {
		return m.Status()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	start := m.clock.Now()
	err := m.probe(probeCtx)
	end := m.clock.Now()
	cancel()
	rtt := end.Sub(start)

	m.mu.Lock()
	if !m.status.Online {
		// Went offline mid-probe; the offline transition wins.
		st := m.status
		m.mu.Unlock()
		return st
	}
	m.status.LastProbe = end
	if err != nil {
		m.status.Quality = QualityPoor
	} else {
		m.status.RTT = rtt
		m.status.Quality = m.classify(rtt)
	}
	st := m.status
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("network probe failed", "error", err)
	} else {
		metrics.ProbeRTT.Observe(rtt.Seconds())
	}
	metrics.NetworkQuality.Set(float64(st.Quality))

	m.publish()
	return st
}

// Start begins periodic probing.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return nil
	}
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, done)

	m.logger.Info("network monitor started",
		"interval", m.cfg.ProbeInterval,
		"excellent_below", m.cfg.ExcellentBelow,
		"good_below", m.cfg.GoodBelow,
	)
	return nil
}

// Stop halts periodic probing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	done := m.done
	m.done = nil
	m.mu.Unlock()

	if done == nil {
		return
	}
	close(done)
	m.wg.Wait()
	m.logger.Info("network monitor stopped")
}

// run is the periodic probe loop.
func (m *Monitor) run(ctx context.Context, done <-chan struct{}) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Probe immediately on start.
	m.Probe(ctx)

	for clock.Sleep(m.clock, m.cfg.ProbeInterval, ctx.Done()) {
		m.Probe(ctx)
	}
}

func (m *Monitor) classify(rtt time.Duration) Quality {
	switch {
	case rtt < m.cfg.ExcellentBelow:
		return QualityExcellent
	case rtt < m.cfg.GoodBelow:
		return QualityGood
	default:
		return QualityPoor
	}
}

// publish notifies subscribers if the state differs from the last
// notification.
func (m *Monitor) publish() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	st := m.status
	if st.sameState(m.lastNotified) {
		m.mu.Unlock()
		return
	}
	m.lastNotified = st
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(st)
	}
}
