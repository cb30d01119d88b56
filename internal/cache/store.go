package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/metrics"
)

// NoExpiry marks an entry that never expires.
const NoExpiry time.Duration = -1

// Default values for Options.
const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// ErrInvalidMaxSize is returned when MaxSize is not positive.
var ErrInvalidMaxSize = errors.New("cache: max size must be > 0")

// Options configures a Store.
type Options struct {
	Name          string        // Label used in logs and metrics
	MaxSize       int           // Maximum number of entries (required, > 0)
	DefaultTTL    time.Duration // TTL when Set is called without WithTTL (0 = never expire)
	SweepInterval time.Duration // Background sweep period (default: 30s)
	Clock         clock.Clock
	Logger        *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Name:          "default",
		MaxSize:       DefaultMaxSize,
		DefaultTTL:    DefaultTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitCount    int64   `json:"hit_count"`
	MissCount   int64   `json:"miss_count"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
}

// EntryInfo describes a stored entry without touching its access bookkeeping.
type EntryInfo struct {
	CreatedAt    time.Time     `json:"created_at"`
	TTL          time.Duration `json:"ttl"`
	ExpiresAt    time.Time     `json:"expires_at,omitzero"`
	Tags         []string      `json:"tags"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  int64         `json:"access_count"`
}

type entry[V any] struct {
	value        V
	createdAt    time.Time
	ttl          time.Duration
	tags         []string
	lastAccessed time.Time
	accessCount  int64
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.ttl >= 0 && now.Sub(e.createdAt) > e.ttl
}

// Store is a size-bounded TTL cache with tag-based invalidation.
// It is safe for concurrent use; every mutating call is atomic.
type Store[V any] struct {
	name          string
	maxSize       int
	defaultTTL    time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	mu    sync.Mutex
	items *simplelru.LRU[string, *entry[V]]
	byTag map[string]map[string]struct{}

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	// Sweeper lifecycle
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Store.
func New[V any](opts Options) (*Store[V], error) {
	if opts.MaxSize <= 0 {
		return nil, ErrInvalidMaxSize
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store[V]{
		name:          opts.Name,
		maxSize:       opts.MaxSize,
		defaultTTL:    opts.DefaultTTL,
		sweepInterval: opts.SweepInterval,
		clock:         clock.OrReal(opts.Clock),
		logger:        opts.Logger.With("component", "cache", "cache", opts.Name),
		byTag:         make(map[string]map[string]struct{}),
	}

	items, err := simplelru.NewLRU[string, *entry[V]](opts.MaxSize, s.onRemove)
	if err != nil {
		return nil, err
	}
	s.items = items

	return s, nil
}

// SetOption customizes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl  time.Duration
	tags []string
}

// WithTTL overrides the default TTL. Use NoExpiry for entries that never expire.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// WithTags attaches tags for InvalidateByTag.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// Set stores value under key, replacing any existing entry.
func (s *Store[V]) Set(key string, value V, opts ...SetOption) {
	var so setOptions
	for _, opt := range opts {
		opt(&so)
	}

	ttl := so.ttl
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl == 0 {
		ttl = NoExpiry
	}

	now := s.clock.Now()
	e := &entry[V]{
		value:        value,
		createdAt:    now,
		ttl:          ttl,
		tags:         dedupe(so.tags),
		lastAccessed: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop the old entry first so its tags leave the index.
	s.items.Remove(key)

	if evicted := s.items.Add(key, e); evicted {
		s.evictions++
		metrics.CacheEvictions.WithLabelValues(s.name).Inc()
	}
	for _, tag := range e.tags {
		keys, ok := s.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			s.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}

	metrics.CacheSize.WithLabelValues(s.name).Set(float64(s.items.Len()))
}

// Get returns the value for key. Expired entries are discarded and reported
// as a miss.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items.Peek(key)
	if !ok {
		s.recordMiss()
		return zero, false
	}
	if e.expired(now) {
		s.items.Remove(key)
		s.expirations++
		metrics.CacheExpirations.WithLabelValues(s.name).Inc()
		metrics.CacheSize.WithLabelValues(s.name).Set(float64(s.items.Len()))
		s.recordMiss()
		return zero, false
	}

	// Get moves the entry to the most-recently-used position.
	s.items.Get(key)
	e.lastAccessed = now
	e.accessCount++

	s.hits++
	metrics.CacheHits.WithLabelValues(s.name).Inc()
	return e.value, true
}

// Peek returns the value for key without updating access bookkeeping or
// hit/miss counters.
func (s *Store[V]) Peek(key string) (V, bool) {
	var zero V
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items.Peek(key)
	if !ok || e.expired(now) {
		return zero, false
	}
	return e.value, true
}

// Info returns metadata for a live entry.
func (s *Store[V]) Info(key string) (EntryInfo, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items.Peek(key)
	if !ok || e.expired(now) {
		return EntryInfo{}, false
	}

	info := EntryInfo{
		CreatedAt:    e.createdAt,
		TTL:          e.ttl,
		Tags:         append([]string(nil), e.tags...),
		LastAccessed: e.lastAccessed,
		AccessCount:  e.accessCount,
	}
	if e.ttl >= 0 {
		info.ExpiresAt = e.createdAt.Add(e.ttl)
	}
	return info, true
}

// Invalidate removes key. It reports whether an entry existed.
func (s *Store[V]) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.items.Remove(key)
	if removed {
		metrics.CacheSize.WithLabelValues(s.name).Set(float64(s.items.Len()))
	}
	return removed
}

// InvalidateByTag removes every entry carrying tag and returns the count removed.
func (s *Store[V]) InvalidateByTag(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.byTag[tag]
	if !ok {
		return 0
	}

	// Copy first: removal mutates the index through onRemove.
	victims := make([]string, 0, len(keys))
	for k := range keys {
		victims = append(victims, k)
	}

	removed := 0
	for _, k := range victims {
		if s.items.Remove(k) {
			removed++
		}
	}

	if removed > 0 {
		metrics.CacheSize.WithLabelValues(s.name).Set(float64(s.items.Len()))
		s.logger.Debug("invalidated by tag", "tag", tag, "removed", removed)
	}
	return removed
}

// Sweep removes all expired entries and returns the count removed.
func (s *Store[V]) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, k := range s.items.Keys() {
		e, ok := s.items.Peek(k)
		if !ok || !e.expired(now) {
			continue
		}
		s.items.Remove(k)
		removed++
	}

	if removed > 0 {
		s.expirations += int64(removed)
		metrics.CacheExpirations.WithLabelValues(s.name).Add(float64(removed))
		metrics.CacheSize.WithLabelValues(s.name).Set(float64(s.items.Len()))
	}
	return removed
}

// Purge removes every entry. Counters are kept.
func (s *Store[V]) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items.Purge()
	s.byTag = make(map[string]map[string]struct{})
	metrics.CacheSize.WithLabelValues(s.name).Set(0)
}

// Len returns the number of stored entries, including expired entries that
// have not been swept yet.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Keys returns stored keys from least to most recently used.
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Keys()
}

// Stats returns current counters.
func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Size:        s.items.Len(),
		MaxSize:     s.maxSize,
		HitCount:    s.hits,
		MissCount:   s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

// Start begins the background expiry sweep.
func (s *Store[V]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil
	}
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sweepLoop(ctx, done)

	s.logger.Info("cache sweeper started",
		"max_size", s.maxSize,
		"default_ttl", s.defaultTTL,
		"interval", s.sweepInterval,
	)
	return nil
}

// Stop halts the background sweep and waits for it to exit.
func (s *Store[V]) Stop() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	close(done)
	s.wg.Wait()
	s.logger.Info("cache sweeper stopped")
}

// sweepLoop periodically removes expired entries.
func (s *Store[V]) sweepLoop(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		close(stop)
	}()

	for clock.Sleep(s.clock, s.sweepInterval, stop) {
		if n := s.Sweep(); n > 0 {
			s.logger.Debug("swept expired entries", "removed", n)
		}
	}
}

// onRemove keeps the tag index in sync. It runs under s.mu for every
// removal path: Remove, capacity eviction and Purge.
func (s *Store[V]) onRemove(key string, e *entry[V]) {
	for _, tag := range e.tags {
		keys, ok := s.byTag[tag]
		if !ok {
			continue
		}
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byTag, tag)
		}
	}
}

func (s *Store[V]) recordMiss() {
	s.misses++
	metrics.CacheMisses.WithLabelValues(s.name).Inc()
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
