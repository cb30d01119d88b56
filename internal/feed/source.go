package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/venuesync/internal/cache"
	"github.com/rickgao/venuesync/internal/retry"
)

// DefaultFetchTimeout bounds a single load, including its retries.
const DefaultFetchTimeout = 30 * time.Second

// FetchFunc loads the value for a key from the venue.
type FetchFunc func(ctx context.Context) (any, error)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithExecutor retries fetches through e under policy. Leave it unset when
// the fetch already retries on its own, as api.Client calls do.
func WithExecutor(e *retry.Executor, policy retry.Policy) SourceOption {
	return func(s *Source) {
		s.executor = e
		s.policy = policy
	}
}

// WithFetchTimeout bounds each load. Zero disables the bound.
func WithFetchTimeout(d time.Duration) SourceOption {
	return func(s *Source) {
		s.timeout = d
	}
}

// WithSourceLogger sets the logger.
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Source serves reads from the cache and loads misses from the venue.
// Concurrent loads of one key share a single fetch.
type Source struct {
	store    *cache.Store[any]
	group    singleflight.Group
	executor *retry.Executor
	policy   retry.Policy
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSource creates a Source over store.
func NewSource(store *cache.Store[any], opts ...SourceOption) (*Source, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	s := &Source{
		store:   store,
		timeout: DefaultFetchTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "source")
	return s, nil
}

// Get returns the live cached value for key, or loads it with fetch and
// caches the result under opts. A caller whose ctx ends stops waiting; the
// shared load keeps running for the other callers.
func (s *Source) Get(ctx context.Context, key string, fetch FetchFunc, opts ...cache.SetOption) (any, error) {
	if v, ok := s.store.Get(key); ok {
		return v, nil
	}
	return s.load(ctx, key, fetch, opts)
}

// Refresh loads key with fetch regardless of what the cache holds.
func (s *Source) Refresh(ctx context.Context, key string, fetch FetchFunc, opts ...cache.SetOption) (any, error) {
	return s.load(ctx, key, fetch, opts)
}

// Store returns the underlying cache.
func (s *Source) Store() *cache.Store[any] {
	return s.store
}

func (s *Source) load(ctx context.Context, key string, fetch FetchFunc, opts []cache.SetOption) (any, error) {
	ch := s.group.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, s.timeout)
			defer cancel()
		}

		var (
			v   any
			err error
		)
		if s.executor != nil {
			v, err = retry.Do[any](fctx, s.executor, key, fetch, s.policy)
		} else {
			v, err = fetch(fctx)
		}
		if err != nil {
			s.logger.Debug("load failed", "key", key, "error", err)
			return nil, err
		}
		s.store.Set(key, v, opts...)
		return v, nil
	})

	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetAs is Get for a typed fetch.
func GetAs[T any](ctx context.Context, s *Source, key string, fetch func(ctx context.Context) (T, error), opts ...cache.SetOption) (T, error) {
	var zero T
	v, err := s.Get(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q holds %T", ErrTypeMismatch, key, v)
	}
	return t, nil
}
