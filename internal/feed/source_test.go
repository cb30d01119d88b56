package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/venuesync/internal/cache"
	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/model"
	"github.com/rickgao/venuesync/internal/retry"
)

func TestNewSource_NilStore(t *testing.T) {
	_, err := NewSource(nil)
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestSource_GetCachesResult(t *testing.T) {
	clk := clock.NewMock(epoch)
	src, err := NewSource(newTestStore(t, clk))
	require.NoError(t, err)

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return model.Mids{"BTC": "1"}, nil
	}

	ctx := context.Background()
	v, err := src.Get(ctx, MidsKey, fetch, cache.WithTTL(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.Mids{"BTC": "1"}, v)

	_, err = src.Get(ctx, MidsKey, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second read should hit the cache")

	clk.Advance(5*time.Second + time.Millisecond)
	_, err = src.Get(ctx, MidsKey, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired entry should be refetched")
}

func TestSource_RefreshBypassesCache(t *testing.T) {
	store := newTestStore(t, clock.NewMock(epoch))
	src, err := NewSource(store)
	require.NoError(t, err)

	store.Set(MidsKey, model.Mids{"BTC": "old"})
	v, err := src.Refresh(context.Background(), MidsKey, func(ctx context.Context) (any, error) {
		return model.Mids{"BTC": "new"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.Mids{"BTC": "new"}, v)

	cached, ok := store.Get(MidsKey)
	require.True(t, ok)
	assert.Equal(t, model.Mids{"BTC": "new"}, cached)
}

func TestSource_CoalescesConcurrentMisses(t *testing.T) {
	src, err := NewSource(newTestStore(t, clock.NewMock(epoch)))
	require.NoError(t, err)

	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "book", nil
	}

	const callers = 10
	var started, wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		started.Add(1)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			v, err := src.Get(context.Background(), BookKey("BTC"), fetch)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	started.Wait()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "book", v)
	}
}

func TestSource_ErrorNotCached(t *testing.T) {
	store := newTestStore(t, clock.NewMock(epoch))
	src, err := NewSource(store)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = src.Get(context.Background(), MidsKey, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.Len())
}

func TestSource_CallerCancelDoesNotAbortSharedLoad(t *testing.T) {
	store := newTestStore(t, clock.NewMock(epoch))
	src, err := NewSource(store)
	require.NoError(t, err)

	release := make(chan struct{})
	fetched := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		<-release
		close(fetched)
		return "value", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := src.Get(ctx, "k", fetch)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	<-fetched
	require.Eventually(t, func() bool {
		_, ok := store.Peek("k")
		return ok
	}, time.Second, time.Millisecond)
}

func TestSource_WithExecutorRetries(t *testing.T) {
	clk := clock.NewMock(epoch)
	exec := retry.NewExecutor(retry.WithClock(clk))
	policy := retry.Policy{MaxAttempts: 3, Backoff: retry.Backoff{Base: time.Millisecond, Max: time.Millisecond, Multiplier: 1}}

	src, err := NewSource(newTestStore(t, clk), WithExecutor(exec, policy))
	require.NoError(t, err)

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, retry.Transient(errors.New("reset"))
		}
		return "ok", nil
	}

	done := make(chan struct{})
	var got any
	go func() {
		defer close(done)
		got, err = src.Get(context.Background(), "k", fetch)
	}()

	require.Eventually(t, func() bool {
		clk.Advance(time.Millisecond)
		return calls.Load() == 2
	}, time.Second, time.Millisecond)
	<-done

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestGetAs(t *testing.T) {
	store := newTestStore(t, clock.NewMock(epoch))
	src, err := NewSource(store)
	require.NoError(t, err)

	ctx := context.Background()
	mids, err := GetAs(ctx, src, MidsKey, func(ctx context.Context) (model.Mids, error) {
		return model.Mids{"ETH": "2"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2", mids["ETH"])

	store.Set("wrong", 42)
	_, err = GetAs(ctx, src, "wrong", func(ctx context.Context) (string, error) {
		return "", nil
	})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
