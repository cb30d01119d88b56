package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/ratelimit"
)

var epoch = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// instantClock fires every timer immediately and records the requested
// delays, advancing its own time by each one.
type instantClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

type firedTimer struct{}

func (firedTimer) Stop() bool { return false }

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	f()
	return firedTimer{}
}

func (c *instantClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type fixedConnectivity bool

func (f fixedConnectivity) IsOnline() bool { return bool(f) }

func testPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff:     Backoff{Base: time.Second, Max: 30 * time.Second, Multiplier: 2},
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 1000 * time.Millisecond, Max: 30000 * time.Millisecond, Multiplier: 2}

	want := []time.Duration{1000, 2000, 4000, 8000, 16000, 30000, 30000}
	for attempt, ms := range want {
		assert.Equal(t, ms*time.Millisecond, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestBackoff_DelayLargeAttempt(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, b.Max, b.Delay(500))
	assert.Equal(t, b.Base, b.Delay(-1))
}

func TestBackoff_Jittered(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.25}

	for i := 0; i < 200; i++ {
		d := b.Jittered(1)
		require.GreaterOrEqual(t, d, 200*time.Millisecond)
		require.LessOrEqual(t, d, 250*time.Millisecond)
	}

	b.Jitter = 0
	assert.Equal(t, 200*time.Millisecond, b.Jittered(1))
}

func TestBackoff_JitteredRespectsMax(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.25}

	for i := 0; i < 200; i++ {
		require.LessOrEqual(t, b.Jittered(10), b.Max)
		d := b.Jittered(4)
		require.GreaterOrEqual(t, d, 16*time.Second)
		require.LessOrEqual(t, d, b.Max)
	}
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "transient", err: Transient(base), want: ClassTransient},
		{name: "wrapped transient", err: fmt.Errorf("fetch: %w", Transient(base)), want: ClassTransient},
		{name: "rate limited", err: &RateLimitedError{Err: base}, want: ClassRateLimited},
		{name: "protocol", err: Protocol("bad frame", base), want: ClassProtocol},
		{name: "authorization", err: &AuthorizationError{StatusCode: 403, Err: base}, want: ClassAuthorization},
		{name: "exhausted", err: &ExhaustedError{OperationID: "x", Attempts: 3, Last: Transient(base)}, want: ClassExhausted},
		{name: "canceled", err: ErrCanceled, want: ClassCanceled},
		{name: "context canceled", err: context.Canceled, want: ClassCanceled},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassTransient},
		{name: "eof", err: io.EOF, want: ClassTransient},
		{name: "unexpected eof", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), want: ClassTransient},
		{name: "net op error", err: &net.OpError{Op: "dial", Net: "tcp", Err: base}, want: ClassTransient},
		{name: "abnormal close", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, want: ClassTransient},
		{name: "policy close", err: &websocket.CloseError{Code: websocket.ClosePolicyViolation}, want: ClassAuthorization},
		{name: "plain", err: base, want: ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient(io.EOF)))
	assert.True(t, IsRetryable(&RateLimitedError{}))
	assert.False(t, IsRetryable(&AuthorizationError{StatusCode: 401}))
	assert.False(t, IsRetryable(Protocol("bad", nil)))
	assert.False(t, IsRetryable(errors.New("unknown")))
}

func TestExecutor_InvalidPolicy(t *testing.T) {
	e := NewExecutor()
	err := e.Execute(context.Background(), "op", func(context.Context) error { return nil }, Policy{})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestExecutor_Exhaustion(t *testing.T) {
	clk := &instantClock{now: epoch}
	e := NewExecutor(WithClock(clk))

	failure := Transient(errors.New("connection reset"))
	var calls int
	err := e.Execute(context.Background(), "mids", func(context.Context) error {
		calls++
		return failure
	}, testPolicy(3))

	assert.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "mids", exhausted.OperationID)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, failure, exhausted.Last)
	assert.True(t, IsExhausted(err))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.recorded())
	assert.Equal(t, 0, e.Attempts("mids"))
	assert.Equal(t, 0, e.InFlight())
}

func TestExecutor_FatalNotRetried(t *testing.T) {
	clk := &instantClock{now: epoch}
	e := NewExecutor(WithClock(clk))

	fatal := &AuthorizationError{StatusCode: 403, Err: errors.New("forbidden")}
	var calls int
	err := e.Execute(context.Background(), "account", func(context.Context) error {
		calls++
		return fatal
	}, testPolicy(5))

	assert.Equal(t, 1, calls)
	assert.Same(t, fatal, err)
	assert.Empty(t, clk.recorded())
}

func TestExecutor_SuccessClearsState(t *testing.T) {
	clk := &instantClock{now: epoch}
	e := NewExecutor(WithClock(clk))

	var calls int
	err := e.Execute(context.Background(), "book:BTC", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(io.EOF)
		}
		return nil
	}, testPolicy(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, e.Attempts("book:BTC"))
	assert.Equal(t, 0, e.InFlight())

	// A fresh call starts its schedule from the beginning.
	calls = 0
	err = e.Execute(context.Background(), "book:BTC", func(context.Context) error {
		calls++
		if calls < 2 {
			return Transient(io.EOF)
		}
		return nil
	}, testPolicy(5))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, clk.recorded())
}

func TestExecutor_OfflineStopsRetrying(t *testing.T) {
	clk := &instantClock{now: epoch}
	e := NewExecutor(WithClock(clk), WithConnectivity(fixedConnectivity(false)))

	failure := Transient(errors.New("network unreachable"))
	var calls int
	err := e.Execute(context.Background(), "mids", func(context.Context) error {
		calls++
		return failure
	}, testPolicy(5))

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrOffline)
	assert.ErrorIs(t, err, failure)
	assert.Empty(t, clk.recorded())
}

func TestExecutor_RateLimitedUsesRetryAfter(t *testing.T) {
	clk := &instantClock{now: epoch}
	e := NewExecutor(WithClock(clk))

	var calls int
	err := e.Execute(context.Background(), "trades", func(context.Context) error {
		calls++
		if calls == 1 {
			return &RateLimitedError{RetryAfter: 5 * time.Second, Err: errors.New("429")}
		}
		return nil
	}, testPolicy(3))

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, clk.recorded())
}

func TestExecutor_RateLimitedWaitsForWindow(t *testing.T) {
	clk := &instantClock{now: epoch}
	limiter, err := ratelimit.New(1, 10*time.Second, clk)
	require.NoError(t, err)
	limiter.Record()

	e := NewExecutor(WithClock(clk), WithRateLimiter(limiter))

	var calls int
	err = e.Execute(context.Background(), "trades", func(context.Context) error {
		calls++
		if calls == 1 {
			return &RateLimitedError{Err: errors.New("429")}
		}
		return nil
	}, testPolicy(3))

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Second}, clk.recorded())
}

func TestExecutor_Cancel(t *testing.T) {
	e := NewExecutor()
	policy := Policy{
		MaxAttempts: 10,
		Backoff:     Backoff{Base: time.Hour, Max: time.Hour, Multiplier: 2},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Execute(context.Background(), "slow", func(context.Context) error {
			return Transient(io.EOF)
		}, policy)
	}()

	require.Eventually(t, func() bool { return e.Attempts("slow") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, e.InFlight())
	assert.True(t, e.Cancel("slow"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after Cancel")
	}

	assert.False(t, e.Cancel("slow"))
	assert.Equal(t, 0, e.InFlight())
}

func TestExecutor_CancelAfterBackoffFires(t *testing.T) {
	for i := 0; i < 200; i++ {
		clk := clock.NewMock(epoch)
		e := NewExecutor(WithClock(clk))

		var canceled atomic.Bool
		var late atomic.Int32
		errCh := make(chan error, 1)
		go func() {
			errCh <- e.Execute(context.Background(), "op", func(context.Context) error {
				if canceled.Load() {
					late.Add(1)
				}
				return Transient(io.EOF)
			}, testPolicy(5))
		}()

		require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
		clk.Advance(time.Second)
		e.Cancel("op")
		canceled.Store(true)

		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrCanceled)
		case <-time.After(time.Second):
			t.Fatal("Execute did not return after Cancel")
		}
		require.Zero(t, late.Load(), "op started after Cancel returned (run %d)", i)
	}
}

func TestExecutor_CancelFromOp(t *testing.T) {
	e := NewExecutor()

	done := make(chan error, 1)
	go func() {
		done <- e.Execute(context.Background(), "self", func(context.Context) error {
			e.Cancel("self")
			return Transient(io.EOF)
		}, testPolicy(5))
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("Cancel from inside op deadlocked")
	}
	assert.Equal(t, 0, e.InFlight())
}

func TestExecutor_ParentContextCanceled(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	err := e.Execute(ctx, "op", func(context.Context) error {
		calls.Add(1)
		cancel()
		return Transient(io.EOF)
	}, testPolicy(5))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_SerializesPerID(t *testing.T) {
	e := NewExecutor()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.Execute(context.Background(), "shared", func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			}, DefaultPolicy())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 0, e.InFlight())
}

func TestDo(t *testing.T) {
	clk := &instantClock{now: epoch}
	e := NewExecutor(WithClock(clk))

	var calls int
	v, err := Do(context.Background(), e, "meta", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Transient(io.EOF)
		}
		return "ok", nil
	}, testPolicy(3))

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
