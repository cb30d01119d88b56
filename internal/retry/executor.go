package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/goroutine"
	"github.com/rickgao/venuesync/internal/metrics"
	"github.com/rickgao/venuesync/internal/ratelimit"
)

// Policy controls how an operation is retried.
type Policy struct {
	MaxAttempts int // Total invocations, including the first
	Backoff     Backoff
	IsRetryable func(error) bool // nil means IsRetryable
}

// DefaultPolicy returns three attempts on the default backoff schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff(),
		IsRetryable: IsRetryable,
	}
}

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	IsOnline() bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithConnectivity makes the executor stop retrying while offline.
func WithConnectivity(c Connectivity) Option {
	return func(e *Executor) {
		e.conn = c
	}
}

// WithRateLimiter makes rate-limited retries wait for the limiter's window.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(e *Executor) {
		e.limiter = l
	}
}

// WithClock sets the clock used for backoff waits.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		e.clock = clock.OrReal(c)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor runs operations with retry and backoff. Calls sharing an
// operation id run strictly one after another.
type Executor struct {
	clock   clock.Clock
	logger  *slog.Logger
	conn    Connectivity
	limiter *ratelimit.Limiter

	mu   sync.Mutex
	ops  map[string]*operation
	idle *sync.Cond // Signaled when an attempt returns
}

// operation is the state shared by every call using one id. It is removed
// when the last call for the id returns.
type operation struct {
	sem      *semaphore.Weighted
	refs     int
	attempts int
	nextSeq  uint64
	cancels  map[uint64]context.CancelCauseFunc
	running  map[uint64]int64 // Call seq -> goroutine inside op
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		clock:  clock.Real(),
		logger: slog.Default(),
		ops:    make(map[string]*operation),
	}
	e.idle = sync.NewCond(&e.mu)
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "retry")
	return e
}

// Execute invokes op until it succeeds, fails with a non-retryable error,
// runs out of attempts, the network goes offline, or the call is canceled.
//
// Exhaustion returns *ExhaustedError carrying the last error. Going offline
// returns an error wrapping both ErrOffline and the last error. Cancel(id)
// returns ErrCanceled; op is never started after Cancel returns.
func (e *Executor) Execute(ctx context.Context, id string, op func(ctx context.Context) error, policy Policy) error {
	if policy.MaxAttempts <= 0 {
		return ErrInvalidPolicy
	}
	isRetryable := policy.IsRetryable
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	seqCtx, cancel := context.WithCancelCause(ctx)
	state, seq := e.register(id, cancel)
	defer e.release(id, state, seq)

	if err := state.sem.Acquire(seqCtx, 1); err != nil {
		return context.Cause(seqCtx)
	}
	defer func() {
		e.mu.Lock()
		state.attempts = 0
		e.mu.Unlock()
		state.sem.Release(1)
	}()

	attempt := 0
	for {
		started, err := e.run(seqCtx, state, seq, op)
		if !started {
			return context.Cause(seqCtx)
		}
		if err == nil {
			if attempt > 0 {
				e.logger.Debug("operation succeeded after retry", "operation", id, "attempts", attempt+1)
			}
			return nil
		}
		if seqCtx.Err() != nil {
			return context.Cause(seqCtx)
		}

		attempt++
		e.mu.Lock()
		state.attempts = attempt
		e.mu.Unlock()

		if !isRetryable(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			metrics.RetryExhausted.Inc()
			e.logger.Warn("operation exhausted retries", "operation", id, "attempts", attempt, "error", err)
			return &ExhaustedError{OperationID: id, Attempts: attempt, Last: err}
		}
		if e.conn != nil && !e.conn.IsOnline() {
			e.logger.Debug("not retrying while offline", "operation", id, "error", err)
			return fmt.Errorf("%w: %w", ErrOffline, err)
		}

		delay := e.delay(policy.Backoff, attempt-1, err)
		metrics.RetryAttempts.Inc()
		e.logger.Debug("retrying operation",
			"operation", id,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		if !clock.Sleep(e.clock, delay, seqCtx.Done()) {
			return context.Cause(seqCtx)
		}
	}
}

// run invokes op unless the call was canceled. The check and the running
// mark share mu with Cancel, so an attempt either starts before Cancel
// takes effect or not at all.
func (e *Executor) run(ctx context.Context, state *operation, seq uint64, op func(ctx context.Context) error) (bool, error) {
	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return false, nil
	}
	state.running[seq] = goroutine.ID()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(state.running, seq)
		e.idle.Broadcast()
		e.mu.Unlock()
	}()
	return true, op(ctx)
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, id string, op func(ctx context.Context) (T, error), policy Policy) (T, error) {
	var out T
	err := e.Execute(ctx, id, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, policy)
	return out, err
}

// Cancel aborts every running or queued call for id. It waits for an
// attempt already inside op to return, unless Cancel is called from that
// op, and no further attempt starts. It reports whether anything was
// canceled.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	state, ok := e.ops[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	canceled := make([]uint64, 0, len(state.cancels))
	for seq, c := range state.cancels {
		c(ErrCanceled)
		canceled = append(canceled, seq)
	}
	if len(state.running) > 0 {
		self := goroutine.ID()
		for state.runningOther(canceled, self) {
			e.idle.Wait()
		}
	}
	e.mu.Unlock()

	e.logger.Debug("operation canceled", "operation", id, "calls", len(canceled))
	return len(canceled) > 0
}

// runningOther reports whether any of seqs is inside op on a goroutine
// other than self.
func (o *operation) runningOther(seqs []uint64, self int64) bool {
	for _, seq := range seqs {
		if g, ok := o.running[seq]; ok && g != self {
			return true
		}
	}
	return false
}

// Attempts returns the failed attempt count of the running call for id.
func (e *Executor) Attempts(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state, ok := e.ops[id]; ok {
		return state.attempts
	}
	return 0
}

// InFlight returns the number of operation ids with a running or queued call.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}

func (e *Executor) register(id string, cancel context.CancelCauseFunc) (*operation, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.ops[id]
	if !ok {
		state = &operation{
			sem:     semaphore.NewWeighted(1),
			cancels: make(map[uint64]context.CancelCauseFunc),
			running: make(map[uint64]int64),
		}
		e.ops[id] = state
	}
	state.refs++
	state.nextSeq++
	seq := state.nextSeq
	state.cancels[seq] = cancel
	return state, seq
}

func (e *Executor) release(id string, state *operation, seq uint64) {
	e.mu.Lock()
	cancel := state.cancels[seq]
	delete(state.cancels, seq)
	state.refs--
	if state.refs == 0 && e.ops[id] == state {
		delete(e.ops, id)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel(nil)
	}
}

// delay computes the wait before the next attempt. Rate-limited failures
// also wait for the server hint and the local window to reopen.
func (e *Executor) delay(b Backoff, attempt int, err error) time.Duration {
	d := b.Jittered(attempt)

	hint, limited := retryAfter(err)
	if !limited {
		return d
	}
	metrics.RateLimited.Inc()
	d = max(d, hint)
	if e.limiter != nil && !e.limiter.Allow() {
		d = max(d, e.limiter.ResetAt().Sub(e.clock.Now()))
	}
	return d
}

// IsExhausted reports whether err is an *ExhaustedError.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}
