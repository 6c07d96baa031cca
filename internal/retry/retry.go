package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagecarbon/pagecarbon/internal/clock"
)

// Default policy values.
const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = 1 * time.Second
	DefaultAttemptTimeout = 5 * time.Second
)

// ErrTimeout marks an attempt that did not settle within AttemptTimeout.
var ErrTimeout = errors.New("operation timeout")

// OperationFailed is returned once all attempts are exhausted.
type OperationFailed struct {
	Op       string
	Attempts int
	Err      error
}

func (e *OperationFailed) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *OperationFailed) Unwrap() error { return e.Err }

// Config is the immutable retry policy.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig returns the default policy: 4 attempts, 1s base delay, 5s
// per attempt.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultBaseDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor applies a Config. The zero value is not usable; use New.
type Executor struct {
	cfg   Config
	clock clock.Clock
	sleep SleepFunc // injectable for tests
}

// New returns an Executor using clk for attempt timeouts and backoff waits.
func New(cfg Config, clk clock.Clock) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	ex := &Executor{cfg: cfg, clock: clk}
	ex.sleep = ex.clockSleep
	return ex
}

// WithSleep returns a copy of ex that waits between attempts with sleep.
func (ex *Executor) WithSleep(sleep SleepFunc) *Executor {
	cp := *ex
	cp.sleep = sleep
	return &cp
}

// Config returns the executor's policy.
func (ex *Executor) Config() Config { return ex.cfg }

// Backoff returns the wait after the given zero-based failed attempt.
func (ex *Executor) Backoff(attempt int) time.Duration {
	return ex.cfg.BaseDelay * (1 << uint(attempt))
}

func (ex *Executor) clockSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ex.clock.After(d):
		return nil
	}
}

// Do runs op under ex's policy. name identifies the operation in logs and in
// the returned *OperationFailed. A cancelled ctx stops the loop early and
// its error is returned wrapped in *OperationFailed.
func Do[T any](ctx context.Context, ex *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	total := ex.cfg.MaxRetries + 1

	for attempt := 0; attempt < total; attempt++ {
		v, err := runAttempt(ctx, ex, op)
		if err == nil {
			return v, nil
		}
		lastErr = err
		slog.Warn("retry: attempt failed",
			"op", name,
			"attempt", fmt.Sprintf("%d/%d", attempt+1, total),
			"err", err)

		if ctx.Err() != nil {
			return zero, &OperationFailed{Op: name, Attempts: attempt + 1, Err: lastErr}
		}
		if attempt < total-1 {
			if err := ex.sleep(ctx, ex.Backoff(attempt)); err != nil {
				return zero, &OperationFailed{Op: name, Attempts: attempt + 1, Err: lastErr}
			}
		}
	}
	return zero, &OperationFailed{Op: name, Attempts: total, Err: lastErr}
}

type result[T any] struct {
	v   T
	err error
}

// runAttempt races one call of op against the attempt timeout. On timeout the
// attempt context is cancelled and op's goroutine finishes on its own.
func runAttempt[T any](ctx context.Context, ex *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if ex.cfg.AttemptTimeout > 0 {
		timer := ex.clock.AfterFunc(ex.cfg.AttemptTimeout, func() { cancel(ErrTimeout) })
		defer timer.Stop()
	}

	done := make(chan result[T], 1)
	go func() {
		v, err := op(attemptCtx)
		done <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(context.Cause(attemptCtx), ErrTimeout) {
			return zero, ErrTimeout
		}
		return r.v, r.err
	case <-attemptCtx.Done():
		if cause := context.Cause(attemptCtx); errors.Is(cause, ErrTimeout) {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}
