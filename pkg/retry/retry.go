// Package retry runs an operation with exponential backoff between attempts.
//
// A [Config] is a plain value: every call to [Do] keeps its own attempt
// counter, so two components that each hold a Config never share retry
// state. The pending delay between attempts is bound to the caller's
// context; cancelling the context stops the timer and returns immediately
// without invoking the operation again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Default backoff parameters applied by [Config.withDefaults].
const (
	defaultMaxAttempts   = 3
	defaultInitialDelay  = 500 * time.Millisecond
	defaultMaxDelay      = 10 * time.Second
	defaultBackoffFactor = 2.0
)

// ErrExhausted is wrapped into the error returned by [Do] once every attempt
// has failed. The last operation error is wrapped as well, so both
// errors.Is(err, ErrExhausted) and errors.Is(err, lastErr) hold.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Config controls the retry schedule.
type Config struct {
	// MaxAttempts is the total number of calls, including the first.
	// Defaults to 3 if zero or negative.
	MaxAttempts int

	// InitialDelay is the wait after the first failed attempt.
	// Defaults to 500ms if zero.
	InitialDelay time.Duration

	// MaxDelay caps every computed delay. Defaults to 10s if zero.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	// Defaults to 2 if less than 1.
	BackoffFactor float64

	// OnRetry is called after a failed attempt that will be retried, before
	// the delay starts. attempt is the 1-based number of the attempt that
	// just failed. May be nil.
	OnRetry func(attempt int, err error, delay time.Duration)

	// OnExhausted is called exactly once when the final attempt fails.
	// It is not called when the context is cancelled or when the operation
	// returns a [Permanent] error. May be nil.
	OnExhausted func(attempts int, err error)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = defaultBackoffFactor
	}
	return c
}

// Delay returns the wait that follows the given failed attempt:
// min(InitialDelay × BackoffFactor^(attempt−1), MaxDelay).
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if d >= float64(c.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that [Do] returns it immediately instead of
// scheduling another attempt. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls op until it succeeds, returns a [Permanent] error, the context is
// cancelled, or cfg.MaxAttempts calls have been made.
//
// On success the value of the successful attempt is returned. When the
// attempts are exhausted, OnExhausted is invoked once and the returned error
// wraps both [ErrExhausted] and the last error from op. When ctx is
// cancelled during a delay, the timer is stopped and ctx.Err() is returned
// joined with the last operation error.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(err, lastErr)
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if attempt >= cfg.MaxAttempts {
			if cfg.OnExhausted != nil {
				cfg.OnExhausted(attempt, err)
			}
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

// DoErr is [Do] for operations that produce no value.
func DoErr(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
