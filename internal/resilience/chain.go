package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [Chain] produced a result,
// either because each one failed or because its breaker was open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// ChainConfig configures a [Chain].
type ChainConfig struct {
	// Breaker is the template for each member's breaker. Name is replaced
	// with the member name.
	Breaker CircuitBreakerConfig

	// Logger receives failover messages. Default: [slog.Default].
	Logger *slog.Logger

	// OnAttempt, if set, is called after every member call that actually
	// ran. Calls skipped by an open breaker are not reported.
	OnAttempt func(ctx context.Context, member string, err error)
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain is an ordered list of interchangeable providers: the primary first,
// then its fallbacks. Every member is guarded by its own [CircuitBreaker].
//
// Members must be added before the chain is shared between goroutines;
// [Call] itself is safe for concurrent use.
type Chain[T any] struct {
	cfg     ChainConfig
	log     *slog.Logger
	members []member[T]
}

// NewChain returns an empty chain. Add at least one member with
// [Chain.Add] before calling [Call].
func NewChain[T any](cfg ChainConfig) *Chain[T] {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Chain[T]{cfg: cfg, log: log}
}

// Add appends a member. The first member added is the primary.
func (c *Chain[T]) Add(name string, v T) {
	bc := c.cfg.Breaker
	bc.Name = name
	if bc.Logger == nil {
		bc.Logger = c.log
	}
	c.members = append(c.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names returns the member names in call order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.members))
	for i, m := range c.members {
		out[i] = m.name
	}
	return out
}

// Primary returns the first member and false if the chain is empty.
func (c *Chain[T]) Primary() (T, bool) {
	if len(c.members) == 0 {
		var zero T
		return zero, false
	}
	return c.members[0].value, true
}

// Call runs fn against each member in order and returns the first success.
//
// Members whose breaker is open are skipped. Once ctx is done no further
// member is tried and ctx.Err() is returned; a failure observed after the
// caller gave up is not held against the member's breaker. When every member
// fails the error wraps both [ErrAllFailed] and the last member error.
func Call[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	if len(c.members) == 0 {
		return zero, fmt.Errorf("%w: chain is empty", ErrAllFailed)
	}
	for i := range c.members {
		m := &c.members[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		probe, err := m.breaker.admit()
		if err != nil {
			c.log.Debug("provider skipped, circuit open", "provider", m.name)
			lastErr = fmt.Errorf("%s: %w", m.name, err)
			continue
		}

		out, err := fn(ctx, m.value)
		if err != nil && ctx.Err() != nil {
			m.breaker.abandon(probe)
			return zero, ctx.Err()
		}
		m.breaker.settle(probe, err)
		if c.cfg.OnAttempt != nil {
			c.cfg.OnAttempt(ctx, m.name, err)
		}
		if err == nil {
			if i > 0 {
				c.log.Info("request served by fallback", "provider", m.name, "position", i)
			}
			return out, nil
		}
		lastErr = fmt.Errorf("%s: %w", m.name, err)
		if i < len(c.members)-1 {
			c.log.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
