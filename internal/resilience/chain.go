package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Chain] fails or has an open
// circuit breaker.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// ChainConfig configures the per-entry circuit breaker created for each
// endpoint in a [Chain].
type ChainConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// chainEntry pairs an endpoint value with its dedicated circuit breaker.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain wraps a primary and zero or more alternate instances of the same
// endpoint type. When the primary fails (or its circuit breaker is open), the
// next healthy alternate is tried in registration order.
//
// Chain is safe for concurrent use once assembled; [Chain.Add] is not safe to
// call concurrently with [Chain.Try].
type Chain[T any] struct {
	entries []chainEntry[T]
	cfg     ChainConfig
}

// NewChain creates a [Chain] with primary as the first entry. Alternates are
// registered via [Chain.Add].
func NewChain[T any](primary T, primaryName string, cfg ChainConfig) *Chain[T] {
	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = primaryName
	return &Chain[T]{
		entries: []chainEntry[T]{
			{
				name:    primaryName,
				value:   primary,
				breaker: NewCircuitBreaker(cbCfg),
			},
		},
		cfg: cfg,
	}
}

// Add appends an alternate endpoint. Alternates are tried in the order they
// are added, after the primary.
func (c *Chain[T]) Add(name string, alternate T) {
	cbCfg := c.cfg.CircuitBreaker
	cbCfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   alternate,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Try runs fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] wrapped
// with the last error if every entry fails.
func (c *Chain[T]) Try(fn func(T) error) error {
	_, err := TryWithResult(c, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// TryWithResult runs fn against each entry in the chain until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func TryWithResult[T any, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping endpoint (circuit open)", "endpoint", entry.name)
		} else {
			slog.Debug("resilience: endpoint failed, trying next",
				"endpoint", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
