// Package providers holds the outbound ports to model and parsing services:
// embeddings, reranking, chat completion, and document parsing. Every client
// carries retry with exponential backoff and a circuit breaker, and has a
// mock twin for tests and offline development.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// ProviderError is a non-2xx response from an upstream provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

/// Retryable reports whether the failure is worth retrying: rate limits and
// server-side errors are, client errors are not.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	// Unclassified transport errors get one more chance.
	return true
}

// callPolicy wraps provider calls with a circuit breaker inside an
// exponential backoff loop. The breaker opens after a run of failures so a
// dead provider fails fast instead of burning the whole retry budget.
type callPolicy struct {
	provider string
	breaker  *gobreaker.CircuitBreaker
	maxWait  time.Duration
	logger   *observability.Logger
}

func newCallPolicy(provider string, maxWait time.Duration, logger *observability.Logger) *callPolicy {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state change")
			if to == gobreaker.StateOpen {
				observability.ProviderBreakerOpen.WithLabelValues(name).Set(1)
			} else {
				observability.ProviderBreakerOpen.WithLabelValues(name).Set(0)
			}
		},
	})
	return &callPolicy{provider: provider, breaker: breaker, maxWait: maxWait, logger: logger}
}

// do runs op through breaker and backoff. Permanent errors (4xx, cancelled
// context, open breaker) short-circuit the retry loop.
func (p *callPolicy) do(ctx context.Context, op func() error) error {
	attempt := func() error {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, op()
		})
		if err == nil {
			observability.ProviderRequests.WithLabelValues(p.provider, "ok").Inc()
			return nil
		}
		observability.ProviderRequests.WithLabelValues(p.provider, "error").Inc()
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = p.maxWait

	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}
