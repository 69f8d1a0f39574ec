package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       "error",
		Output:      io.Discard,
		ServiceName: "test",
	})
}

func TestProviderErrorRetryable(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &ProviderError{Provider: "test", StatusCode: tt.status, Message: "boom"}
			assert.Equal(t, tt.retryable, err.Retryable())
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(context.DeadlineExceeded))
	assert.False(t, isRetryable(gobreaker.ErrOpenState))
	assert.True(t, isRetryable(&ProviderError{StatusCode: 503}))
	assert.False(t, isRetryable(&ProviderError{StatusCode: 422}))
	assert.True(t, isRetryable(errors.New("connection reset")))
}

func TestCallPolicyStopsOnPermanentError(t *testing.T) {
	policy := newCallPolicy("test-permanent", 0, testLogger())

	calls := 0
	err := policy.do(context.Background(), func() error {
		calls++
		return &ProviderError{Provider: "test", StatusCode: http.StatusBadRequest, Message: "bad input"}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls, "client errors must not be retried")

	var perr *ProviderError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
}

func TestCallPolicyRetriesTransientError(t *testing.T) {
	policy := newCallPolicy("test-transient", 0, testLogger())

	calls := 0
	err := policy.do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &ProviderError{Provider: "test", StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallPolicyHonorsContextCancellation(t *testing.T) {
	policy := newCallPolicy("test-cancel", 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.do(ctx, func() error {
		return &ProviderError{Provider: "test", StatusCode: http.StatusServiceUnavailable}
	})
	assert.Error(t, err)
}
