package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errReplica = errors.New("replica unreachable")

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("10.0.0.1:8001", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
		OnStateChange:    func(_ string, to State) { transitions = append(transitions, to) },
	})

	fail := func() error { return errReplica }
	assert.ErrorIs(t, cb.Execute(fail), errReplica)
	assert.ErrorIs(t, cb.Execute(fail), errReplica)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreakerHalfOpenProbeLimit(t *testing.T) {
	cb := NewCircuitBreaker("probe", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
	})
	_ = cb.Execute(func() error { return errReplica })
	time.Sleep(15 * time.Millisecond)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()
	require.Eventually(t, func() bool { return cb.GetState() == StateHalfOpen }, time.Second, time.Millisecond)

	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	err := Retry(context.Background(), "download", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		if calls.Add(1) < 3 {
			return errReplica
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryStopsOnPermanent(t *testing.T) {
	var calls atomic.Int32
	notFound := errors.New("blob not found")
	err := Retry(context.Background(), "download", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		calls.Add(1)
		return Permanent(notFound)
	})
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryExhausted(t *testing.T) {
	err := Retry(context.Background(), "download", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		return errReplica
	})
	assert.ErrorIs(t, err, errReplica)
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error { return nil })
	assert.NoError(t, err)
}
