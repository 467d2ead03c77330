package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu       sync.Mutex
	states   []int
	failures []string
}

func (r *stateRecorder) SetCircuitBreakerState(name string, state int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) RecordCircuitBreakerFailure(name, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errorType)
}

func testBreaker(rec Recorder) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("cassandra", Config{
		FailureThreshold: 2,
		Cooldown:         10 * time.Second,
		MaxAttempts:      1,
	}, rec, nil)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_NilRunsDirectly(t *testing.T) {
	var b *Breaker
	called := false
	require.NoError(t, b.Execute(context.Background(), "append", func(ctx context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	rec := &stateRecorder{}
	b, _ := testBreaker(rec)
	boom := errors.New("connection refused")

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), "append", func(ctx context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, CircuitBreakerOpen, b.State())

	calls := 0
	err := b.Execute(context.Background(), "append", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
	assert.Equal(t, []string{"network", "network"}, rec.failures)
	assert.Equal(t, []int{2}, rec.states)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := testBreaker(nil)
	boom := errors.New("no hosts available")
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), "append", func(ctx context.Context) error { return boom })
	}
	require.Equal(t, CircuitBreakerOpen, b.State())

	*now = now.Add(11 * time.Second)
	err := b.Execute(context.Background(), "append", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, CircuitBreakerOpen, b.State(), "failed probe reopens")

	*now = now.Add(11 * time.Second)
	require.NoError(t, b.Execute(context.Background(), "append", func(ctx context.Context) error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_RetriesWithinExecute(t *testing.T) {
	b := NewBreaker("cassandra", Config{
		FailureThreshold: 5,
		MaxAttempts:      3,
		BackoffStep:      time.Millisecond,
	}, nil, nil)

	calls := 0
	err := b.Execute(context.Background(), "append", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_AttemptTimeout(t *testing.T) {
	b := NewBreaker("cassandra", Config{MaxAttempts: 1, AttemptTimeout: 10 * time.Millisecond}, nil, nil)

	err := b.Execute(context.Background(), "list", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
