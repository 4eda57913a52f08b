package dbretry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQLStateErr struct{ state string }

func (e *fakeSQLStateErr) Error() string    { return "pg error " + e.state }
func (e *fakeSQLStateErr) SQLState() string { return e.state }

func TestIsRetryable_SQLStates(t *testing.T) {
	assert.True(t, IsRetryable(&fakeSQLStateErr{state: "40P01"}), "deadlock")
	assert.True(t, IsRetryable(&fakeSQLStateErr{state: "40001"}), "serialization failure")
	assert.True(t, IsRetryable(&fakeSQLStateErr{state: "08006"}), "connection failure")
	assert.False(t, IsRetryable(&fakeSQLStateErr{state: "23505"}), "unique violation is not transient")
}

func TestIsRetryable_TextPatterns(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("pq: deadlock detected")))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryable(errors.New("syntax error at or near SELECT")))
	assert.False(t, IsRetryable(nil))
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("constraint violated")
	err := Do(context.Background(), Options{}, func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, boom, err)
}

func TestDo_RetryableExhaustsIntoSentinel(t *testing.T) {
	calls := 0
	opts := Options{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	err := Do(context.Background(), opts, func(ctx context.Context) error {
		calls++
		return errors.New("deadlock detected")
	})
	assert.Equal(t, 3, calls)
	require.ErrorIs(t, err, ErrRetryableExhausted)
}

func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	opts := Options{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	err := Do(context.Background(), opts, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("could not serialize access")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := Options{MaxRetries: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	err := Do(ctx, opts, func(ctx context.Context) error {
		return errors.New("deadlock detected")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
