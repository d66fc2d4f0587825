package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var retryAlways = func(error) bool { return true }

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryWithBackoff_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	}, retryAlways)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_GivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(), func() error {
		attempts++
		return errors.New("still broken")
	}, retryAlways)

	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial try + 3 retries
	assert.Contains(t, err.Error(), "max retries")
	assert.ErrorContains(t, err, "still broken")
}

func TestRetryWithBackoff_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	permanent := errors.New("permanent")
	err := RetryWithBackoff(context.Background(), fastPolicy(), func() error {
		attempts++
		return permanent
	}, func(error) bool { return false })

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := RetryWithBackoff(ctx, &RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func() error {
		attempts++
		cancel()
		return errors.New("flaky")
	}, retryAlways)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelay_Bounded(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt, time.Second, 5*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}
