package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPublishSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := retryPublish(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("channel closed")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPublishExhaustsRetries(t *testing.T) {
	attempts := 0
	sentinel := errors.New("broker down")
	err := retryPublish(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, attempts) // 首次 + 2次重试
}

func TestRetryPublishNoRetriesConfigured(t *testing.T) {
	attempts := 0
	err := retryPublish(context.Background(), 0, time.Millisecond, func() error {
		attempts++
		return errors.New("broker down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPublishStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := retryPublish(ctx, 10, time.Hour, func() error {
		attempts++
		return errors.New("broker down")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
