package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	r := New(fastConfig())
	err := r.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	r := New(fastConfig())
	err := r.Do(func() error {
		attempts++
		return errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	cfg := fastConfig()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, fatal) }

	attempts := 0
	err := New(cfg).Do(func() error {
		attempts++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(fastConfig()).DoWithContext(ctx, func(ctx context.Context) error {
		return errors.New("should not matter")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnRetryCallback(t *testing.T) {
	var retries []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}

	_ = New(cfg).Do(func() error { return errors.New("x") })
	// Retries fire between attempts, so one fewer than MaxAttempts.
	assert.Equal(t, []int{1, 2}, retries)
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{})
	assert.Equal(t, 5, r.config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, r.config.InitialDelay)
	assert.Equal(t, 30*time.Second, r.config.MaxDelay)
	assert.Equal(t, 2.0, r.config.Multiplier)
}

func TestCalculateDelayCapped(t *testing.T) {
	cfg := Config{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   10.0,
	}
	r := New(cfg)
	assert.Equal(t, time.Second, r.calculateDelay(1))
	assert.Equal(t, 2*time.Second, r.calculateDelay(5))
}
