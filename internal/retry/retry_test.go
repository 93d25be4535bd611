package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), testConfig(), discard(), "fetch", func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), testConfig(), discard(), "fetch", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testConfig(), discard(), "fetch", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid credentials")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testConfig(), discard(), "fetch", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("503 service unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "failed after 4 attempt(s)")
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, testConfig(), discard(), "fetch", func(context.Context) (int, error) {
		return 0, errors.New("timeout")
	})
	require.Error(t, err)
}

func TestNextBackoffCapsAndJitters(t *testing.T) {
	max := 8 * time.Millisecond
	b := nextBackoff(6*time.Millisecond, max)
	assert.GreaterOrEqual(t, b, max)
	assert.LessOrEqual(t, b, max+max/4)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("dial tcp: i/o timeout")))
	assert.True(t, isTransient(errors.New("HTTP 429 Too Many Requests")))
	assert.False(t, isTransient(errors.New("order rejected: insufficient funds")))
	assert.False(t, isTransient(nil))
}
