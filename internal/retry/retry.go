// Package retry implements bounded retries with jittered exponential
// backoff for broker calls that must succeed before a session can
// start. In-loop calls are single-shot; the next pass is their retry.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs fn up to MaxRetries+1 times, backing off between attempts
// while the error looks transient. Permanent errors return immediately.
func Do[T any](ctx context.Context, cfg Config, logger *log.Logger, desc string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", desc, cfg.Timeout, err)
		}

		result, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				logger.Printf("%s succeeded on attempt %d", desc, attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Printf("%s attempt %d/%d failed: %v", desc, attempt+1, cfg.MaxRetries+1, err)

		if !isTransient(err) || attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", desc, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempt(s): %w", desc, cfg.MaxRetries+1, lastErr)
}

// nextBackoff doubles the delay, caps it, and adds up to 25% jitter so
// concurrent sessions do not hammer the broker in lockstep.
func nextBackoff(current, max time.Duration) time.Duration {
	backoff := current * 2
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
