// Package retry runs idempotent operations under bounded exponential
// backoff. It is meant for remote reads (balances, positions, snapshot
// fetches); order placement is never retried here.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Config bounds the retry schedule.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Defaults returns the schedule used when the caller does not care:
// up to 4 attempts starting at 250ms.
func Defaults() Config {
	return Config{
		MaxAttempts:     4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = Defaults().MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = Defaults().InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = Defaults().MaxInterval
	}
	return c
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or ctx
// is cancelled. After exhaustion the returned error names the attempt
// count and wraps the last failure.
func Do(ctx context.Context, cfg Config, log zerolog.Logger, op string, fn func() error) error {
	cfg = cfg.normalized()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = 0

	attempts := 0
	wrapped := func() error {
		attempts++
		err := fn()
		if err != nil {
			log.Warn().
				Str("op", op).
				Int("attempt", attempts).
				Int("max_attempts", cfg.MaxAttempts).
				Err(err).
				Msg("retryable operation failed")
		}
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1)), ctx))
	if err != nil {
		return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempts, err)
	}
	return nil
}
