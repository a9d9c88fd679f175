// Package retry re-runs side-channel writes (history inserts, archive
// uploads, control API calls) with capped exponential backoff. The plugin
// apply itself is never retried.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Config controls how often and how patiently an operation is retried.
type Config struct {
	MaxAttempts int           // total attempts, 0 retries until ctx is done
	InitialWait time.Duration // wait after the first failure
	MaxWait     time.Duration // cap on a single wait, 0 for none
	Multiplier  float64       // growth per attempt, values below 1 count as 1
	Jitter      float64       // fraction of the wait randomized in both directions

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig suits a write to a local database or object store.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as worth another attempt. It returns nil for nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err, or an error it wraps, was marked by
// Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Do calls fn until it succeeds, returns an unmarked error, the attempts
// run out or ctx is done. The last error from fn is returned as is.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	wait := cfg.InitialWait
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d := cfg.jittered(wait)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, d)
		}
		if !sleep(ctx, d) {
			return ctx.Err()
		}
		wait = cfg.next(wait)
	}
}

func (c Config) next(wait time.Duration) time.Duration {
	m := c.Multiplier
	if m < 1 {
		m = 1
	}
	wait = time.Duration(float64(wait) * m)
	if c.MaxWait > 0 && wait > c.MaxWait {
		wait = c.MaxWait
	}
	return wait
}

func (c Config) jittered(wait time.Duration) time.Duration {
	if c.MaxWait > 0 && wait > c.MaxWait {
		wait = c.MaxWait
	}
	if c.Jitter <= 0 || wait <= 0 {
		return wait
	}
	delta := float64(wait) * c.Jitter * (2*rand.Float64() - 1)
	return wait + time.Duration(delta)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
