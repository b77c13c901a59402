package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	mgerrors "github.com/c360/mediagraph/errors"
)

// NonRetryableError marks an error that must end the retry loop at once.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so Do returns it without another attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err, or an error it wraps, ends retrying.
// Errors classified as invalid or fatal do too.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	if errors.As(err, &nre) {
		return true
	}
	var ce *mgerrors.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == mgerrors.ErrorInvalid || ce.Class == mgerrors.ErrorFatal
	}
	return false
}

// Config controls attempts and backoff.
type Config struct {
	MaxAttempts  int           // 0 or less runs once
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool // add up to 25% to each delay
}

// DefaultConfig is three attempts starting at 100ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Validate rejects negative or inconsistent settings.
func (c Config) Validate() error {
	switch {
	case c.InitialDelay < 0, c.MaxDelay < 0, c.Multiplier < 0:
		return mgerrors.WrapInvalid(mgerrors.ErrInvalidConfig, "retry", "Validate", "negative backoff setting")
	case c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay:
		return mgerrors.WrapInvalid(mgerrors.ErrInvalidConfig, "retry", "Validate", "max delay below initial delay")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = max(5*time.Second, c.InitialDelay)
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	c.Multiplier = min(c.Multiplier, 1000)
	return c
}

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx ends.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter && delay >= 4 {
			wait += time.Duration(rand.Int64N(int64(delay / 4)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * cfg.Multiplier
		if next > float64(cfg.MaxDelay) {
			delay = cfg.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}
	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
