package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ThrottledError is returned by collaborators when the server asked us to slow down.
type ThrottledError struct {
	RetryAfter time.Duration
	Msg        string
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled (retry after %v): %s", e.RetryAfter, e.Msg)
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Caller spends one token per attempt from a per-minute budget and retries
// transient failures with exponential backoff.
type Caller struct {
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewCaller(requestsPerMinute, maxAttempts int, baseDelay time.Duration, logger *zap.Logger) *Caller {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	burst := requestsPerMinute / 60
	if burst < 1 {
		burst = 1
	}
	return &Caller{
		limiter:     rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), burst),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    time.Minute,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Once runs fn a single time under the rate limit. Used for order placement.
func (c *Caller) Once(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Do runs fn until it succeeds, fails permanently, or the attempts run out.
// A ThrottledError waits for the server hint instead of the backoff delay.
func (c *Caller) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == c.maxAttempts-1 {
			break
		}

		wait := c.backoff(attempt)
		var throttled *ThrottledError
		if errors.As(err, &throttled) && throttled.RetryAfter > 0 {
			wait = throttled.RetryAfter
		}
		c.logger.Warn("call failed, retrying",
			zap.String("call", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: all %d attempts failed: %w", name, c.maxAttempts, lastErr)
}

func (c *Caller) backoff(attempt int) time.Duration {
	if attempt >= 30 {
		return c.maxDelay
	}
	d := c.baseDelay << uint(attempt)
	if d <= 0 || d > c.maxDelay {
		return c.maxDelay
	}
	return d
}
