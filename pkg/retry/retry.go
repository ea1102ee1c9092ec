package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Strategy selects how the delay grows between attempts.
type Strategy int

const (
	// Linear waits attempt * InitialDelay after the attempt-th failure.
	Linear Strategy = iota
	// Exponential waits InitialDelay * Multiplier^(attempt-1).
	Exponential
)

// Config defines retry behavior
type Config struct {
	MaxAttempts  int // Total attempts including the first one
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     Strategy
	Multiplier   float64 // Exponential only
	JitterFactor float64 // 0.0-1.0, +/- jitter applied to computed delays, never to server hints
}

// DefaultConfig returns sensible defaults for upstream calls:
// 3 attempts, 1s/2s linear backoff, capped at 30s, no jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Strategy:     Linear,
		Multiplier:   2.0,
	}
}

// DatabaseConfig returns defaults for database operations
// 3 attempts with 100ms initial delay, capped at 5s, doubling each time, with 10% jitter
func DatabaseConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Strategy:     Exponential,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (c *Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch c.Strategy {
	case Exponential:
		mult := c.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		d = time.Duration(float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	default:
		d = c.InitialDelay * time.Duration(attempt)
	}

	return c.clamp(applyJitter(d, c.JitterFactor))
}

func (c *Config) clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// applyJitter adds random jitter to a delay to prevent thundering herd.
// Returns the delay with jitter applied if jitterFactor > 0.
// Jitter is calculated as: delay +/- (delay * jitterFactor * random(-1 to +1))
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// DelayHinter is implemented by errors that carry a server-provided wait,
// such as a Retry-After header on a throttled response.
type DelayHinter interface {
	RetryAfter() (time.Duration, bool)
}

// RetryableError is an interface for errors that explicitly declare their retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string     { return e.err.Error() }
func (e *permanentError) Unwrap() error     { return e.err }
func (e *permanentError) IsRetryable() bool { return false }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hooks lets callers observe the retry loop. All fields are optional.
type Hooks struct {
	// OnRetry runs after a failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep replaces SleepContext, mainly in tests.
	Sleep Sleeper
}

// Run executes fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. fn receives the 1-based attempt number. The wait
// between attempts honours a DelayHinter on the error, else cfg.Delay.
// Run returns the number of attempts made.
func Run[T any](ctx context.Context, cfg *Config, hooks Hooks, fn func(attempt int) (T, error)) (T, int, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := hooks.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == maxAttempts {
			return zero, attempt, err
		}

		delay := cfg.Delay(attempt)
		var hinter DelayHinter
		if errors.As(err, &hinter) {
			if hint, ok := hinter.RetryAfter(); ok {
				delay = cfg.clamp(hint)
			}
		}

		if hooks.OnRetry != nil {
			hooks.OnRetry(attempt, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, attempt, err
		}
	}

	return zero, maxAttempts, lastErr
}

// Do executes fn with backoff, retrying every error.
// Returns nil on success, or last error after all attempts are exhausted.
// Respects context cancellation during wait periods
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, _, err := Run(ctx, cfg, Hooks{}, func(int) (struct{}, error) {
		if err := fn(); err != nil {
			return struct{}{}, alwaysRetry{err}
		}
		return struct{}{}, nil
	})
	var ar alwaysRetry
	if errors.As(err, &ar) {
		return ar.err
	}
	return err
}

// DoIfRetryable only retries if the error is transient
// For permanent errors (auth failures, bad SQL, etc.), it returns immediately
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	_, _, err := Run(ctx, cfg, Hooks{}, func(int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

type alwaysRetry struct{ err error }

func (a alwaysRetry) Error() string     { return a.err.Error() }
func (a alwaysRetry) Unwrap() error     { return a.err }
func (a alwaysRetry) IsRetryable() bool { return true }

// IsRetryable determines if an error is transient and worth retrying
// This prevents wasting retries on permanent failures (auth errors, bad SQL, etc.)
//
// The function checks errors in this order:
// 1. Context cancellation and deadlines are never retried
// 2. If the error implements RetryableError interface, use its IsRetryable() method
// 3. Otherwise, pattern-match against known retryable error strings
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		// Connection errors
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"i/o timeout",
		"network is unreachable",
		"unexpected eof",
		// HTTP status codes
		"429",
		"500",
		"502",
		"503",
		"504",
		// HTTP error messages
		"rate limit",
		"service busy",
		"service unavailable",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
