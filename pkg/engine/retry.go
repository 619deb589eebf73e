package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// jitterFraction bounds the uniform jitter added on top of a backoff delay.
const jitterFraction = 0.25

// RetryPolicy describes bounded exponential backoff. It is an immutable
// value object and safe to share across goroutines.
type RetryPolicy struct {
	// MaxRetries is the total number of invocations, the first included.
	MaxRetries int `json:"max_retries"`

	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration `json:"max_delay"`

	// BackoffFactor is the exponential growth factor between attempts.
	BackoffFactor float64 `json:"backoff_factor"`

	// Jitter adds uniform noise in [0, delay*jitterFraction) to each delay.
	Jitter bool `json:"jitter"`
}

// DefaultRetryPolicy returns the policy used when configuration is silent.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Retrier executes operations under a RetryPolicy, gated by an
// error-class allow-list.
type Retrier struct {
	// policy is the backoff policy
	policy RetryPolicy

	// classes is the allow-list of retryable error classes
	classes map[ErrorClass]bool

	// sleep waits between attempts; injectable for tests
	sleep func(ctx context.Context, d time.Duration) error

	// jitterFn is the jitter randomness source; injectable for tests
	jitterFn func() float64

	// onRetry is invoked before each backoff sleep
	onRetry func(operation string, attempt int, delay time.Duration, err error)

	// logger records attempts and exhaustion
	logger zerolog.Logger
}

// NewRetrier creates a retrier with the default allow-list
// (transient, throttled, conflict).
func NewRetrier(policy RetryPolicy, logger zerolog.Logger) *Retrier {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 1
	}
	return &Retrier{
		policy: policy,
		classes: map[ErrorClass]bool{
			ErrorClassTransient: true,
			ErrorClassThrottled: true,
			ErrorClassConflict:  true,
		},
		sleep:    sleepContext,
		jitterFn: rand.Float64,
		logger:   logger,
	}
}

// WithRetryableClasses replaces the allow-list of retryable error classes.
func (r *Retrier) WithRetryableClasses(classes ...ErrorClass) *Retrier {
	r.classes = make(map[ErrorClass]bool, len(classes))
	for _, c := range classes {
		r.classes[c] = true
	}
	return r
}

// WithSleep replaces the inter-attempt sleep. Tests record delays here.
func (r *Retrier) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Retrier {
	r.sleep = fn
	return r
}

// WithJitterSource replaces the jitter randomness source.
func (r *Retrier) WithJitterSource(fn func() float64) *Retrier {
	r.jitterFn = fn
	return r
}

// WithOnRetry sets a hook invoked before each backoff sleep.
func (r *Retrier) WithOnRetry(fn func(operation string, attempt int, delay time.Duration, err error)) *Retrier {
	r.onRetry = fn
	return r
}

// Do runs fn until it succeeds, a non-retryable error occurs, or the policy
// is exhausted. After exhaustion the last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.retryable(err) {
			r.logger.Debug().
				Str("operation", operation).
				Int("attempt", attempt).
				Err(err).
				Msg("Error is not retryable")
			return err
		}

		if attempt >= r.policy.MaxRetries-1 {
			break
		}

		delay := r.backoff(attempt)

		if r.onRetry != nil {
			r.onRetry(operation, attempt, delay, err)
		}

		r.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after failure")

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	r.logger.Error().
		Str("operation", operation).
		Int("attempts", r.policy.MaxRetries).
		Err(lastErr).
		Msg("All retry attempts failed")

	return lastErr
}

// retryable reports whether err's class is on the allow-list.
// Unclassified errors are never retried.
func (r *Retrier) retryable(err error) bool {
	var ie *InstallError
	if errors.As(err, &ie) {
		return r.classes[ie.Class]
	}
	return false
}

// backoff computes the delay after the given zero-based attempt.
func (r *Retrier) backoff(attempt int) time.Duration {
	f := float64(r.policy.BaseDelay) * math.Pow(r.policy.BackoffFactor, float64(attempt))
	if r.policy.MaxDelay > 0 && f > float64(r.policy.MaxDelay) {
		f = float64(r.policy.MaxDelay)
	}

	delay := time.Duration(f)
	if r.policy.Jitter {
		delay += time.Duration(r.jitterFn() * float64(delay) * jitterFraction)
	}

	return delay
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
