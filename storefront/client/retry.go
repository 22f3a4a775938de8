package client

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// =============================================================================
// Backoff Policies
// =============================================================================

// BackoffPolicy returns the delay before retry attempt N (1-based).
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// BackoffFunc adapts a function to BackoffPolicy.
type BackoffFunc func(attempt int) time.Duration

// NextDelay calls f.
func (f BackoffFunc) NextDelay(attempt int) time.Duration {
	return f(attempt)
}

// FixedBackoff waits the same delay before every attempt.
type FixedBackoff struct {
	Delay time.Duration
}

// NextDelay returns b.Delay.
func (b FixedBackoff) NextDelay(int) time.Duration {
	if b.Delay < 0 {
		return 0
	}
	return b.Delay
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at MaxDelay,
// with +/- Jitter (0.0 to 1.0) applied as a fraction of the computed delay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExponentialBackoff creates an exponential policy.
func NewExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration, jitter float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initial,
		Multiplier:   multiplier,
		MaxDelay:     max,
		Jitter:       jitter,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay computes the delay for attempt.
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.InitialDelay <= 0 {
		return 0
	}
	multiplier := b.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}

	backoff := float64(b.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if b.MaxDelay > 0 && backoff > float64(b.MaxDelay) {
		backoff = float64(b.MaxDelay)
	}

	if b.Jitter > 0 {
		jitter := math.Min(b.Jitter, 1.0)
		b.mu.Lock()
		if b.rng == nil {
			b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		f := b.rng.Float64()*2 - 1
		b.mu.Unlock()
		backoff += backoff * jitter * f
	}

	return time.Duration(backoff)
}

// =============================================================================
// Caller-side Retry
// =============================================================================

// RetryConfig configures Retry.
type RetryConfig struct {
	// MaxRetries is the maximum number of retries after the first attempt.
	MaxRetries int
	// Backoff computes the wait before each retry. Nil means no wait.
	Backoff BackoffPolicy
}

// DefaultRetryConfig returns sensible defaults for caller-side retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Backoff:    NewExponentialBackoff(100*time.Millisecond, 2.0, 10*time.Second, 0.1),
	}
}

// Retry runs fn until it succeeds, returns an error that IsRetryable rejects, the
// retries are exhausted, or ctx is done. Client itself never retries; this helper is
// for callers that decide a request is safe to repeat.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			var wait time.Duration
			if cfg.Backoff != nil {
				wait = cfg.Backoff.NextDelay(attempt)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
