package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// =============================================================================
// Backoff Tests
// =============================================================================

func TestFixedBackoff(t *testing.T) {
	b := FixedBackoff{Delay: 250 * time.Millisecond}
	for attempt := 1; attempt <= 4; attempt++ {
		if got := b.NextDelay(attempt); got != 250*time.Millisecond {
			t.Errorf("NextDelay(%d) = %v, want 250ms", attempt, got)
		}
	}
	if got := (FixedBackoff{Delay: -time.Second}).NextDelay(1); got != 0 {
		t.Errorf("negative delay = %v, want 0", got)
	}
}

func TestExponentialBackoff_NoJitter(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, 2.0, time.Second, 0)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.NextDelay(i + 1); got != w {
			t.Errorf("NextDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := b.NextDelay(0); got != 100*time.Millisecond {
		t.Errorf("NextDelay(0) = %v, want 100ms", got)
	}
}

func TestExponentialBackoff_JitterBounds(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 1.0, 0, 0.2)
	for i := 0; i < 100; i++ {
		got := b.NextDelay(3)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("NextDelay() = %v, want within [800ms, 1200ms]", got)
		}
	}
}

func TestExponentialBackoff_ZeroValue(t *testing.T) {
	var b ExponentialBackoff
	if got := b.NextDelay(5); got != 0 {
		t.Errorf("zero-value NextDelay = %v, want 0", got)
	}
	b = ExponentialBackoff{InitialDelay: 10 * time.Millisecond, Multiplier: 0.5, Jitter: 0.5}
	got := b.NextDelay(4)
	if got < 5*time.Millisecond || got > 15*time.Millisecond {
		t.Errorf("NextDelay with multiplier<1 = %v, want ~10ms", got)
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.Backoff == nil {
		t.Fatal("Backoff should not be nil")
	}
}

// =============================================================================
// Retry Tests
// =============================================================================

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxRetries: max, Backoff: FixedBackoff{Delay: time.Millisecond}}
}

func TestRetry_RetriesRetryableUntilSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return ClassifyResponse(http.StatusServiceUnavailable, nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(5), func(context.Context) error {
		attempts++
		return ClassifyResponse(http.StatusUnauthorized, nil)
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Retry() error = %v, want Unauthorized", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(2), func(context.Context) error {
		attempts++
		return ClassifyTransportError(errors.New("connection refused"))
	})
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("Retry() error = %v, want Network", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	cfg := RetryConfig{MaxRetries: 5, Backoff: FixedBackoff{Delay: time.Hour}}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func(context.Context) error {
		attempts++
		return ClassifyResponse(http.StatusBadGateway, nil)
	})
	if !errors.Is(err, ErrServerError) {
		t.Errorf("Retry() error = %v, want last ServerError", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
