// Package retry provides bounded exponential backoff with jitter that honors
// server-provided retry hints.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps computed delays. Retry hints larger than this are still honored.
	MaxBackoff time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// JitterFraction is the fraction of backoff used for jitter (0.0-1.0).
	JitterFraction float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     2 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Classifier determines if an error is retryable.
type Classifier func(error) bool

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

// Runner executes functions under a Config.
type Runner struct {
	Config     Config
	Classifier Classifier
	Sleep      SleepFunc
	// OnRetry is called before each wait.
	OnRetry func(Attempt)
}

// Do executes fn with retry logic using the default classifier and sleep.
func Do(ctx context.Context, cfg Config, classifier Classifier, fn func(context.Context) error) error {
	return Runner{Config: cfg, Classifier: classifier}.Do(ctx, fn)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// ceiling is reached. The wait before each retry is the larger of the computed
// backoff and the error's retry hint.
func (r Runner) Do(ctx context.Context, fn func(context.Context) error) error {
	classifier := r.Classifier
	if classifier == nil {
		classifier = domain.Retryable
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	attempts := r.Config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	backoff := r.Config.InitialBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if !classifier(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := backoff + jitter(backoff, r.Config.JitterFraction)
		if r.Config.MaxBackoff > 0 && delay > r.Config.MaxBackoff {
			delay = r.Config.MaxBackoff
		}
		if hint := domain.RetryAfterOf(err); hint > delay {
			delay = hint
		}
		if r.OnRetry != nil {
			r.OnRetry(Attempt{Number: attempt, Delay: delay, Err: err})
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		backoff = time.Duration(float64(backoff) * r.Config.Multiplier)
		if r.Config.MaxBackoff > 0 && backoff > r.Config.MaxBackoff {
			backoff = r.Config.MaxBackoff
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// jitter returns a random duration in range [-fraction*d, +fraction*d].
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return 0
	}
	jitterRange := float64(d) * fraction
	jitterValue := (rand.Float64() - 0.5) * 2 * jitterRange
	return time.Duration(jitterValue)
}

// ExhaustedError reports that every attempt failed. It unwraps to the last error
// so the kind of the final failure is preserved.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
