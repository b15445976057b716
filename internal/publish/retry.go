package publish

import (
	"context"
	"errors"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/retry"
)

type retrying struct {
	next   Publisher
	runner retry.Runner
	log    logger.Logger
}

// WithRetry retries network and rate-limit failures from next. Session and
// content errors are returned on the first occurrence.
func WithRetry(next Publisher, runner retry.Runner, log logger.Logger) Publisher {
	return &retrying{next: next, runner: runner, log: logger.Ensure(log)}
}

func (r *retrying) Publish(ctx context.Context, media Media, session credentials.SessionMaterial) (Result, error) {
	var (
		res      Result
		attempts int
	)
	runner := r.runner
	onRetry := runner.OnRetry
	runner.OnRetry = func(a retry.Attempt) {
		r.log.WarnObj("publish retry scheduled", "attempt", map[string]any{
			"number": a.Number,
			"delay":  a.Delay.String(),
			"error":  a.Err.Error(),
			"source": media.SourceID,
		})
		if onRetry != nil {
			onRetry(a)
		}
	}
	err := runner.Do(ctx, func(ctx context.Context) error {
		attempts++
		out, err := r.next.Publish(ctx, media, session)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return Result{}, &AttemptError{Attempts: attempts, Err: err}
	}
	res.Attempts = attempts
	return res, nil
}

// AttemptError carries how many publish attempts ran before a failure,
// whether retries were exhausted or stopped on a terminal error.
type AttemptError struct {
	Attempts int
	Err      error
}

func (e *AttemptError) Error() string { return e.Err.Error() }
func (e *AttemptError) Unwrap() error { return e.Err }

// AttemptsOf reports the attempts recorded on err, or 1 when err carries none.
func AttemptsOf(err error) int {
	var ae *AttemptError
	if errors.As(err, &ae) && ae.Attempts > 0 {
		return ae.Attempts
	}
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 1
}
