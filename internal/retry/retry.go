// Package retry provides the bounded retry/timeout supervisor shared by the
// MCP layer and the execution engine.
package retry

import (
	"context"
	"errors"
	"time"
)

// Options configures a supervised operation.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	// Total attempts never exceed MaxRetries+1. Default: 3.
	MaxRetries int

	// BaseDelay is the wait after the first failure. Default: 1s.
	BaseDelay time.Duration

	// ExponentialBackoff doubles the delay after every failed attempt.
	ExponentialBackoff bool

	// Timeout bounds each individual attempt. Default: 30s.
	Timeout time.Duration

	// ShouldRetry decides whether an error is worth another attempt.
	// Cancellation is never retried regardless of this hook.
	ShouldRetry func(error) bool
}

// DefaultOptions returns the supervisor defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:         3,
		BaseDelay:          time.Second,
		ExponentialBackoff: true,
		Timeout:            30 * time.Second,
	}
}

// Result reports the outcome of a supervised operation.
type Result[T any] struct {
	OK       bool
	Value    T
	Err      error
	Attempts int
	Elapsed  time.Duration
}

func sanitize(opts Options) Options {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return opts
}

// WithRetry runs action under the supervisor. Each attempt is wrapped in a
// per-attempt timeout; failed attempts wait BaseDelay (doubled each time when
// ExponentialBackoff is set) before the next try.
func WithRetry[T any](ctx context.Context, opts Options, action func(context.Context) (T, error)) Result[T] {
	opts = sanitize(opts)
	start := time.Now()

	var result Result[T]
	delay := opts.BaseDelay

	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Elapsed = time.Since(start)
			return result
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		value, err := action(attemptCtx)
		cancel()

		if err == nil {
			result.OK = true
			result.Value = value
			result.Err = nil
			result.Elapsed = time.Since(start)
			return result
		}
		result.Err = err

		if errors.Is(err, context.Canceled) {
			result.Elapsed = time.Since(start)
			return result
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			result.Elapsed = time.Since(start)
			return result
		}
		if IsPermanent(err) {
			result.Elapsed = time.Since(start)
			return result
		}

		if attempt > opts.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Elapsed = time.Since(start)
			return result
		case <-time.After(delay):
		}

		if opts.ExponentialBackoff {
			delay *= 2
		}
	}

	result.Elapsed = time.Since(start)
	return result
}

// Do runs an action that produces no value.
func Do(ctx context.Context, opts Options, action func(context.Context) error) Result[struct{}] {
	return WithRetry(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
}

// IsCancellation reports whether err stems from a cancelled context rather
// than a failed operation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks whether an error was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
