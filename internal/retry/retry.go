// Package retry wraps remote calls with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

const DefaultMaxRetries = 5

// DefaultSchedule is the backoff before retry k (0-based), capped at the last entry.
var DefaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// DefaultJitter bounds the random delay added to each backoff.
const DefaultJitter = time.Second

type options struct {
	maxRetries int
	schedule   []time.Duration
	jitter     time.Duration
	onRetry    func(attempt int, err error)
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures WithRetry.
type Option func(*options)

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithSchedule replaces the backoff schedule.
func WithSchedule(schedule ...time.Duration) Option {
	return func(o *options) {
		if len(schedule) > 0 {
			o.schedule = schedule
		}
	}
}

// WithJitter sets the jitter bound. Zero disables jitter.
func WithJitter(d time.Duration) Option {
	return func(o *options) { o.jitter = d }
}

// WithOnRetry registers a callback invoked before each retry with the
// 1-based attempt number that failed.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleep replaces the sleep function, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

func defaults() options {
	return options{
		maxRetries: DefaultMaxRetries,
		schedule:   DefaultSchedule,
		jitter:     DefaultJitter,
		sleep:      sleepContext,
	}
}

// Delay returns the backoff before retry number attempt (0-based) of the
// default schedule, without jitter.
func Delay(attempt int) time.Duration {
	return delay(DefaultSchedule, attempt)
}

func delay(schedule []time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}

// WithRetry runs op until it succeeds, fails with a non-retryable error,
// or maxRetries retries have been spent.
func WithRetry(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Do is WithRetry for operations that return a value.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt >= o.maxRetries {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}

		wait := delay(o.schedule, attempt)
		if ra := retryAfter(err); ra > wait {
			wait = ra
		}
		if o.jitter > 0 {
			wait += rand.N(o.jitter)
		}

		if o.onRetry != nil {
			o.onRetry(attempt+1, err)
		}
		if err := o.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
