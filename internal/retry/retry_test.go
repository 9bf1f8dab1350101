package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func TestWithRetry_RateLimitedExhaustsMaxRetriesPlusOne(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 5, 7} {
		t.Run(fmt.Sprintf("max_%d", maxRetries), func(t *testing.T) {
			rec := &sleepRecorder{}
			attempts := 0
			var retried []int

			err := WithRetry(context.Background(), func(context.Context) error {
				attempts++
				return &RateLimitError{}
			},
				WithMaxRetries(maxRetries),
				WithJitter(0),
				WithSleep(rec.sleep),
				WithOnRetry(func(attempt int, _ error) { retried = append(retried, attempt) }),
			)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRetriesExhausted)
			assert.True(t, IsRateLimited(err))
			assert.Equal(t, maxRetries+1, attempts)
			assert.Len(t, rec.waits, maxRetries)
			assert.Len(t, retried, maxRetries)

			for i := 1; i < len(rec.waits); i++ {
				assert.GreaterOrEqual(t, rec.waits[i], rec.waits[i-1], "delay %d decreased", i)
				assert.LessOrEqual(t, rec.waits[i], DefaultSchedule[len(DefaultSchedule)-1])
			}
		})
	}
}

func TestDelayIsMonotonicAndCapped(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 16, 16}
	for i, w := range want {
		assert.Equal(t, w*time.Second, Delay(i), "attempt %d", i)
	}
	assert.Equal(t, time.Second, Delay(-1))
}

func TestWithRetry_JitterStaysBelowBound(t *testing.T) {
	rec := &sleepRecorder{}
	_ = WithRetry(context.Background(), func(context.Context) error {
		return &RateLimitError{}
	}, WithMaxRetries(3), WithSleep(rec.sleep))

	require.Len(t, rec.waits, 3)
	for i, w := range rec.waits {
		base := Delay(i)
		assert.GreaterOrEqual(t, w, base)
		assert.Less(t, w, base+DefaultJitter)
	}
}

func TestWithRetry_NonRetryableReturnsImmediately(t *testing.T) {
	rec := &sleepRecorder{}
	boom := errors.New("validation failed")
	attempts := 0

	err := WithRetry(context.Background(), func(context.Context) error {
		attempts++
		return boom
	}, WithSleep(rec.sleep))

	assert.Same(t, boom, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.waits)
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	rec := &sleepRecorder{}
	attempts := 0

	v, err := Do(context.Background(), func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", fmt.Errorf("read orders: %w", syscall.ECONNRESET)
		}
		return "ok", nil
	}, WithJitter(0), WithSleep(rec.sleep))

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestWithRetry_RetryAfterRaisesDelay(t *testing.T) {
	rec := &sleepRecorder{}
	attempts := 0
	err := WithRetry(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return &RateLimitError{RetryAfter: 10 * time.Second}
		}
		return nil
	}, WithJitter(0), WithSleep(rec.sleep))

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Second}, rec.waits)
}

func TestWithRetry_ContextCancelAbortsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	errCh := make(chan error, 1)
	go func() {
		errCh <- WithRetry(ctx, func(context.Context) error {
			attempts++
			return &StatusError{StatusCode: 503}
		}, WithSchedule(time.Hour))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("WithRetry did not return after cancel")
	}
	assert.Equal(t, 1, attempts)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		rateLimited bool
		transient   bool
	}{
		{name: "nil", err: nil},
		{name: "rate limit error", err: &RateLimitError{}, rateLimited: true},
		{name: "429 status", err: &StatusError{StatusCode: 429}, rateLimited: true},
		{name: "503 status", err: &StatusError{StatusCode: 503}, transient: true},
		{name: "404 status", err: &StatusError{StatusCode: 404}},
		{name: "conn reset", err: fmt.Errorf("dial: %w", syscall.ECONNRESET), transient: true},
		{name: "conn refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), transient: false},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, transient: true},
		{name: "plain", err: errors.New("bad")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.rateLimited, IsRateLimited(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}
