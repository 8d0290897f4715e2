package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 10 * time.Second}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.n), "Delay(%d)", tt.n)
	}

	assert.Zero(t, RetryPolicy{}.Delay(3))
}

func TestRetryPolicy_DelayNeverExceedsCap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "base"))
		capped := base + time.Duration(rapid.Int64Range(0, int64(time.Hour)).Draw(t, "extra"))
		n := rapid.IntRange(0, 200).Draw(t, "n")

		d := RetryPolicy{Base: base, Cap: capped}.Delay(n)
		if d < base || d > capped {
			t.Fatalf("Delay(%d) = %v outside [%v, %v]", n, d, base, capped)
		}
	})
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: time.Millisecond, Cap: time.Millisecond}
	v, attempts, err := Retry(context.Background(), p, func(_ context.Context, attempt int) (string, error) {
		if attempt < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestRetry_NeverExceedsBudget(t *testing.T) {
	sentinel := errors.New("down")
	p := RetryPolicy{MaxAttempts: 4, Base: time.Millisecond, Cap: time.Millisecond}

	calls := 0
	_, attempts, err := Retry(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, Base: time.Millisecond, Cap: time.Millisecond}

	_, attempts, err := Retry(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, &StatusError{Code: 422}
	})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 422, se.Code)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ZeroAttemptsMeansOne(t *testing.T) {
	_, attempts, err := Retry(context.Background(), RetryPolicy{}, func(context.Context, int) (int, error) {
		return 0, errors.New("x")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", errors.New("connection refused"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"5xx", &StatusError{Code: 503}, true},
		{"4xx", &StatusError{Code: 429}, false},
		{"malformed", ErrMalformedResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
