package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/actseq/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 3, 0},
		{"none", &RetryPolicy{Backoff: BackoffNone, Delay: "1s"}, 2, 0},
		{"constant", &RetryPolicy{Backoff: BackoffConstant, Delay: "100ms"}, 4, 100 * time.Millisecond},
		{"linear", &RetryPolicy{Backoff: BackoffLinear, Delay: "100ms"}, 2, 300 * time.Millisecond},
		{"exponential", &RetryPolicy{Backoff: BackoffExponential, Delay: "100ms"}, 3, 800 * time.Millisecond},
		{"capped", &RetryPolicy{Backoff: BackoffExponential, Delay: "1s", MaxDelay: "5s"}, 10, 5 * time.Second},
		{"bad delay", &RetryPolicy{Backoff: BackoffConstant, Delay: "soon"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, (*RetryPolicy)(nil).Validate())
	assert.NoError(t, (&RetryPolicy{Max: 2, Backoff: BackoffLinear, Delay: "10ms"}).Validate())

	err := (&RetryPolicy{Backoff: "fibonacci"}).Validate()
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = (&RetryPolicy{Delay: "later"}).Validate()
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "/retry/delay", se.Path)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryPolicy{Max: 3}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryPolicy{Max: 5}, func(ctx context.Context, attempt int) error {
		calls++
		return schema.NewError(schema.ErrCodeNotFound, "gone")
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), &RetryPolicy{Max: 2}, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetry_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &RetryPolicy{Max: 3, Backoff: BackoffConstant, Delay: "1h"}

	err := Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(schema.NewError(schema.ErrCodeValidation, "bad")))
}
