// Package resilience provides retry backoff and circuit breaking for operators
// that reach outside the store.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/actseq/pkg/schema"
)

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy is the authored retry configuration of an operator call.
// Delay and MaxDelay use time.ParseDuration syntax.
type RetryPolicy struct {
	Max      int    `json:"max" mapstructure:"max"`
	Backoff  string `json:"backoff,omitempty" mapstructure:"backoff"`
	Delay    string `json:"delay,omitempty" mapstructure:"delay"`
	MaxDelay string `json:"max_delay,omitempty" mapstructure:"max_delay"`
}

// Validate checks the policy fields.
func (p *RetryPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.Max < 0 {
		return schema.NewError(schema.ErrCodeValidation, "retry max must not be negative").WithPath("/retry/max")
	}
	switch p.Backoff {
	case "", BackoffNone, BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown backoff %q", p.Backoff).WithPath("/retry/backoff")
	}
	for path, d := range map[string]string{"/retry/delay": p.Delay, "/retry/max_delay": p.MaxDelay} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q", d).WithPath(path).WithCause(err)
		}
	}
	return nil
}

// IsRetryable classifies an error. Cancellation and non-retryable *schema.Error
// codes stop retries; deadlines and unknown errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *schema.Error
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
// "none" means retry immediately.
func ComputeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == BackoffNone {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = base << uint(attempt)
		if delay < base {
			// overflow
			delay = time.Duration(1<<63 - 1)
		}
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns ctx.Err() if ctx ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. The last error is returned.
func Retry(ctx context.Context, policy *RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	maxRetries := 0
	if policy != nil {
		maxRetries = policy.Max
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt >= maxRetries || !IsRetryable(err) {
			return err
		}
		if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
			return schema.NewError(schema.ErrCodeCancelled, "retry wait interrupted").WithCause(errors.Join(werr, err))
		}
	}
}
