package resilience

import (
	"testing"
	"time"

	"github.com/rendis/actseq/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func newTestRegistry(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	r.now = func() time.Time { return now }
	return r, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)

	assert.NoError(t, r.AllowRequest("c/remote"))
	assert.Equal(t, CircuitClosed, r.RecordFailure("c/remote"))
	assert.Equal(t, CircuitClosed, r.RecordFailure("c/remote"))
	assert.Equal(t, CircuitOpen, r.RecordFailure("c/remote"))

	err := r.AllowRequest("c/remote")
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))

	assert.NoError(t, r.AllowRequest("c/other"), "breakers are per source")
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	r, now := newTestRegistry(1, time.Minute)

	r.RecordFailure("src")
	assert.Equal(t, CircuitOpen, r.State("src"))

	*now = now.Add(time.Minute)
	assert.NoError(t, r.AllowRequest("src"), "first test request passes")
	assert.True(t, schema.IsCode(r.AllowRequest("src"), schema.ErrCodeCircuitOpen), "second is rejected")

	r.RecordSuccess("src")
	assert.Equal(t, CircuitClosed, r.State("src"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	r, now := newTestRegistry(1, time.Minute)

	r.RecordFailure("src")
	*now = now.Add(2 * time.Minute)
	assert.NoError(t, r.AllowRequest("src"))
	assert.Equal(t, CircuitOpen, r.RecordFailure("src"))
	assert.Equal(t, "open", r.State("src").String())
}
