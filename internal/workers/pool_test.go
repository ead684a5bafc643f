package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BasicExecution(t *testing.T) {
	pool := NewPool(2)
	defer pool.Shutdown()

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestPool_ConcurrencyLimit(t *testing.T) {
	pool := NewPool(3)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	errs := pool.Map(context.Background(), 10, func(ctx context.Context, i int) error {
		c := atomic.AddInt64(&current, 1)
		mu.Lock()
		if c > peak {
			peak = c
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return nil
	})

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak, int64(3))
}

func TestPool_MapCollectsErrorsByIndex(t *testing.T) {
	pool := NewPool(4)
	defer pool.Shutdown()

	boom := errors.New("boom")
	errs := pool.Map(context.Background(), 5, func(ctx context.Context, i int) error {
		switch i {
		case 1:
			return boom
		case 3:
			panic("kaboom")
		}
		return nil
	})

	require.Len(t, errs, 5)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.ErrorContains(t, errs[3], "kaboom")
	assert.Equal(t, int64(1), pool.Metrics().Panics)
	assert.Equal(t, int64(2), pool.Metrics().Failed)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewPool(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)

	errs := pool.Map(context.Background(), 2, func(ctx context.Context, i int) error { return nil })
	assert.ErrorIs(t, errs[0], ErrPoolShutdown)
}

func TestPool_SubmitRespectsContext(t *testing.T) {
	pool := NewPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
