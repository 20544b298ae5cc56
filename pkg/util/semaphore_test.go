package util

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSemaphoreUnlimited(t *testing.T) {
	t.Parallel()
	for _, count := range []int{0, -1} {
		s := NewSemaphore(count)
		for i := 0; i < 10; i++ {
			require.True(t, s.Acquire(context.Background()))
		}
		for i := 0; i < 10; i++ {
			s.Release()
		}
	}
}

func TestSemaphoreLimits(t *testing.T) {
	t.Parallel()
	s := NewSemaphore(5)
	var c int64
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			if !s.Acquire(context.Background()) {
				return
			}
			defer s.Release()
			ctr := atomic.AddInt64(&c, 1)
			require.LessOrEqual(t, ctr, int64(5))
			atomic.AddInt64(&c, -1)
		}()
	}
	wg.Wait()
}

func TestSemaphoreCancelled(t *testing.T) {
	t.Parallel()
	cancelledContext, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSemaphore(2)
	require.False(t, s.Acquire(cancelledContext), "a free slot is not taken once cancelled")
	require.True(t, s.Acquire(context.Background()))
	require.True(t, s.Acquire(context.Background()))
	require.False(t, s.Acquire(cancelledContext))
	s.Release()
	s.Release()

	require.False(t, NewSemaphore(0).Acquire(cancelledContext))
}
