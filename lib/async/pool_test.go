package async_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/lib/async"
)

func TestSameKeyRunsSerially(t *testing.T) {
	pool, err := async.NewKeyedPool(8)
	require.NoError(t, err)
	defer pool.Close()

	var mu sync.Mutex
	var order []int
	var inFlight int32

	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, pool.Submit(context.Background(), "order-1", func(context.Context) error {
			require.Equal(t, int32(1), atomic.AddInt32(&inFlight, 1), "same-key tasks must not overlap")
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	require.Len(t, order, 20)
	for i, seen := range order {
		require.Equal(t, i, seen, "same-key tasks must run in submission order")
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	pool, err := async.NewKeyedPool(4)
	require.NoError(t, err)
	defer pool.Close()

	started := make(chan string, 2)
	release := make(chan struct{})

	for _, key := range []string{"a", "b"} {
		key := key
		require.NoError(t, pool.Submit(context.Background(), key, func(context.Context) error {
			started <- key
			<-release
			return nil
		}))
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-started:
			seen[key] = true
		case <-time.After(2 * time.Second):
			t.Fatal("distinct keys did not run concurrently")
		}
	}
	close(release)
	require.True(t, seen["a"] && seen["b"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
}

func TestSubmitAfterCloseFails(t *testing.T) {
	pool, err := async.NewKeyedPool(1)
	require.NoError(t, err)
	pool.Close()
	require.Error(t, pool.Submit(context.Background(), "k", func(context.Context) error { return nil }))
}

func TestPanickingTaskDoesNotKillLane(t *testing.T) {
	pool, err := async.NewKeyedPool(1)
	require.NoError(t, err)
	defer pool.Close()

	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), "k", func(context.Context) error { panic("boom") }))
	require.NoError(t, pool.Submit(context.Background(), "k", func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.True(t, ran.Load())
}

func TestInvalidWorkerCount(t *testing.T) {
	_, err := async.NewKeyedPool(0)
	require.Error(t, err)
}
