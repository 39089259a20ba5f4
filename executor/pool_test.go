package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/hostcall/executor"
	"github.com/caffeineduck/hostcall/internal/testguest"
)

func newPool(t *testing.T, name string, g *testguest.Module, size int) *executor.Pool {
	t.Helper()
	pool, err := load(t, name, g).NewPool(context.Background(), size)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close(context.Background()) })
	return pool
}

func TestPoolConcurrentRuns(t *testing.T) {
	g := testguest.New()
	for range 5 {
		g.Fetch("http://example.test/")
	}
	pool := newPool(t, "pool-churn", g, 4)
	assert.Equal(t, "pool-churn", pool.Name())
	assert.Equal(t, 4, pool.Size())

	var wg sync.WaitGroup
	results := make([]executor.Result, 64)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = pool.Run(context.Background())
		}()
	}
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.Error)
		assert.Equal(t, "OK", r.Output)
	}
	assert.Empty(t, sharedTracer.Errors(), "no two live buffers of one instance overlapped")
}

func TestPoolExclusiveCheckout(t *testing.T) {
	pool := newPool(t, "pool-exclusive", testguest.New(), 1)

	inst, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Release(context.Background(), inst)
	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, inst, again)
	pool.Release(context.Background(), again)
}

func TestPoolReplacesFailedInstance(t *testing.T) {
	pool := newPool(t, "pool-trap", testguest.New().Raw("unreachable"), 1)
	ctx := context.Background()

	inst, err := pool.Acquire(ctx)
	require.NoError(t, err)
	result := inst.Run(ctx)
	require.Error(t, result.Error)
	assert.Equal(t, executor.PhaseFailed, inst.Phase())
	pool.Release(ctx, inst)

	next, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID(), next.ID())
	assert.Equal(t, executor.PhaseBound, next.Phase())
	pool.Release(ctx, next)

	// failures keep being isolated to one run
	for range 3 {
		r := pool.Run(ctx)
		var trap *executor.Trap
		assert.ErrorAs(t, r.Error, &trap)
	}
}

func TestPoolClosed(t *testing.T) {
	pool := newPool(t, "pool-closed", testguest.New(), 2)
	require.NoError(t, pool.Close(context.Background()))
	require.NoError(t, pool.Close(context.Background()))

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, executor.ErrPoolClosed)

	r := pool.Run(context.Background())
	assert.ErrorIs(t, r.Error, executor.ErrPoolClosed)
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	pool := newPool(t, "pool-close-wait", testguest.New(), 1)
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Close(context.Background()))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, executor.ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire still waiting after Close")
	}
	pool.Release(context.Background(), held)
}

func TestPoolInvalidSize(t *testing.T) {
	_, err := load(t, "pool-size", testguest.New()).NewPool(context.Background(), 0)
	assert.Error(t, err)
}
