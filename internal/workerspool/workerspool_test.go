package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	require.True(t, pool.IsEnabled())
	require.False(t, pool.IsUnlimited())

	var count atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			count.Add(1)
			runtime.Gosched()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(20), count.Load())

	// No parallelism: tasks run inline.
	pool.SetMaxParallelism(0)
	require.False(t, pool.IsEnabled())
	ran := false
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran)
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)
	block := make(chan struct{})
	var wg sync.WaitGroup
	for range goroutineToParallelismRatio {
		wg.Add(1)
		require.True(t, pool.StartIfAvailable(func() {
			defer wg.Done()
			<-block
		}))
	}
	// Pool is full.
	assert.False(t, pool.StartIfAvailable(func() {}))

	// A sleeping worker frees one extra slot.
	pool.WorkerIsAsleep()
	wg.Add(1)
	assert.True(t, pool.StartIfAvailable(func() { wg.Done() }))
	pool.WorkerRestarted()

	close(block)
	wg.Wait()
	assert.Eventually(t, func() bool { return pool.NumRunning() == 0 }, time.Second, time.Millisecond)
}

func TestPool_Saturate(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(3)

	var count atomic.Int32
	pool.Saturate(func() { count.Add(1) })
	assert.Equal(t, int32(3*goroutineToParallelismRatio), count.Load())

	// No parallelism: a single inline copy.
	pool.SetMaxParallelism(0)
	count.Store(0)
	pool.Saturate(func() { count.Add(1) })
	assert.Equal(t, int32(1), count.Load())

	// Unlimited.
	pool.SetMaxParallelism(-1)
	require.True(t, pool.IsUnlimited())
	count.Store(0)
	pool.Saturate(func() { count.Add(1) })
	assert.Equal(t, int32(runtime.NumCPU()), count.Load())
}
