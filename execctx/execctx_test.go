package execctx

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *ExecutionContext {
	t.Helper()
	ctx, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestPostRunsHandlersInFIFOOrder(t *testing.T) {
	ctx := newTestContext(t)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		ctx.Post(func() { order = append(order, i) })
	}
	n, err := ctx.Run()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRunReturnsWhenNoWorkOutstanding(t *testing.T) {
	ctx := newTestContext(t)
	n, err := ctx.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, ctx.Stopped())
}

func TestWorkGuardKeepsRunFromReturning(t *testing.T) {
	ctx := newTestContext(t)
	guard := ctx.MakeWorkGuard()

	done := make(chan struct{})
	go func() {
		ctx.Run()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Run returned while a WorkGuard was still held")
	case <-time.After(50 * time.Millisecond):
	}

	guard.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after WorkGuard.Release")
	}
}

func TestWorkGuardReleaseIsIdempotent(t *testing.T) {
	ctx := newTestContext(t)
	guard := ctx.MakeWorkGuard()
	guard.Release()
	guard.Release()
	n, err := ctx.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDispatchRunsInlineWhenInsideRun(t *testing.T) {
	ctx := newTestContext(t)
	var insideRunGoroutine bool
	var sawNestedBeforePost bool

	ctx.Post(func() {
		ctx.Dispatch(func() {
			insideRunGoroutine = true
			sawNestedBeforePost = true
		})
		// If Dispatch had posted instead of running inline, the flag
		// would still be false here.
		assert.True(t, sawNestedBeforePost)
	})

	_, err := ctx.Run()
	require.NoError(t, err)
	assert.True(t, insideRunGoroutine)
}

func TestDispatchPostsWhenCalledFromOutsideRun(t *testing.T) {
	ctx := newTestContext(t)
	var ran int32
	ctx.Dispatch(func() { atomic.StoreInt32(&ran, 1) })
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))

	n, err := ctx.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestStopDuringRunReturnsPromptly(t *testing.T) {
	ctx := newTestContext(t)
	guard := ctx.MakeWorkGuard()
	defer guard.Release()

	done := make(chan struct{})
	go func() {
		ctx.Run()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	ctx.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after Stop")
	}
	assert.True(t, ctx.Stopped())
}

func TestMultiThreadRunSharesWorkFIFO(t *testing.T) {
	ctx := newTestContext(t)
	const n = 200
	var counter int64
	for i := 0; i < n; i++ {
		ctx.Post(func() { atomic.AddInt64(&counter, 1) })
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx.Run()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestRestartWhileRunningFails(t *testing.T) {
	ctx := newTestContext(t)
	guard := ctx.MakeWorkGuard()
	defer guard.Release()

	done := make(chan struct{})
	go func() {
		ctx.Run()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	err := ctx.Restart()
	assert.ErrorIs(t, err, ErrRestartWhileRunning)

	ctx.Stop()
	<-done
}

func TestRestartAfterStopAllowsReuse(t *testing.T) {
	ctx := newTestContext(t)
	ctx.Run()
	require.True(t, ctx.Stopped())

	require.NoError(t, ctx.Restart())
	assert.False(t, ctx.Stopped())

	var ran bool
	ctx.Post(func() { ran = true })
	n, err := ctx.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, ran)
}

func TestWrapDispatchesThroughContext(t *testing.T) {
	ctx := newTestContext(t)
	var ran int32
	wrapped := ctx.Wrap(func() { atomic.StoreInt32(&ran, 1) })
	wrapped()
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	ctx.Run()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestPollOneRunsAtMostOneReadyHandler(t *testing.T) {
	ctx := newTestContext(t)
	var ran int
	ctx.Post(func() { ran++ })
	ctx.Post(func() { ran++ })

	n, err := ctx.PollOne()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ran)

	n, err = ctx.PollOne()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, ran)
}

func TestPollDrainsWithoutBlockingWhenNothingPending(t *testing.T) {
	ctx := newTestContext(t)
	n, err := ctx.Poll()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
