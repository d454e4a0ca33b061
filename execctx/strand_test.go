package execctx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrandSerializesConcurrentPosts(t *testing.T) {
	ctx := newTestContext(t)
	strand := NewStrand(ctx)

	const n = 200
	var (
		mu      sync.Mutex
		order   []int
		running bool
		overlap bool
		wg      sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go strand.Post(func() {
			mu.Lock()
			if running {
				overlap = true
			}
			running = true
			mu.Unlock()

			order = append(order, i)

			mu.Lock()
			running = false
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 4; i++ {
			go ctx.Run()
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("strand did not drain in time")
	}
	ctx.Stop()

	assert.False(t, overlap, "strand allowed two handlers to run concurrently")
	assert.Len(t, order, n)
}

func TestStrandDispatchInlineWhenIdleInsideRun(t *testing.T) {
	ctx := newTestContext(t)
	strand := NewStrand(ctx)

	ran := false
	guard := ctx.MakeWorkGuard()
	ctx.Post(func() {
		strand.Dispatch(func() { ran = true })
		assert.True(t, ran, "Dispatch on an idle strand inside Run should execute inline")
		guard.Release()
	})
	_, err := ctx.Run()
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestStrandWrapDispatchesOnInvocation(t *testing.T) {
	ctx := newTestContext(t)
	strand := NewStrand(ctx)

	var calls int
	wrapped := strand.Wrap(func() { calls++ })

	guard := ctx.MakeWorkGuard()
	ctx.Post(func() {
		wrapped()
		wrapped()
		guard.Release()
	})
	_, err := ctx.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
