// Package execctx implements the execution context described in spec §4.1:
// a scheduler for completion handlers with thread-pool semantics, explicit
// run/stop/interrupt control, a nestable dispatch contract, and an
// outstanding-work counter. It owns exactly one reactor and one timer
// queue (spec §3 "ExecutionContext").
//
// The teacher (gaio) never factors this piece out on its own — its
// watcher.loop goroutine *is* an implicit, single-instance execution
// context. This package generalizes that loop into something any number
// of caller goroutines can enter via Run, following asio's
// task_demuxer_service.hpp (see original_source/asio/include/asio/detail)
// for the run/post/dispatch contract spec.md distills.
package execctx

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"time"

	"github.com/espressif/esp-protocols-sub002/internal/gid"
	"github.com/espressif/esp-protocols-sub002/internal/reactor"
	"github.com/espressif/esp-protocols-sub002/internal/timerqueue"
	"github.com/espressif/esp-protocols-sub002/internal/winsock"
)

// Handler is a completion callback posted to or dispatched on a context.
type Handler func()

// ErrRestartWhileRunning is returned by Restart when at least one
// goroutine is currently inside Run/RunOne/Poll/PollOne (spec §4.1
// "restart() — ... valid only when no thread is inside run()").
var ErrRestartWhileRunning = errors.New("execctx: restart called while a thread is inside run")

// Options configures a new ExecutionContext. The zero value is valid.
type Options struct {
	// Logger receives structural diagnostics (reactor wake, arm, disarm
	// and deregister failures). Handler panics are not logged; they
	// propagate out of Run. Defaults to slog.Default().
	Logger *slog.Logger
	// TimerCeiling bounds how long a blocking reactor wait may run with
	// no timer registered (spec §4.2's "ceiling"). Zero uses
	// timerqueue.DefaultCeiling.
	TimerCeiling time.Duration
}

// ExecutionContext is the scheduler + reactor + timer-queue triad that
// owns all I/O objects created against it (spec §3).
type ExecutionContext struct {
	mu             sync.Mutex
	handlers       list.List // of Handler
	work           int64
	stopped        bool
	reactorRunning bool
	idle           []chan struct{}
	threadsInRun   int

	reactor *reactor.Reactor
	timerQ  *timerqueue.Queue
	logger  *slog.Logger
}

// New constructs an ExecutionContext with the platform-appropriate
// reactor backend (epoll on Linux, kqueue on Darwin/BSD — spec §9).
func New(opts Options) (*ExecutionContext, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// spec §9 "global process-wide Winsock init" redesign: a process-scoped
	// capability acquired on the 0->1 transition and released at last drop,
	// decoupled from the reactor/socket types themselves.
	if err := winsock.Acquire(); err != nil {
		return nil, err
	}
	backend, err := reactor.NewPlatform()
	if err != nil {
		winsock.Release()
		return nil, err
	}
	r := reactor.New(backend, logger)
	tq := timerqueue.New(opts.TimerCeiling)
	r.AddTimerQueue(tq)
	return &ExecutionContext{reactor: r, timerQ: tq, logger: logger}, nil
}

// Close releases the context's reactor and the process-scoped capability
// acquired by New (spec §9's "teardown-at-last-drop"). Safe to call once,
// typically via defer, after the last Run/RunOne/Poll/PollOne returns.
func (ctx *ExecutionContext) Close() error {
	err := ctx.reactor.Close()
	winsock.Release()
	return err
}

// Reactor exposes the owned reactor to package socket, which arms I/O
// operations against it. Not part of the public asio-style surface; kept
// internal-visible by staying lower case would break cross-package use, so
// it is exported but undocumented for end users.
func (ctx *ExecutionContext) Reactor() *reactor.Reactor { return ctx.reactor }

// TimerQueue exposes the owned timer queue to package timer.
func (ctx *ExecutionContext) TimerQueue() *timerqueue.Queue { return ctx.timerQ }

// Logger returns the context's configured logger.
func (ctx *ExecutionContext) Logger() *slog.Logger { return ctx.logger }

type stepOutcome int

const (
	outcomeRan stepOutcome = iota
	outcomeStopped
	outcomeContinue
	outcomeNoProgress
)

// step runs the run-loop contract's per-iteration body once (spec §4.1
// "Run-loop contract", steps 1-4). block controls whether becoming the
// reactor runner blocks up to the soonest timer deadline, and whether an
// idle thread actually waits rather than returning immediately.
func (ctx *ExecutionContext) step(block bool) (stepOutcome, error) {
	ctx.mu.Lock()
	if ctx.work <= 0 {
		ctx.stopped = true
	}
	if ctx.stopped {
		ctx.mu.Unlock()
		return outcomeStopped, nil
	}

	if front := ctx.handlers.Front(); front != nil {
		h := ctx.handlers.Remove(front).(Handler)
		ctx.mu.Unlock()
		ctx.execute(h)
		return outcomeRan, nil
	}

	if !ctx.reactorRunning {
		ctx.reactorRunning = true
		before := ctx.handlers.Len()
		ctx.mu.Unlock()

		err := ctx.reactor.Poll(block)

		ctx.mu.Lock()
		ctx.reactorRunning = false
		after := ctx.handlers.Len()
		ctx.mu.Unlock()

		if err != nil {
			return outcomeStopped, err
		}
		if !block && after == before {
			return outcomeNoProgress, nil
		}
		return outcomeContinue, nil
	}

	// Another thread is driving the reactor and our FIFO is empty.
	if !block {
		ctx.mu.Unlock()
		return outcomeNoProgress, nil
	}
	wake := make(chan struct{})
	ctx.idle = append(ctx.idle, wake)
	ctx.mu.Unlock()
	<-wake
	return outcomeContinue, nil
}

// execute runs h with the nested-dispatch TLS marker set and the
// outstanding-work counter decremented exactly once on every exit path,
// including a panic unwinding out of h (spec §4.1 "Failure semantics").
func (ctx *ExecutionContext) execute(h Handler) {
	defer func() {
		ctx.mu.Lock()
		ctx.work--
		idle, stopped := ctx.checkWorkLocked()
		ctx.mu.Unlock()
		if stopped {
			ctx.wakeIdle(idle)
		}
	}()

	gid.Push(ctx)
	defer gid.Pop(ctx)
	h()
}

// checkWorkLocked marks the context stopped and detaches the idle list
// once outstanding work reaches zero (spec §4.1 step 5, §3 invariant),
// reporting whether this call made that transition. Caller holds ctx.mu.
func (ctx *ExecutionContext) checkWorkLocked() ([]chan struct{}, bool) {
	if ctx.work > 0 || ctx.stopped {
		return nil, false
	}
	ctx.stopped = true
	idle := ctx.idle
	ctx.idle = nil
	return idle, true
}

// wakeIdle releases every idle thread and wakes the thread driving the
// reactor, if any, so that all threads inside Run observe the stop.
func (ctx *ExecutionContext) wakeIdle(idle []chan struct{}) {
	for _, ch := range idle {
		close(ch)
	}
	if err := ctx.reactor.WakeUp(); err != nil {
		ctx.logger.Warn("execctx: reactor wake failed", "err", err)
	}
}

func (ctx *ExecutionContext) enterRun() {
	ctx.mu.Lock()
	ctx.threadsInRun++
	ctx.mu.Unlock()
}

func (ctx *ExecutionContext) exitRun() {
	ctx.mu.Lock()
	ctx.threadsInRun--
	ctx.mu.Unlock()
}

// Run blocks the calling goroutine, executing handlers until the context
// is stopped or there is no outstanding work, returning the number of
// handlers executed (spec §4.1 "run()").
func (ctx *ExecutionContext) Run() (int, error) {
	ctx.enterRun()
	defer ctx.exitRun()
	n := 0
	for {
		o, err := ctx.step(true)
		if err != nil {
			return n, err
		}
		switch o {
		case outcomeRan:
			n++
		case outcomeStopped:
			return n, nil
		}
	}
}

// RunOne blocks until at most one handler has run, returning 1 if one
// ran or 0 if the context was already stopped (spec §4.1 "run_one()").
func (ctx *ExecutionContext) RunOne() (int, error) {
	ctx.enterRun()
	defer ctx.exitRun()
	for {
		o, err := ctx.step(true)
		if err != nil {
			return 0, err
		}
		switch o {
		case outcomeRan:
			return 1, nil
		case outcomeStopped:
			return 0, nil
		}
	}
}

// Poll runs whatever handlers are immediately ready without blocking,
// returning the count executed (spec §4.1 "poll()").
func (ctx *ExecutionContext) Poll() (int, error) {
	ctx.enterRun()
	defer ctx.exitRun()
	n := 0
	for {
		o, err := ctx.step(false)
		if err != nil {
			return n, err
		}
		switch o {
		case outcomeRan:
			n++
		case outcomeStopped, outcomeNoProgress:
			return n, nil
		}
	}
}

// PollOne runs at most one immediately-ready handler without blocking
// (spec §4.1 "poll_one()").
func (ctx *ExecutionContext) PollOne() (int, error) {
	ctx.enterRun()
	defer ctx.exitRun()
	for {
		o, err := ctx.step(false)
		if err != nil {
			return 0, err
		}
		switch o {
		case outcomeRan:
			return 1, nil
		case outcomeStopped, outcomeNoProgress:
			return 0, nil
		}
	}
}

// Stop marks the context stopped, waking every thread currently inside
// Run (and its bounded variants); subsequent Run calls return immediately
// until Restart (spec §4.1 "stop()").
func (ctx *ExecutionContext) Stop() {
	ctx.mu.Lock()
	ctx.stopped = true
	idle := ctx.idle
	ctx.idle = nil
	ctx.mu.Unlock()
	for _, ch := range idle {
		close(ch)
	}
	if err := ctx.reactor.WakeUp(); err != nil {
		ctx.logger.Warn("execctx: reactor wake failed", "err", err)
	}
}

// Stopped reports whether the context is currently stopped.
func (ctx *ExecutionContext) Stopped() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.stopped
}

// Restart clears the stopped flag, valid only when no goroutine is
// currently inside Run/RunOne/Poll/PollOne (spec §4.1 "restart()").
func (ctx *ExecutionContext) Restart() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.threadsInRun > 0 {
		return ErrRestartWhileRunning
	}
	ctx.stopped = false
	return nil
}

// Post enqueues h at the tail of the FIFO and increments outstanding
// work. Wakes exactly one idle worker if any; otherwise, if the reactor
// is currently being driven by another thread, causes it to return from
// its wait (spec §4.1 "post(h)").
func (ctx *ExecutionContext) Post(h Handler) {
	ctx.mu.Lock()
	ctx.work++
	ctx.handlers.PushBack(h)
	var wake chan struct{}
	if len(ctx.idle) > 0 {
		wake = ctx.idle[0]
		ctx.idle = ctx.idle[1:]
	}
	reactorRunning := ctx.reactorRunning
	ctx.mu.Unlock()

	if wake != nil {
		close(wake)
		return
	}
	if reactorRunning {
		if err := ctx.reactor.WakeUp(); err != nil {
			ctx.logger.Warn("execctx: reactor wake failed", "err", err)
		}
	}
}

// Dispatch runs h synchronously if the calling goroutine is currently
// inside this context's Run (nested-inline semantics); otherwise it is
// equivalent to Post (spec §4.1 "dispatch(h)").
func (ctx *ExecutionContext) Dispatch(h Handler) {
	if gid.Contains(ctx) {
		h()
		return
	}
	ctx.Post(h)
}

// OnWorkStarted increments the outstanding-work counter for work not yet
// represented by a queued handler (spec §4.1 "on_work_started()").
func (ctx *ExecutionContext) OnWorkStarted() {
	ctx.mu.Lock()
	ctx.work++
	ctx.mu.Unlock()
}

// OnWorkFinished is the matching decrement (spec §4.1 "on_work_finished()").
func (ctx *ExecutionContext) OnWorkFinished() {
	ctx.mu.Lock()
	ctx.work--
	idle, stopped := ctx.checkWorkLocked()
	ctx.mu.Unlock()
	if stopped {
		ctx.wakeIdle(idle)
	}
}

// Wrap returns a callable that, when invoked, Dispatches h on ctx (spec
// §4.1 "wrap(h)").
func (ctx *ExecutionContext) Wrap(h Handler) Handler {
	return func() { ctx.Dispatch(h) }
}

// WorkGuard is a bump on the context's outstanding-work counter that
// keeps Run from returning idle until released (spec §3 "Work Guard").
type WorkGuard struct {
	ctx      *ExecutionContext
	released int32
}

// MakeWorkGuard increments ctx's outstanding-work counter and returns a
// guard that decrements it exactly once, on the first Release call.
func (ctx *ExecutionContext) MakeWorkGuard() *WorkGuard {
	ctx.OnWorkStarted()
	return &WorkGuard{ctx: ctx}
}

// Release drops the guard's hold on outstanding work. Safe to call more
// than once or concurrently; only the first call has an effect.
func (g *WorkGuard) Release() {
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		g.ctx.OnWorkFinished()
	}
}
