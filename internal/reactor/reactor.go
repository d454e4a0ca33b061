// Package reactor adapts a native per-platform readiness mechanism
// (epoll on Linux, kqueue on Darwin/BSD) into the uniform demultiplexer
// described in spec §4.2: one operation queue per (descriptor, direction),
// cancellation, and wake-up via a self-pipe.
//
// Grounded on the teacher's watcher.loop/handleEvents (gaio's watcher.go):
// per-fd fdDesc{readers, writers list.List} queues drained on readiness,
// generalized to a third "except" direction (spec's except_ops, needed for
// connect's write+except arming and for OOB recv) and to an explicit
// cancellation list (gaio never cancels; it only ever completes or times
// out) per spec §4.2 "cancel_ops"/"enqueue_cancel_ops_unlocked".
package reactor

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/espressif/esp-protocols-sub002/clock"
	"github.com/espressif/esp-protocols-sub002/internal/timerqueue"
)

// Direction is one of the three per-descriptor operation queues (spec §4.2
// "read_ops, write_ops, except_ops").
type Direction int

const (
	Read Direction = iota
	Write
	Except
	numDirections
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	case Except:
		return "except"
	default:
		return "unknown"
	}
}

// Result is what an Op reports from one attempt (spec §4.2 "attempt(error)
// -> {completed, incomplete, aborted}").
type Result int

const (
	Completed Result = iota
	Incomplete
	Aborted
)

// Op is a resumable I/O attempt: the reactor invokes Attempt whenever the
// descriptor becomes ready (or reports an error), and the Op decides
// whether it is done. Concrete Ops live in package socket; the reactor
// only ever sees this interface (spec's "operation object" data-model
// entity, data-model §3).
type Op interface {
	// Attempt is called with a non-nil errno when the backend reported an
	// error event on the descriptor, nil otherwise. It must not block.
	Attempt(errno error) Result
	// Cancel is called when the op is being dropped due to cancel_ops,
	// close_descriptor, or the reactor shutting down; it must deliver the
	// user handler with an Aborted error exactly once.
	Cancel()
}

// Event is one readiness notification reported by a Backend.Wait call.
type Event struct {
	Fd     int
	Read   bool
	Write  bool
	Except bool
	// Err, if non-nil, is a backend-reported error condition on Fd
	// (e.g. EPOLLERR). Poll fails every op queued on Fd, in the read,
	// write and except queues alike, with Err; it does not tell write
	// errors apart from other errors.
	Err error
}

// Backend is the per-platform readiness primitive: epoll, kqueue, select,
// or an IOCP-reduced-to-readiness proactor (spec §4.2). Exactly one
// implementation is compiled in per platform (spec §9 "tagged enum... one
// compiled-in backend per platform").
type Backend interface {
	// Register admits fd for later Arm calls. No-op on readiness-only
	// backends that arm by fd+direction directly (epoll requires it;
	// kqueue does not).
	Register(fd int) error
	// Arm requests notification for fd on dir. Idempotent.
	Arm(fd int, dir Direction) error
	// Disarm withdraws a prior Arm. Idempotent.
	Disarm(fd int, dir Direction) error
	// Deregister withdraws fd entirely.
	Deregister(fd int) error
	// Wait blocks up to timeout (0 = return immediately) and appends
	// ready events to buf, returning the events actually observed.
	Wait(timeout time.Duration, buf []Event) ([]Event, error)
	// Wake causes a blocked Wait to return promptly (self-pipe write).
	Wake() error
	// Close releases backend resources.
	Close() error
}

type pendingOp struct {
	op Op
}

// slot is the per-(descriptor,direction) FIFO of pending operation objects
// (spec §3 "Operation Queue Slot").
type slot struct {
	ops  list.List // of *pendingOp
	armed bool
}

type descState struct {
	slots [numDirections]slot
}

// Reactor is the readiness demultiplexer owned exactly once by an
// execution context (spec §4.2).
type Reactor struct {
	mu       sync.Mutex
	backend  Backend
	descs    map[int]*descState
	pendingCancel map[int]bool // deferred cancellations, spec "enqueue_cancel_ops_unlocked"
	timerQueues   map[*timerqueue.Queue]struct{}
	closed   bool
	log      *slog.Logger
	clock    clock.Clock

	eventBuf []Event // reused across Wait calls
}

const defaultEventBatch = 128

// New constructs a Reactor over the given backend. logger defaults to
// slog.Default() when nil. Clock reads use clock.Default (time.Now's
// monotonic reading) unless overridden via SetClock, a seam tests can use
// to simulate deadline ordering without real sleeps.
func New(backend Backend, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		backend:       backend,
		descs:         make(map[int]*descState),
		pendingCancel: make(map[int]bool),
		timerQueues:   make(map[*timerqueue.Queue]struct{}),
		log:           logger,
		clock:         clock.Default,
		eventBuf:      make([]Event, 0, defaultEventBatch),
	}
}

// SetClock overrides the reactor's time source (spec §6 "monotonic clock"
// capability). Must be called before the reactor starts polling.
func (r *Reactor) SetClock(c clock.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

// RegisterDescriptor admits fd into the reactor (spec §4.2
// "register_descriptor").
func (r *Reactor) RegisterDescriptor(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[fd]; ok {
		return nil
	}
	if err := r.backend.Register(fd); err != nil {
		return err
	}
	r.descs[fd] = &descState{}
	return nil
}

func (r *Reactor) desc(fd int) *descState {
	d, ok := r.descs[fd]
	if !ok {
		d = &descState{}
		r.descs[fd] = d
	}
	return d
}

// StartOp adds op to the (fd, dir) slot (spec §4.2 "start_op"). If the
// slot is empty, op is attempted once synchronously with no error; if that
// completes (or aborts) it never enters the queue, otherwise it is queued
// and the backend is armed. If the slot is already non-empty, op is
// appended behind the queued ops without being attempted.
func (r *Reactor) StartOp(dir Direction, fd int, op Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startOpLocked(dir, fd, op)
}

func (r *Reactor) startOpLocked(dir Direction, fd int, op Op) {
	if r.closed {
		op.Cancel()
		return
	}
	d := r.desc(fd)
	s := &d.slots[dir]
	if s.ops.Len() > 0 {
		s.ops.PushBack(&pendingOp{op: op})
		return
	}
	// slot empty: try once synchronously before arming (spec §4.2).
	switch op.Attempt(nil) {
	case Completed:
		return
	case Aborted:
		return
	case Incomplete:
		s.ops.PushBack(&pendingOp{op: op})
		if !s.armed {
			if err := r.backend.Arm(fd, dir); err != nil {
				r.log.Warn("reactor: arm failed", "fd", fd, "dir", dir, "err", err)
			}
			s.armed = true
		}
	}
}

// StartWriteAndExcept is the variant used by connect, which must watch
// both writable and exception conditions simultaneously (spec §4.2).
func (r *Reactor) StartWriteAndExcept(fd int, op Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A single op instance is enqueued on both slots; whichever fires
	// first drives Attempt, and the op itself (socket.connectOp) is
	// responsible for being idempotent / self-cancelling the other slot
	// once it completes, since the reactor has no notion of "the same op
	// in two slots" beyond holding two references to it.
	r.startOpLocked(Write, fd, op)
	r.startOpLocked(Except, fd, op)
}

// CancelOps marks every op on fd (all three directions) to be dispatched
// with Aborted on the next Poll iteration, and wakes the reactor so that
// happens promptly even if nothing else is ready (spec §4.2 "cancel_ops").
func (r *Reactor) CancelOps(fd int) {
	r.mu.Lock()
	r.pendingCancel[fd] = true
	r.mu.Unlock()
	if err := r.backend.Wake(); err != nil {
		r.log.Warn("reactor: wake failed", "err", err)
	}
}

// EvictOp removes op from every (fd, direction) slot it is registered in,
// disarming the backend for any slot left empty as a result. For use from
// inside an Op.Attempt — every call site already holds Reactor.mu (the
// synchronous-attempt path in startOpLocked, runSlotLocked, failSlotLocked),
// so this never re-locks.
//
// This is how an op enqueued into more than one slot (StartWriteAndExcept's
// connectOp, armed on both Write and Except) cleans up its sibling-slot
// registration once it completes through one of them — mirroring the
// grounding source's enqueue_cancel_ops_unlocked call after a dual-queued
// op completes (asio kqueue_reactor.hpp's connect handling). Removing an
// element already removed by the caller's own loop (e.g. runSlotLocked's
// Completed case) is a no-op: container/list.Remove is safe to call twice.
func (r *Reactor) EvictOp(fd int, op Op) {
	d, ok := r.descs[fd]
	if !ok {
		return
	}
	for dir := Direction(0); dir < numDirections; dir++ {
		s := &d.slots[dir]
		for e := s.ops.Front(); e != nil; e = e.Next() {
			if e.Value.(*pendingOp).op == op {
				s.ops.Remove(e)
				break
			}
		}
		if s.ops.Len() == 0 && s.armed {
			if err := r.backend.Disarm(fd, dir); err != nil {
				r.log.Warn("reactor: disarm failed", "fd", fd, "dir", dir, "err", err)
			}
			s.armed = false
		}
	}
}

// CloseDescriptor deregisters fd from the backend and then cancels its
// ops before returning, so the caller may close fd afterwards (spec §4.2
// "close_descriptor").
func (r *Reactor) CloseDescriptor(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[fd]; ok {
		if err := r.backend.Deregister(fd); err != nil {
			r.log.Warn("reactor: deregister failed", "fd", fd, "err", err)
		}
	}
	r.pendingCancel[fd] = true
	r.drainCancelLocked()
}

// WakeUp causes a blocked Poll call to return promptly, for use by the
// execution context when it posts a handler while some other thread is
// driving the reactor and no thread is idle (spec §4.1 "post... otherwise
// causes the reactor to return from its wait").
func (r *Reactor) WakeUp() error {
	return r.backend.Wake()
}

// ScheduleTimer schedules an entry on q under the reactor's own lock — the
// same lock Poll holds while calling q.DispatchExpired — and wakes a
// blocked Wait when the new entry is now the earliest deadline, so a timer
// shorter than an in-flight wait still fires on time (spec §4.2/§4.3).
func (r *Reactor) ScheduleTimer(q *timerqueue.Queue, deadline time.Time, token timerqueue.Token, h timerqueue.Handler) {
	r.mu.Lock()
	earliest := q.Schedule(deadline, token, h)
	r.mu.Unlock()
	if earliest {
		if err := r.backend.Wake(); err != nil {
			r.log.Warn("reactor: wake failed", "err", err)
		}
	}
}

// CancelTimer cancels every entry on q matching token under the reactor's
// lock, returning the count removed.
func (r *Reactor) CancelTimer(q *timerqueue.Queue, token timerqueue.Token) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return q.Cancel(token)
}

// AddTimerQueue registers a timer source whose soonest deadline bounds the
// poll wait (spec §4.2 "add_timer_queue").
func (r *Reactor) AddTimerQueue(q *timerqueue.Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timerQueues[q] = struct{}{}
}

// RemoveTimerQueue deregisters a previously added timer source.
func (r *Reactor) RemoveTimerQueue(q *timerqueue.Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timerQueues, q)
}

// Poll runs one reactor iteration (spec §4.2 "poll iteration", steps 1-6).
// When block is true it waits up to the soonest registered timer deadline
// (capped at the timer queues' ceiling, and never beyond
// timerqueue.DefaultCeiling); when false it returns immediately
// after a zero-timeout backend wait.
func (r *Reactor) Poll(block bool) error {
	r.mu.Lock()
	// Step 1: dispatch any pending cancellations.
	r.drainCancelLocked()

	// Step 2: compute timeout from the soonest deadline across all
	// registered timer queues.
	var timeout time.Duration
	if block {
		timeout = r.shortestWaitLocked()
	}
	r.mu.Unlock()

	// Step 3: release the lock, invoke the backend wait.
	events, err := r.backend.Wait(timeout, r.eventBuf[:0])
	if err != nil && !errors.Is(err, errAgain) {
		return err
	}

	r.mu.Lock()
	// Step 4: dispatch each event against its slot.
	for _, ev := range events {
		r.dispatchEventLocked(ev)
	}

	// Step 5: dispatch fired timers.
	now := r.clock.Now()
	for q := range r.timerQueues {
		q.DispatchExpired(now)
	}

	// Step 6: drain cancellations queued during step 4/5.
	r.drainCancelLocked()
	r.mu.Unlock()
	return nil
}

// errAgain is never actually returned by a Backend; retained so Poll's
// error-filtering logic reads the same as spec §4.2's text even though no
// current backend produces a retryable Wait error.
var errAgain = errors.New("reactor: spurious wake")

func (r *Reactor) shortestWaitLocked() time.Duration {
	best := timerqueue.DefaultCeiling
	now := r.clock.Now()
	for q := range r.timerQueues {
		if d := q.WaitDuration(now); d < best {
			best = d
		}
	}
	return best
}

func (r *Reactor) dispatchEventLocked(ev Event) {
	d, ok := r.descs[ev.Fd]
	if !ok {
		return
	}
	if ev.Err != nil {
		// spec §4.2 exception semantics: read+except queues fail with
		// the reported errno; write queue fails only for write-error
		// events. We treat any reported Err as applying to all three,
		// which matches the common EPOLLERR/EV_ERROR case where the
		// backend cannot distinguish direction.
		r.failSlotLocked(d, Read, ev.Fd, ev.Err)
		r.failSlotLocked(d, Write, ev.Fd, ev.Err)
		r.failSlotLocked(d, Except, ev.Fd, ev.Err)
		return
	}
	if ev.Read {
		r.runSlotLocked(d, Read, ev.Fd, nil)
	}
	if ev.Write {
		r.runSlotLocked(d, Write, ev.Fd, nil)
	}
	if ev.Except {
		r.runSlotLocked(d, Except, ev.Fd, nil)
	}
}

func (r *Reactor) runSlotLocked(d *descState, dir Direction, fd int, errno error) {
	s := &d.slots[dir]
	for e := s.ops.Front(); e != nil; {
		next := e.Next()
		po := e.Value.(*pendingOp)
		switch po.op.Attempt(errno) {
		case Completed:
			s.ops.Remove(e)
		case Incomplete:
			// stays at head; stop so later ops in the slot keep FIFO
			// order (spec §3 "at most one operation per direction per
			// descriptor executes at a time").
			return
		case Aborted:
			s.ops.Remove(e)
		}
		e = next
	}
	if s.ops.Len() == 0 && s.armed {
		if err := r.backend.Disarm(fd, dir); err != nil {
			r.log.Warn("reactor: disarm failed", "fd", fd, "dir", dir, "err", err)
		}
		s.armed = false
	}
}

func (r *Reactor) failSlotLocked(d *descState, dir Direction, fd int, errno error) {
	s := &d.slots[dir]
	for e := s.ops.Front(); e != nil; {
		next := e.Next()
		po := e.Value.(*pendingOp)
		po.op.Attempt(errno)
		s.ops.Remove(e)
		e = next
	}
	if s.armed {
		if err := r.backend.Disarm(fd, dir); err != nil {
			r.log.Warn("reactor: disarm failed", "fd", fd, "dir", dir, "err", err)
		}
		s.armed = false
	}
}

func (r *Reactor) drainCancelLocked() {
	if len(r.pendingCancel) == 0 {
		return
	}
	for fd := range r.pendingCancel {
		if d, ok := r.descs[fd]; ok {
			for dir := Direction(0); dir < numDirections; dir++ {
				s := &d.slots[dir]
				for e := s.ops.Front(); e != nil; {
					next := e.Next()
					po := e.Value.(*pendingOp)
					po.op.Cancel()
					s.ops.Remove(e)
					e = next
				}
				if s.armed {
					_ = r.backend.Disarm(fd, dir)
					s.armed = false
				}
			}
			delete(r.descs, fd)
		}
	}
	r.pendingCancel = make(map[int]bool)
}

// Close shuts the reactor down: every pending op across every descriptor
// is cancelled, then the backend is closed.
func (r *Reactor) Close() error {
	r.mu.Lock()
	r.closed = true
	for fd, d := range r.descs {
		for dir := Direction(0); dir < numDirections; dir++ {
			s := &d.slots[dir]
			for e := s.ops.Front(); e != nil; {
				next := e.Next()
				po := e.Value.(*pendingOp)
				po.op.Cancel()
				s.ops.Remove(e)
				e = next
			}
		}
		delete(r.descs, fd)
	}
	r.mu.Unlock()
	return r.backend.Close()
}

