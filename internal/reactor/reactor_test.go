package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory Backend used to test Reactor's queueing,
// arm/disarm, and cancellation semantics without touching the kernel.
type fakeBackend struct {
	mu     sync.Mutex
	armed  map[int]map[Direction]bool
	queued []Event
	woken  chan struct{}
	closed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{armed: make(map[int]map[Direction]bool), woken: make(chan struct{}, 64)}
}

func (b *fakeBackend) Register(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed[fd] == nil {
		b.armed[fd] = make(map[Direction]bool)
	}
	return nil
}

func (b *fakeBackend) Arm(fd int, dir Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed[fd] == nil {
		b.armed[fd] = make(map[Direction]bool)
	}
	b.armed[fd][dir] = true
	return nil
}

func (b *fakeBackend) Disarm(fd int, dir Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed[fd] != nil {
		delete(b.armed[fd], dir)
	}
	return nil
}

func (b *fakeBackend) Deregister(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.armed, fd)
	return nil
}

func (b *fakeBackend) Wait(timeout time.Duration, buf []Event) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf = append(buf, b.queued...)
	b.queued = nil
	return buf, nil
}

func (b *fakeBackend) Wake() error {
	select {
	case b.woken <- struct{}{}:
	default:
	}
	return nil
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func (b *fakeBackend) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, ev)
}

// fakeOp is a test Op that completes after N attempts.
type fakeOp struct {
	attemptsUntilDone int
	attempts          int
	completed         bool
	aborted           bool
	lastErr           error
}

func (o *fakeOp) Attempt(errno error) Result {
	o.attempts++
	o.lastErr = errno
	if errno != nil {
		o.aborted = true
		return Aborted
	}
	if o.attempts >= o.attemptsUntilDone {
		o.completed = true
		return Completed
	}
	return Incomplete
}

func (o *fakeOp) Cancel() { o.aborted = true }

func TestStartOp_CompletesImmediatelyOnEmptySlot(t *testing.T) {
	b := newFakeBackend()
	r := New(b, nil)
	op := &fakeOp{attemptsUntilDone: 1}
	r.StartOp(Read, 5, op)
	require.True(t, op.completed)
	require.False(t, b.armed[5][Read]) // never armed: completed synchronously
}

func TestStartOp_ArmsWhenIncomplete(t *testing.T) {
	b := newFakeBackend()
	r := New(b, nil)
	op := &fakeOp{attemptsUntilDone: 2}
	r.StartOp(Read, 5, op)
	require.False(t, op.completed)
	require.True(t, b.armed[5][Read])

	b.deliver(Event{Fd: 5, Read: true})
	require.NoError(t, r.Poll(false))
	require.True(t, op.completed)
	require.False(t, b.armed[5][Read]) // disarmed once slot empties
}

func TestFIFOOrderWithinSlot(t *testing.T) {
	b := newFakeBackend()
	r := New(b, nil)
	op1 := &fakeOp{attemptsUntilDone: 1}
	op2 := &fakeOp{attemptsUntilDone: 1}

	// Force both into the queue by making the first incomplete on its
	// synchronous attempt, then ready on the next Poll.
	slowFirst := &fakeOp{attemptsUntilDone: 2}
	r.StartOp(Read, 7, slowFirst)
	r.StartOp(Read, 7, op1) // queued behind slowFirst, never attempted yet
	r.StartOp(Read, 7, op2)

	require.Equal(t, 0, op1.attempts)
	require.Equal(t, 0, op2.attempts)

	b.deliver(Event{Fd: 7, Read: true})
	require.NoError(t, r.Poll(false)) // slowFirst completes, op1 gets a chance
	require.True(t, slowFirst.completed)
	require.Equal(t, 1, op1.attempts)
	require.True(t, op1.completed)
	require.Equal(t, 1, op2.attempts)
	require.True(t, op2.completed)
}

func TestCancelOps_DeliversAbortedOnNextPoll(t *testing.T) {
	b := newFakeBackend()
	r := New(b, nil)
	op := &fakeOp{attemptsUntilDone: 5}
	r.StartOp(Read, 9, op)
	require.False(t, op.completed)

	r.CancelOps(9)
	select {
	case <-b.woken:
	default:
		t.Fatal("expected CancelOps to wake the backend")
	}
	require.NoError(t, r.Poll(false))
	require.True(t, op.aborted)
}

func TestCloseDescriptor_CancelsAndDeregisters(t *testing.T) {
	b := newFakeBackend()
	r := New(b, nil)
	op := &fakeOp{attemptsUntilDone: 5}
	r.StartOp(Write, 3, op)

	r.CloseDescriptor(3)
	require.NoError(t, r.Poll(false))
	require.True(t, op.aborted)
	require.NotContains(t, b.armed, 3)
}

func TestErrorEventFailsAllQueuesOnDescriptor(t *testing.T) {
	b := newFakeBackend()
	r := New(b, nil)
	readOp := &fakeOp{attemptsUntilDone: 5}
	writeOp := &fakeOp{attemptsUntilDone: 5}
	r.StartOp(Read, 11, readOp)
	r.StartOp(Write, 11, writeOp)

	b.deliver(Event{Fd: 11, Err: errTest})
	require.NoError(t, r.Poll(false))
	require.True(t, readOp.aborted)
	require.True(t, writeOp.aborted)
	require.Equal(t, errTest, readOp.lastErr)
}

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "boom" }

// dualSlotOp models an op registered in two slots at once via
// StartWriteAndExcept (what socket.connectOp does): Incomplete for its
// first readyAfter-1 attempts, then on completion evicts itself from its
// sibling slot the same way connectOp.evictSibling does.
type dualSlotOp struct {
	r          *Reactor
	fd         int
	readyAfter int
	attempts   int
	done       bool
}

func (o *dualSlotOp) Attempt(errno error) Result {
	if o.done {
		return Completed
	}
	o.attempts++
	if o.attempts < o.readyAfter {
		return Incomplete
	}
	o.done = true
	o.r.EvictOp(o.fd, o)
	return Completed
}

func (o *dualSlotOp) Cancel() {}

func TestStartWriteAndExcept_EvictsSiblingSlotOnCompletion(t *testing.T) {
	b := newFakeBackend()
	r := New(b, nil)
	op := &dualSlotOp{r: r, fd: 21, readyAfter: 3}
	r.StartWriteAndExcept(21, op)

	// Neither of the two synchronous pre-arm attempts (one per slot) was
	// enough to finish the op, so it sits queued and armed on both.
	require.False(t, op.done)
	require.True(t, b.armed[21][Write])
	require.True(t, b.armed[21][Except])

	// A real readiness event on Write only; op completes through Write and
	// must evict its stale registration from Except too.
	b.deliver(Event{Fd: 21, Write: true})
	require.NoError(t, r.Poll(false))
	require.True(t, op.done)
	require.False(t, b.armed[21][Write])
	require.False(t, b.armed[21][Except], "completing through Write must evict and disarm the sibling Except slot too")

	// A follow-on op registered on the now-evicted Except slot must be
	// attempted synchronously, not stuck queued behind a stale completed
	// op (the regression this test guards against).
	follow := &fakeOp{attemptsUntilDone: 1}
	r.StartOp(Except, 21, follow)
	require.True(t, follow.completed)
}
