package socket

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/espressif/esp-protocols-sub002/errs"
	"github.com/espressif/esp-protocols-sub002/execctx"
	"github.com/espressif/esp-protocols-sub002/internal/reactor"
	"github.com/espressif/esp-protocols-sub002/iobuf"
)

// Every op below implements reactor.Op and follows the same discipline: at
// most one terminal delivery, always posted via ctx.Post rather than
// called inline from inside Attempt/Cancel, since those run under the
// reactor's internal lock (spec §5 "no lock is ever held across a user
// callback").

// writeSeq drives one scatter/gather send attempt across seq's buffers.
// golang.org/x/sys/unix does not expose a portable writev wrapper on every
// BSD-family target, so multi-buffer sends are done as a sequence of
// unix.Write calls within this single Attempt instead of one vectored
// syscall; EAGAIN with nothing yet written propagates to the caller as
// EAGAIN, EAGAIN after partial progress is treated as this attempt's
// (partial) success.
func writeSeq(fd int, seq iobuf.Sequence) (int, error) {
	total := 0
	for _, b := range seq {
		if len(b) == 0 {
			continue
		}
		for {
			n, err := unix.Write(fd, b)
			if err == unix.EINTR {
				continue
			}
			total += n
			if err != nil {
				if err == unix.EAGAIN && total > 0 {
					return total, nil
				}
				return total, err
			}
			if n < len(b) {
				return total, nil
			}
			break
		}
	}
	return total, nil
}

// readSeq is writeSeq's mirror for recv. A zero-byte read (EOF) stops the
// scan; if nothing had been read yet total stays 0 so the caller can
// distinguish "EOF with no data" from "partial data, EOF on next call".
func readSeq(fd int, seq iobuf.Sequence) (int, error) {
	total := 0
	for _, b := range seq {
		if len(b) == 0 {
			continue
		}
		for {
			n, err := unix.Read(fd, b)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				if err == unix.EAGAIN && total > 0 {
					return total, nil
				}
				return total, err
			}
			if n == 0 {
				return total, nil
			}
			total += n
			if n < len(b) {
				return total, nil
			}
			break
		}
	}
	return total, nil
}

func firstBuf(seq iobuf.Sequence) []byte {
	for _, b := range seq {
		if len(b) > 0 {
			return b
		}
	}
	return nil
}

// sendOp is the async_send / async_write_some state machine (spec §4.4):
// one attempt per readiness event, completing (possibly partially) on the
// first syscall that isn't EAGAIN.
type sendOp struct {
	fd      int
	ctx     *execctx.ExecutionContext
	seq     iobuf.Sequence
	done    bool
	handler func(n int, err error)
}

func (op *sendOp) Attempt(errno error) reactor.Result {
	if op.done {
		return reactor.Completed
	}
	if errno != nil {
		op.complete(0, errs.FromErrno(errno))
		return reactor.Completed
	}
	bounded := op.seq.Bounded()
	n, err := writeSeq(op.fd, bounded)
	if err == unix.EAGAIN {
		return reactor.Incomplete
	}
	if err != nil {
		op.complete(n, errs.FromErrno(err))
		return reactor.Completed
	}
	op.complete(n, nil)
	return reactor.Completed
}

func (op *sendOp) Cancel() {
	if op.done {
		return
	}
	op.complete(0, errs.AbortedErr)
}

func (op *sendOp) complete(n int, err error) {
	op.done = true
	op.ctx.Post(func() { op.handler(n, err) })
}

// recvOp is the async_recv / async_read_some state machine. flags carries
// MSG_OOB for the except-direction OOB-recv variant (spec §4.4 "recv with
// OOB flag → start_except_op").
type recvOp struct {
	fd      int
	ctx     *execctx.ExecutionContext
	seq     iobuf.Sequence
	flags   int
	done    bool
	handler func(n int, err error)
}

func (op *recvOp) doRead() (int, error) {
	bounded := op.seq.Bounded()
	if op.flags != 0 {
		n, _, err := unix.Recvfrom(op.fd, firstBuf(bounded), op.flags)
		return n, err
	}
	return readSeq(op.fd, bounded)
}

func (op *recvOp) Attempt(errno error) reactor.Result {
	if op.done {
		return reactor.Completed
	}
	if errno != nil {
		op.complete(0, errs.FromErrno(errno))
		return reactor.Completed
	}
	n, err := op.doRead()
	if err == unix.EAGAIN {
		return reactor.Incomplete
	}
	if err != nil {
		op.complete(n, errs.FromErrno(err))
		return reactor.Completed
	}
	if n == 0 {
		op.complete(0, errs.EOFErr)
	} else {
		op.complete(n, nil)
	}
	return reactor.Completed
}

func (op *recvOp) Cancel() {
	if op.done {
		return
	}
	op.complete(0, errs.AbortedErr)
}

func (op *recvOp) complete(n int, err error) {
	op.done = true
	op.ctx.Post(func() { op.handler(n, err) })
}

// sendToOp is the datagram async_send_to state machine (spec §4.4); the
// scatter/gather bound applies only to stream send/recv, so send_to takes
// a single buffer.
type sendToOp struct {
	fd      int
	ctx     *execctx.ExecutionContext
	buf     []byte
	to      unix.Sockaddr
	done    bool
	handler func(n int, err error)
}

func (op *sendToOp) Attempt(errno error) reactor.Result {
	if op.done {
		return reactor.Completed
	}
	if errno != nil {
		op.complete(0, errs.FromErrno(errno))
		return reactor.Completed
	}
	for {
		err := unix.Sendto(op.fd, op.buf, 0, op.to)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return reactor.Incomplete
		case nil:
			op.complete(len(op.buf), nil)
			return reactor.Completed
		default:
			op.complete(0, errs.FromErrno(err))
			return reactor.Completed
		}
	}
}

func (op *sendToOp) Cancel() {
	if op.done {
		return
	}
	op.complete(0, errs.AbortedErr)
}

func (op *sendToOp) complete(n int, err error) {
	op.done = true
	op.ctx.Post(func() { op.handler(n, err) })
}

// recvFromOp is the datagram async_recv_from state machine.
type recvFromOp struct {
	fd      int
	ctx     *execctx.ExecutionContext
	buf     []byte
	done    bool
	handler func(n int, from unix.Sockaddr, err error)
}

func (op *recvFromOp) Attempt(errno error) reactor.Result {
	if op.done {
		return reactor.Completed
	}
	if errno != nil {
		op.complete(0, nil, errs.FromErrno(errno))
		return reactor.Completed
	}
	for {
		n, from, err := unix.Recvfrom(op.fd, op.buf, 0)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return reactor.Incomplete
		case nil:
			op.complete(n, from, nil)
			return reactor.Completed
		default:
			op.complete(0, nil, errs.FromErrno(err))
			return reactor.Completed
		}
	}
}

func (op *recvFromOp) Cancel() {
	if op.done {
		return
	}
	op.complete(0, nil, errs.AbortedErr)
}

func (op *recvFromOp) complete(n int, from unix.Sockaddr, err error) {
	op.done = true
	op.ctx.Post(func() { op.handler(n, from, err) })
}

// acceptOp is the async_accept state machine (spec §4.4/§4.5): on success
// the new descriptor is assigned into the caller-supplied peer socket; if
// that assign fails, the raw descriptor is closed to avoid a leak.
type acceptOp struct {
	fd            int
	ctx           *execctx.ExecutionContext
	peer          *SocketImpl
	enableAborted bool
	done          bool
	handler       func(from unix.Sockaddr, err error)
}

func (op *acceptOp) Attempt(errno error) reactor.Result {
	if op.done {
		return reactor.Completed
	}
	if errno != nil {
		op.complete(nil, errs.FromErrno(errno))
		return reactor.Completed
	}
	for {
		nfd, from, err := unix.Accept(op.fd)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return reactor.Incomplete
		case unix.ECONNABORTED, unix.EPROTO:
			if !op.enableAborted {
				// spec §4.4: "if connection-aborted and user did not
				// opt in → incomplete" — swallow and keep waiting.
				continue
			}
			op.complete(nil, errs.Wrap(errs.ConnectionAborted, err))
			return reactor.Completed
		case nil:
			// Assign registers nfd with the reactor, which takes the
			// reactor lock already held around Attempt, so it runs in the
			// posted completion instead.
			op.done = true
			op.ctx.Post(func() {
				if assignErr := op.peer.Assign(nfd); assignErr != nil {
					unix.Close(nfd)
					op.handler(nil, assignErr)
					return
				}
				op.handler(from, nil)
			})
			return reactor.Completed
		default:
			op.complete(nil, errs.FromErrno(err))
			return reactor.Completed
		}
	}
}

func (op *acceptOp) Cancel() {
	if op.done {
		return
	}
	op.complete(nil, errs.AbortedErr)
}

func (op *acceptOp) complete(from unix.Sockaddr, err error) {
	op.done = true
	op.ctx.Post(func() { op.handler(from, err) })
}

// connectOp is the async_connect state machine (spec §4.5): armed on both
// the write and except slots of the same descriptor, so it must tolerate
// Attempt being invoked from either slot and deliver exactly once. mu
// guards the shared completion flag the spec calls out explicitly
// ("a shared completion flag prevents double-delivery").
type connectOp struct {
	fd      int
	ctx     *execctx.ExecutionContext
	mu      sync.Mutex
	done    bool
	handler func(err error)
}

func (op *connectOp) Attempt(errno error) reactor.Result {
	op.mu.Lock()
	if op.done {
		op.mu.Unlock()
		return reactor.Completed
	}
	if errno != nil {
		op.done = true
		op.mu.Unlock()
		op.evictSibling()
		op.deliver(errs.FromErrno(errno))
		return reactor.Completed
	}
	// spec §4.5: "after writable, read SO_ERROR; deliver that as result" —
	// write-readiness alone does not mean the connect succeeded. The
	// synchronous pre-arm attempt reaches here before any readiness event,
	// and SO_ERROR reads 0 while the connect is still in progress, so
	// writability is checked first.
	pfd := []unix.PollFd{{Fd: int32(op.fd), Events: unix.POLLOUT}}
	if n, perr := unix.Poll(pfd, 0); perr == nil && n == 0 {
		op.mu.Unlock()
		return reactor.Incomplete
	}
	serrno, gerr := unix.GetsockoptInt(op.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	op.done = true
	op.mu.Unlock()
	op.evictSibling()
	if gerr != nil {
		op.deliver(errs.FromErrno(gerr))
		return reactor.Completed
	}
	if serrno != 0 {
		op.deliver(errs.FromErrno(unix.Errno(serrno)))
	} else {
		op.deliver(nil)
	}
	return reactor.Completed
}

// evictSibling removes this op from every slot of its descriptor, so the
// Write/Except slot it did not complete through keeps no stale entry —
// StartWriteAndExcept enqueues the same op in both, and the reactor has no
// notion of "the same op in two slots" beyond holding two references to it
// (reactor.go "StartWriteAndExcept"). Called with Reactor.mu already held, true of
// every Attempt call site.
func (op *connectOp) evictSibling() {
	op.ctx.Reactor().EvictOp(op.fd, op)
}

func (op *connectOp) Cancel() {
	op.mu.Lock()
	if op.done {
		op.mu.Unlock()
		return
	}
	op.done = true
	op.mu.Unlock()
	op.deliver(errs.AbortedErr)
}

func (op *connectOp) deliver(err error) {
	op.ctx.Post(func() { op.handler(err) })
}
