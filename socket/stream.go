package socket

import (
	"golang.org/x/sys/unix"

	"github.com/espressif/esp-protocols-sub002/errs"
	"github.com/espressif/esp-protocols-sub002/execctx"
	"github.com/espressif/esp-protocols-sub002/internal/reactor"
	"github.com/espressif/esp-protocols-sub002/iobuf"
)

// Stream is a connection-oriented socket (TCP or a local stream socket),
// with synchronous and asynchronous send/recv/connect (spec §4.4, §6
// "stream").
type Stream struct {
	*SocketImpl
}

// NewStream constructs an unopened Stream against ctx.
func NewStream(ctx *execctx.ExecutionContext) *Stream {
	return &Stream{SocketImpl: newSocketImpl(ctx)}
}

// AsyncConnect initiates a nonblocking connect; handler is posted to the
// context exactly once with nil on success (spec §4.5).
func (s *Stream) AsyncConnect(addr unix.Sockaddr, handler func(err error)) {
	fd, ok := s.Fd()
	if !ok {
		s.ctx.Post(func() { handler(errs.BadDescriptorErr) })
		return
	}
	if err := s.ensureNonblocking(fd); err != nil {
		s.ctx.Post(func() { handler(errs.FromErrno(err)) })
		return
	}

	err := unix.Connect(fd, addr)
	switch err {
	case nil:
		// connected synchronously (common for e.g. loopback)
		s.ctx.Post(func() { handler(nil) })
		return
	case unix.EINPROGRESS, unix.EALREADY:
		op := &connectOp{fd: fd, ctx: s.ctx, handler: handler}
		s.ctx.Reactor().StartWriteAndExcept(fd, op)
		return
	default:
		s.ctx.Post(func() { handler(errs.FromErrno(err)) })
	}
}

// Connect is the synchronous variant: it retries on a blocking
// single-descriptor poll rather than arming the reactor (spec §4.4
// "synchronous variants ... do not touch the reactor's operation queues").
func (s *Stream) Connect(addr unix.Sockaddr) error {
	fd, ok := s.Fd()
	if !ok {
		return errs.BadDescriptorErr
	}
	if err := s.ensureNonblocking(fd); err != nil {
		return errs.FromErrno(err)
	}
	err := unix.Connect(fd, addr)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY:
		if werr := blockingWait(fd, unix.POLLOUT); werr != nil {
			return errs.FromErrno(werr)
		}
		serrno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			return errs.FromErrno(gerr)
		}
		if serrno != 0 {
			return errs.FromErrno(unix.Errno(serrno))
		}
		return nil
	default:
		return errs.FromErrno(err)
	}
}

// AsyncSend submits an async send of seq, completing after the first
// syscall that transfers at least one byte or fails for a reason other
// than EAGAIN (spec §4.4's async_send/write_some semantics). A 0-byte
// sequence completes immediately with success.
func (s *Stream) AsyncSend(seq iobuf.Sequence, handler func(n int, err error)) {
	fd, ok := s.Fd()
	if !ok {
		s.ctx.Post(func() { handler(0, errs.BadDescriptorErr) })
		return
	}
	if seq.TotalLen() == 0 {
		s.ctx.Post(func() { handler(0, nil) })
		return
	}
	if err := s.ensureNonblocking(fd); err != nil {
		s.ctx.Post(func() { handler(0, errs.FromErrno(err)) })
		return
	}
	op := &sendOp{fd: fd, ctx: s.ctx, seq: seq, handler: handler}
	s.ctx.Reactor().StartOp(reactor.Write, fd, op)
}

// Send is the synchronous variant of AsyncSend.
func (s *Stream) Send(seq iobuf.Sequence) (int, error) {
	fd, ok := s.Fd()
	if !ok {
		return 0, errs.BadDescriptorErr
	}
	if seq.TotalLen() == 0 {
		return 0, nil
	}
	if err := s.ensureNonblocking(fd); err != nil {
		return 0, errs.FromErrno(err)
	}
	bounded := seq.Bounded()
	for {
		n, err := writeSeq(fd, bounded)
		if err == unix.EAGAIN {
			if werr := blockingWait(fd, unix.POLLOUT); werr != nil {
				return 0, errs.FromErrno(werr)
			}
			continue
		}
		if err != nil {
			return n, errs.FromErrno(err)
		}
		return n, nil
	}
}

// AsyncRecv submits an async recv into seq (spec §4.4 async_recv/
// read_some semantics).
func (s *Stream) AsyncRecv(seq iobuf.Sequence, handler func(n int, err error)) {
	s.asyncRecv(seq, 0, handler)
}

// AsyncRecvOOB submits an async recv of the connection's out-of-band byte
// (spec §4.4 "recv with OOB flag → start_except_op").
func (s *Stream) AsyncRecvOOB(buf []byte, handler func(n int, err error)) {
	s.asyncRecv(iobuf.Single(buf), unix.MSG_OOB, handler)
}

func (s *Stream) asyncRecv(seq iobuf.Sequence, flags int, handler func(n int, err error)) {
	fd, ok := s.Fd()
	if !ok {
		s.ctx.Post(func() { handler(0, errs.BadDescriptorErr) })
		return
	}
	if seq.TotalLen() == 0 {
		s.ctx.Post(func() { handler(0, nil) })
		return
	}
	if err := s.ensureNonblocking(fd); err != nil {
		s.ctx.Post(func() { handler(0, errs.FromErrno(err)) })
		return
	}
	op := &recvOp{fd: fd, ctx: s.ctx, seq: seq, flags: flags, handler: handler}
	dir := reactor.Read
	if flags&unix.MSG_OOB != 0 {
		dir = reactor.Except
	}
	s.ctx.Reactor().StartOp(dir, fd, op)
}

// Recv is the synchronous variant of AsyncRecv.
func (s *Stream) Recv(seq iobuf.Sequence) (int, error) {
	fd, ok := s.Fd()
	if !ok {
		return 0, errs.BadDescriptorErr
	}
	if seq.TotalLen() == 0 {
		return 0, nil
	}
	if err := s.ensureNonblocking(fd); err != nil {
		return 0, errs.FromErrno(err)
	}
	bounded := seq.Bounded()
	for {
		n, err := readSeq(fd, bounded)
		if err == unix.EAGAIN {
			if werr := blockingWait(fd, unix.POLLIN); werr != nil {
				return 0, errs.FromErrno(werr)
			}
			continue
		}
		if err != nil {
			return n, errs.FromErrno(err)
		}
		if n == 0 {
			return 0, errs.EOFErr
		}
		return n, nil
	}
}
