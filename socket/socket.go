// Package socket implements the per-operation-kind state machine described
// in spec §4.4/§4.5: converting a user call into zero-or-more nonblocking
// attempts, an arming of the reactor, and a final handler delivery posted
// to the owning execution context.
//
// Grounded on the teacher's tryRead/tryWrite/aioCreate attempt-then-arm
// loop (gaio watcher.go), generalized from gaio's single always-read-or-
// write request model to the full connect/accept/send/recv/send_to/
// recv_from state machine asio's reactive_socket_service.hpp implements
// (original_source/asio/include/asio/detail/reactive_socket_service.hpp),
// and on ianic-xnet's operation-as-closure dispatch pattern.
package socket

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/espressif/esp-protocols-sub002/errs"
	"github.com/espressif/esp-protocols-sub002/execctx"
	"github.com/espressif/esp-protocols-sub002/internal/sockopt"
)

// SocketImpl is the open/close/cancel/option state shared by Stream,
// Datagram, and Acceptor (spec §4.4 "one socket ... on one reactor").
type SocketImpl struct {
	ctx *execctx.ExecutionContext

	mu                sync.Mutex
	fd                int
	open              bool
	nonblockingSet    bool
	linger            sockopt.Linger
	enableConnAborted bool
}

func newSocketImpl(ctx *execctx.ExecutionContext) *SocketImpl {
	return &SocketImpl{ctx: ctx}
}

// Context returns the owning ExecutionContext.
func (s *SocketImpl) Context() *execctx.ExecutionContext { return s.ctx }

// Open creates a new native socket of the given domain/type/protocol and
// assigns it to this SocketImpl.
func (s *SocketImpl) Open(domain, typ, proto int) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return errs.AlreadyOpenErr
	}
	s.mu.Unlock()

	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return errs.FromErrno(err)
	}
	if err := s.Assign(fd); err != nil {
		unix.Close(fd)
		return err
	}
	return nil
}

// Assign takes ownership of an already-created native descriptor (spec
// §4.5 "assign(protocol, native, err)").
func (s *SocketImpl) Assign(fd int) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return errs.AlreadyOpenErr
	}
	s.fd = fd
	s.open = true
	s.mu.Unlock()

	if err := s.ctx.Reactor().RegisterDescriptor(fd); err != nil {
		s.mu.Lock()
		s.open = false
		s.mu.Unlock()
		return errs.FromErrno(err)
	}
	return nil
}

// Bind binds the descriptor to addr (spec §4.4; used directly by Datagram,
// and by Acceptor.Listen before it calls unix.Listen).
func (s *SocketImpl) Bind(addr unix.Sockaddr) error {
	fd, ok := s.Fd()
	if !ok {
		return errs.BadDescriptorErr
	}
	if err := unix.Bind(fd, addr); err != nil {
		return errs.FromErrno(err)
	}
	return nil
}

// Fd returns the native descriptor, or (-1, false) if not open.
func (s *SocketImpl) Fd() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1, false
	}
	return s.fd, true
}

// IsOpen reports whether the socket currently owns a descriptor.
func (s *SocketImpl) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// ensureNonblocking flips the descriptor into nonblocking mode exactly
// once, lazily, on first operation (spec §4.4 "set internal nonblocking if
// not already").
func (s *SocketImpl) ensureNonblocking(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonblockingSet {
		return nil
	}
	if err := sockopt.SetNonblocking(fd, true); err != nil {
		return err
	}
	s.nonblockingSet = true
	return nil
}

// SetEnableConnectionAborted controls whether Accept surfaces or swallows
// an aborted incoming connection (spec §4.4 "enable_connection_aborted").
func (s *SocketImpl) SetEnableConnectionAborted(v bool) {
	s.mu.Lock()
	s.enableConnAborted = v
	s.mu.Unlock()
}

func (s *SocketImpl) connectionAbortedEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enableConnAborted
}

// SetLinger applies SO_LINGER and records that the caller did so, so Close
// can clear it safely afterward (spec §4.4 "SO_LINGER marker").
func (s *SocketImpl) SetLinger(onoff, seconds int32) error {
	fd, ok := s.Fd()
	if !ok {
		return errs.BadDescriptorErr
	}
	return s.linger.SetLinger(fd, onoff, seconds)
}

// Linger reads back the descriptor's current SO_LINGER value.
func (s *SocketImpl) Linger() (*unix.Linger, error) {
	fd, ok := s.Fd()
	if !ok {
		return nil, errs.BadDescriptorErr
	}
	return sockopt.GetLinger(fd)
}

// Duplicate returns a dup of the underlying descriptor, independent of this
// SocketImpl's lifetime — for handing a descriptor to code outside the
// reactor (e.g. logging/inspection tools) without racing this socket's own
// Close (mirrors the teacher's dupconn).
func (s *SocketImpl) Duplicate() (int, error) {
	fd, ok := s.Fd()
	if !ok {
		return -1, errs.BadDescriptorErr
	}
	dup, err := sockopt.Dup(fd)
	if err != nil {
		return -1, errs.FromErrno(err)
	}
	return dup, nil
}

// SetOption forwards an arbitrary (level, name, value) triple to
// setsockopt (spec §4.4 "all other options are forwarded verbatim").
func (s *SocketImpl) SetOption(level, name, value int) error {
	fd, ok := s.Fd()
	if !ok {
		return errs.BadDescriptorErr
	}
	return sockopt.SetOption(fd, level, name, value)
}

// GetOption forwards an arbitrary (level, name) pair to getsockopt.
func (s *SocketImpl) GetOption(level, name int) (int, error) {
	fd, ok := s.Fd()
	if !ok {
		return 0, errs.BadDescriptorErr
	}
	return sockopt.GetOption(fd, level, name)
}

// SetReuseAddr sets SO_REUSEADDR, plus SO_REUSEPORT on BSD-family systems
// for datagram sockets (spec §4.4 portability invariant).
func (s *SocketImpl) SetReuseAddr(isDatagram bool) error {
	fd, ok := s.Fd()
	if !ok {
		return errs.BadDescriptorErr
	}
	return sockopt.SetReuseAddr(fd, isDatagram)
}

// Cancel delegates to reactor.CancelOps: every pending async operation on
// this descriptor completes with operation_aborted (spec §4.4 "cancel()").
func (s *SocketImpl) Cancel() {
	fd, ok := s.Fd()
	if !ok {
		return
	}
	s.ctx.Reactor().CancelOps(fd)
}

// Close cancels pending ops, clears SO_LINGER if the caller set it, and
// closes the descriptor (spec §4.4 "close()"). Subsequent calls fail with
// bad_descriptor.
func (s *SocketImpl) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return errs.BadDescriptorErr
	}
	fd := s.fd
	s.open = false
	s.mu.Unlock()

	s.ctx.Reactor().CloseDescriptor(fd)
	s.linger.ClearIfSet(fd)
	return unix.Close(fd)
}
