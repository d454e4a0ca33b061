package socket

import (
	"golang.org/x/sys/unix"

	"github.com/espressif/esp-protocols-sub002/errs"
	"github.com/espressif/esp-protocols-sub002/execctx"
	"github.com/espressif/esp-protocols-sub002/internal/reactor"
)

// Acceptor listens for incoming stream connections and hands each one off
// to a caller-supplied Stream via Assign (spec §4.5 "Acceptor/Connector
// wiring").
type Acceptor struct {
	*SocketImpl
}

// NewAcceptor constructs an unopened Acceptor against ctx.
func NewAcceptor(ctx *execctx.ExecutionContext) *Acceptor {
	return &Acceptor{SocketImpl: newSocketImpl(ctx)}
}

// Listen binds to addr and starts listening with the given backlog.
func (a *Acceptor) Listen(addr unix.Sockaddr, backlog int) error {
	if err := a.Bind(addr); err != nil {
		return err
	}
	fd, ok := a.Fd()
	if !ok {
		return errs.BadDescriptorErr
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return errs.FromErrno(err)
	}
	return nil
}

// AsyncAccept waits for one incoming connection and assigns it into peer
// (spec §4.5 "accept produces a new native descriptor, assigns it into a
// caller-supplied socket via assign"). handler's err is nil on success.
func (a *Acceptor) AsyncAccept(peer *Stream, handler func(from unix.Sockaddr, err error)) {
	fd, ok := a.Fd()
	if !ok {
		a.ctx.Post(func() { handler(nil, errs.BadDescriptorErr) })
		return
	}
	if err := a.ensureNonblocking(fd); err != nil {
		a.ctx.Post(func() { handler(nil, errs.FromErrno(err)) })
		return
	}
	op := &acceptOp{
		fd:            fd,
		ctx:           a.ctx,
		peer:          peer.SocketImpl,
		enableAborted: a.connectionAbortedEnabled(),
		handler:       handler,
	}
	a.ctx.Reactor().StartOp(reactor.Read, fd, op)
}

// Accept is the synchronous variant of AsyncAccept.
func (a *Acceptor) Accept(peer *Stream) (unix.Sockaddr, error) {
	fd, ok := a.Fd()
	if !ok {
		return nil, errs.BadDescriptorErr
	}
	if err := a.ensureNonblocking(fd); err != nil {
		return nil, errs.FromErrno(err)
	}
	for {
		nfd, from, err := unix.Accept(fd)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if werr := blockingWait(fd, unix.POLLIN); werr != nil {
				return nil, errs.FromErrno(werr)
			}
			continue
		case unix.ECONNABORTED, unix.EPROTO:
			if !a.connectionAbortedEnabled() {
				continue
			}
			return nil, errs.Wrap(errs.ConnectionAborted, err)
		case nil:
			if assignErr := peer.Assign(nfd); assignErr != nil {
				unix.Close(nfd)
				return nil, assignErr
			}
			return from, nil
		default:
			return nil, errs.FromErrno(err)
		}
	}
}
