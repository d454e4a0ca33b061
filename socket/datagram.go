package socket

import (
	"golang.org/x/sys/unix"

	"github.com/espressif/esp-protocols-sub002/errs"
	"github.com/espressif/esp-protocols-sub002/execctx"
	"github.com/espressif/esp-protocols-sub002/internal/reactor"
)

// Datagram is a connectionless socket (UDP or a local datagram socket),
// with send_to/recv_from as its per-message primitives (spec §4.4, §6).
type Datagram struct {
	*SocketImpl
}

// NewDatagram constructs an unopened Datagram against ctx.
func NewDatagram(ctx *execctx.ExecutionContext) *Datagram {
	return &Datagram{SocketImpl: newSocketImpl(ctx)}
}

// AsyncSendTo submits an async send of buf to addr.
func (d *Datagram) AsyncSendTo(buf []byte, addr unix.Sockaddr, handler func(n int, err error)) {
	fd, ok := d.Fd()
	if !ok {
		d.ctx.Post(func() { handler(0, errs.BadDescriptorErr) })
		return
	}
	if err := d.ensureNonblocking(fd); err != nil {
		d.ctx.Post(func() { handler(0, errs.FromErrno(err)) })
		return
	}
	op := &sendToOp{fd: fd, ctx: d.ctx, buf: buf, to: addr, handler: handler}
	d.ctx.Reactor().StartOp(reactor.Write, fd, op)
}

// SendTo is the synchronous variant of AsyncSendTo.
func (d *Datagram) SendTo(buf []byte, addr unix.Sockaddr) (int, error) {
	fd, ok := d.Fd()
	if !ok {
		return 0, errs.BadDescriptorErr
	}
	if err := d.ensureNonblocking(fd); err != nil {
		return 0, errs.FromErrno(err)
	}
	for {
		err := unix.Sendto(fd, buf, 0, addr)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if werr := blockingWait(fd, unix.POLLOUT); werr != nil {
				return 0, errs.FromErrno(werr)
			}
			continue
		case nil:
			return len(buf), nil
		default:
			return 0, errs.FromErrno(err)
		}
	}
}

// AsyncRecvFrom submits an async recv of one datagram into buf.
func (d *Datagram) AsyncRecvFrom(buf []byte, handler func(n int, from unix.Sockaddr, err error)) {
	fd, ok := d.Fd()
	if !ok {
		d.ctx.Post(func() { handler(0, nil, errs.BadDescriptorErr) })
		return
	}
	if err := d.ensureNonblocking(fd); err != nil {
		d.ctx.Post(func() { handler(0, nil, errs.FromErrno(err)) })
		return
	}
	op := &recvFromOp{fd: fd, ctx: d.ctx, buf: buf, handler: handler}
	d.ctx.Reactor().StartOp(reactor.Read, fd, op)
}

// RecvFrom is the synchronous variant of AsyncRecvFrom.
func (d *Datagram) RecvFrom(buf []byte) (int, unix.Sockaddr, error) {
	fd, ok := d.Fd()
	if !ok {
		return 0, nil, errs.BadDescriptorErr
	}
	if err := d.ensureNonblocking(fd); err != nil {
		return 0, nil, errs.FromErrno(err)
	}
	for {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if werr := blockingWait(fd, unix.POLLIN); werr != nil {
				return 0, nil, errs.FromErrno(werr)
			}
			continue
		case nil:
			return n, from, nil
		default:
			return n, from, errs.FromErrno(err)
		}
	}
}
