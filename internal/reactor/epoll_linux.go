//go:build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend implements Backend over Linux epoll, with an eventfd used
// as the self-pipe (spec §4.2 "Prefer eventfd on Linux" per §9's design
// notes). Grounded on the teacher's openPoll/Watch/Wait/Close trio in
// watcher.go, generalized to per-direction arm/disarm instead of gaio's
// always-read-and-write registration.
type epollBackend struct {
	epfd     int
	wakeFd   int // eventfd
	armed    map[int]uint32 // fd -> current epoll event mask
}

// NewPlatform constructs the Backend compiled in for this platform
// (spec §9 "one compiled-in backend per platform").
func NewPlatform() (Backend, error) { return NewEpoll() }

// NewEpoll constructs the Linux epoll backend.
func NewEpoll() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	b := &epollBackend{epfd: epfd, wakeFd: wakeFd, armed: make(map[int]uint32)}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: epoll_ctl(wakeFd): %w", err)
	}
	return b, nil
}

func maskFor(existing uint32, dir Direction, add bool) uint32 {
	var bit uint32
	switch dir {
	case Read, Except:
		// except is folded into EPOLLPRI (OOB) alongside read readiness;
		// spec leaves except's exact choreography backend-specific (§9).
		if dir == Except {
			bit = unix.EPOLLPRI
		} else {
			bit = unix.EPOLLIN
		}
	case Write:
		bit = unix.EPOLLOUT
	}
	if add {
		return existing | bit
	}
	return existing &^ bit
}

func (b *epollBackend) Register(fd int) error {
	if _, ok := b.armed[fd]; ok {
		return nil
	}
	b.armed[fd] = 0
	ev := unix.EpollEvent{Events: 0, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *epollBackend) Arm(fd int, dir Direction) error {
	if err := b.Register(fd); err != nil {
		return err
	}
	mask := maskFor(b.armed[fd], dir, true)
	b.armed[fd] = mask
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) Disarm(fd int, dir Direction) error {
	mask, ok := b.armed[fd]
	if !ok {
		return nil
	}
	mask = maskFor(mask, dir, false)
	b.armed[fd] = mask
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) Deregister(fd int) error {
	if _, ok := b.armed[fd]; !ok {
		return nil
	}
	delete(b.armed, fd)
	// epoll auto-removes a closed fd; explicit delete here covers the
	// "close_descriptor before actual close(2)" ordering in spec §4.2.
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Wake() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(b.wakeFd, buf[:])
	if err == unix.EAGAIN {
		// counter already non-zero; another wake is already pending.
		return nil
	}
	return err
}

func (b *epollBackend) Wait(timeout time.Duration, buf []Event) ([]Event, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	if timeout <= 0 {
		ms = 0
	}
	raw := make([]unix.EpollEvent, defaultEventBatch)
	n, err := unix.EpollWait(b.epfd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return buf, nil
		}
		return buf, err
	}
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == b.wakeFd {
			var drain [8]byte
			unix.Read(b.wakeFd, drain[:])
			continue
		}
		e := Event{Fd: fd}
		if raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			e.Err = socketError(fd)
		}
		if raw[i].Events&unix.EPOLLIN != 0 {
			e.Read = true
		}
		if raw[i].Events&unix.EPOLLPRI != 0 {
			e.Except = true
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			e.Write = true
		}
		buf = append(buf, e)
	}
	return buf, nil
}

func (b *epollBackend) Close() error {
	unix.Close(b.wakeFd)
	return unix.Close(b.epfd)
}
