//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package reactor

import "golang.org/x/sys/unix"

// socketError reads SO_ERROR off fd, the authoritative way to learn what
// condition a backend-reported error event actually was (spec §7 "SO_ERROR
// read on a pending connect is the authoritative result"; the same getsockopt
// call also explains an EPOLLERR/EV_ERROR on an established connection).
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}
