// Package sockopt provides the portable socket-option helpers the socket
// service uses: nonblocking mode, SO_LINGER bookkeeping, and the BSD
// SO_REUSEADDR/SO_REUSEPORT portability invariant (spec §4.4).
//
// Grounded on the teacher's dupconn/fd duplication helper (gaio watcher.go)
// for the Dup path used by socket.SocketImpl.Duplicate, and on
// ehrlich-b-go-ublk's direct golang.org/x/sys/unix usage style for
// fcntl/setsockopt.
package sockopt

import "golang.org/x/sys/unix"

// SetNonblocking sets or clears O_NONBLOCK via fcntl (unix.SetNonblock),
// independent of whatever mode the caller's net.Conn-equivalent descriptor
// started in.
func SetNonblocking(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// Linger is the library-private marker remembering the user set SO_LINGER,
// so Close can clear it safely afterward (spec §4.4 "SO_LINGER marker").
type Linger struct {
	Set bool
}

// SetLinger applies SO_LINGER and records that the user did so.
func (l *Linger) SetLinger(fd int, onoff int32, seconds int32) error {
	err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: onoff, Linger: seconds})
	if err != nil {
		return err
	}
	l.Set = true
	return nil
}

// GetLinger reads back the current SO_LINGER value.
func GetLinger(fd int) (*unix.Linger, error) {
	return unix.GetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER)
}

// ClearIfSet clears SO_LINGER on close, but only if the user previously set
// it themselves — spec §4.4 "close... optionally resets SO_LINGER if the
// user set it."
func (l *Linger) ClearIfSet(fd int) error {
	if !l.Set {
		return nil
	}
	return unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 0, Linger: 0})
}

// SetReuseAddr sets SO_REUSEADDR, and on BSD-family systems additionally
// sets SO_REUSEPORT for datagram sockets — a portability invariant, not a
// choice (spec §4.4). isDatagram selects whether the BSD SO_REUSEPORT
// companion applies; isBSD is supplied by the platform-specific file below.
func SetReuseAddr(fd int, isDatagram bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if isDatagram && isBSD {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}
	return nil
}

// SetOption forwards an arbitrary (level, name, value) triple to
// setsockopt, for the "all other options are forwarded verbatim" contract
// (spec §4.4).
func SetOption(fd, level, name, value int) error {
	return unix.SetsockoptInt(fd, level, name, value)
}

// GetOption forwards an arbitrary (level, name) pair to getsockopt.
func GetOption(fd, level, name int) (int, error) {
	return unix.GetsockoptInt(fd, level, name)
}

// Dup duplicates fd, for Watcher-style takeover of a caller-owned
// descriptor without racing its close (mirrors the teacher's dupconn).
func Dup(fd int) (int, error) {
	return unix.Dup(fd)
}
