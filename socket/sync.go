package socket

import "golang.org/x/sys/unix"

// blockingWait implements the synchronous variants' "blocking single-
// descriptor poll (same direction) and retry" clause (spec §4.4): it does
// not touch the reactor's operation queues at all, matching the spec's
// explicit "they do not touch the reactor's operation queues."
func blockingWait(fd int, events int16) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
